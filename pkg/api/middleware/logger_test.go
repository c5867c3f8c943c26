package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/komari-bot/komari/pkg/logger"
)

func TestLogger(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		status     int
		wantLogged bool
	}{
		{name: "api request logged", path: "/api/v1/knowledge", status: http.StatusCreated, wantLogged: true},
		{name: "error logged", path: "/api/v1/knowledge/9", status: http.StatusNotFound, wantLogged: true},
		{name: "probe at debug", path: "/health", status: http.StatusOK, wantLogged: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.NewWithWriter(&logger.Config{Level: logger.InfoLevel, Format: "json"}, &buf)

			handler := RequestID()(Logger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			})))

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if !tt.wantLogged {
				if buf.Len() != 0 {
					t.Fatalf("unexpected log output: %s", buf.String())
				}
				return
			}

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("log output is not JSON: %v (%s)", err, buf.String())
			}
			if got := int(entry["status"].(float64)); got != tt.status {
				t.Errorf("logged status = %d, want %d", got, tt.status)
			}
			if entry["path"] != tt.path {
				t.Errorf("logged path = %v, want %s", entry["path"], tt.path)
			}
			if entry["request_id"] != rec.Header().Get(RequestIDHeader) {
				t.Errorf("logged request_id = %v, want %s", entry["request_id"], rec.Header().Get(RequestIDHeader))
			}
			if got := int(entry["size"].(float64)); got != 4 {
				t.Errorf("logged size = %d, want 4", got)
			}
		})
	}
}
