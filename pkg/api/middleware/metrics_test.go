package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type observed struct {
	method, route string
	code          int
}

type fakeHTTPMetrics struct {
	mu       sync.Mutex
	requests []observed
	inFlight int
	peak     int
}

func (f *fakeHTTPMetrics) HTTPRequestStarted() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.inFlight--
	}
}

func (f *fakeHTTPMetrics) ObserveHTTPRequest(_ context.Context, method, route string, code int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, observed{method, route, code})
}

func metricsRouter(f *fakeHTTPMetrics) chi.Router {
	r := chi.NewRouter()
	r.Use(Metrics(f, "/metrics"))
	r.Get("/api/v1/knowledge/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/metrics", func(http.ResponseWriter, *http.Request) {})
	return r
}

func TestMetrics_RoutePatternLabel(t *testing.T) {
	f := &fakeHTTPMetrics{}
	metricsRouter(f).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/knowledge/17", nil))

	if len(f.requests) != 1 {
		t.Fatalf("recorded %d requests, want 1", len(f.requests))
	}
	want := observed{http.MethodGet, "/api/v1/knowledge/{id}", http.StatusNotFound}
	if f.requests[0] != want {
		t.Errorf("recorded %+v, want %+v", f.requests[0], want)
	}
	if f.inFlight != 0 || f.peak != 1 {
		t.Errorf("in flight=%d peak=%d, want 0 and 1", f.inFlight, f.peak)
	}
}

func TestMetrics_UnmatchedRoute(t *testing.T) {
	f := &fakeHTTPMetrics{}
	metricsRouter(f).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-login.php", nil))

	if len(f.requests) != 1 || f.requests[0].route != unmatchedRoute {
		t.Fatalf("recorded %+v, want one %q request", f.requests, unmatchedRoute)
	}
}

func TestMetrics_PanicRecordedAs500(t *testing.T) {
	f := &fakeHTTPMetrics{}
	handler := Metrics(f)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic must reach the caller")
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil))
	}()

	if len(f.requests) != 1 || f.requests[0].code != http.StatusInternalServerError {
		t.Fatalf("recorded %+v, want one 500", f.requests)
	}
	if f.inFlight != 0 {
		t.Errorf("in flight = %d after panic", f.inFlight)
	}
}

func TestMetrics_SkipsScrapePath(t *testing.T) {
	f := &fakeHTTPMetrics{}
	metricsRouter(f).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if len(f.requests) != 0 || f.peak != 0 {
		t.Errorf("scrape was recorded: %+v", f.requests)
	}
}
