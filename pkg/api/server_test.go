package api

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/komari-bot/komari/pkg/logger"
)

func TestNewHTTPServer(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Host = "localhost"
	cfg.Server.Port = 8080
	cfg.Server.HTTP.MaxHeaderBytes = 4096

	s := NewHTTPServer(cfg, testLogger(), createTestHandlers(t))

	if s.Addr() != "localhost:8080" {
		t.Errorf("Addr() = %q, want localhost:8080", s.Addr())
	}
	if s.srv.MaxHeaderBytes != 4096 || s.srv.ReadTimeout != cfg.Server.HTTP.ReadTimeout {
		t.Errorf("server settings not applied: %+v", s.srv)
	}
	if s.srv.ErrorLog == nil {
		t.Error("expected net/http errors to be routed to the logger")
	}
	if s.Handler() == nil {
		t.Error("router not initialized")
	}
}

func TestHTTPServer_ServeAndShutdown(t *testing.T) {
	s := NewHTTPServer(testConfig(), testLogger(), createTestHandlers(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve returned %v after a clean shutdown", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestHTTPServer_ShutdownForcesStuckConnections(t *testing.T) {
	s := NewHTTPServer(testConfig(), testLogger(), createTestHandlers(t))
	release := make(chan struct{})
	entered := make(chan struct{})
	s.srv.Handler = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		close(entered)
		<-release
	})
	defer close(release)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.Serve(ln) }()
	go func() {
		if resp, err := http.Get("http://" + ln.Addr().String() + "/slow"); err == nil {
			_ = resp.Body.Close()
		}
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v, want deadline exceeded", err)
	}
}

func TestHTTPServer_StartListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	s := NewHTTPServer(testConfig(), testLogger(), createTestHandlers(t))
	s.srv.Addr = ln.Addr().String()

	if err := s.Start(); err == nil {
		t.Fatal("Start on a bound address should fail")
	}
}

func TestErrorLog_WritesStructuredWarning(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&logger.Config{Level: logger.InfoLevel, Format: "json"}, &buf)

	errorLog(log).Printf("http: TLS handshake error from %s: EOF\n", "10.0.0.7:5123")

	out := buf.String()
	if !strings.Contains(out, `"message":"HTTP server error"`) || !strings.Contains(out, "TLS handshake error from 10.0.0.7:5123: EOF\"") {
		t.Errorf("unexpected log output: %s", out)
	}
}
