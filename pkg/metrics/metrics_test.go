package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Manager) (int, string) {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return w.Code, w.Body.String()
}

func TestNewManager(t *testing.T) {
	if m := NewManager(DefaultConfig()); !m.Enabled() {
		t.Error("expected an enabled manager")
	}

	cfg := DefaultConfig()
	cfg.Enabled = false
	if m := NewManager(cfg); m.Enabled() {
		t.Error("expected a disabled manager")
	}
}

func TestHandler_ExposesDomainFamilies(t *testing.T) {
	m := NewManager(DefaultConfig())
	ctx := context.Background()

	m.RecordKnowledgeSearch(ctx, "ok", 1, 2, 15*time.Millisecond)
	m.RecordConsolidation("messages", "success", 5*time.Second)
	m.SetKeywordIndexSize(12)
	m.RecordMemorySearch("ok")
	m.RecordMemoryStored()
	m.RecordForgetting("ok", 4, 1, 1, 0)
	m.RecordLLMRequest(ctx, "summarize", "ok", 2*time.Second)
	m.SetBreakerState("llm", 0)
	m.RecordChatDecision("proactive")
	m.RecordChatReply("proactive")
	m.RecordChatFallback()
	m.RecordBufferedMessage()
	m.ObserveHTTPRequest(ctx, "GET", "/health", 200, time.Millisecond)

	code, body := scrape(t, m)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}

	for _, family := range []string{
		"knowledge_search_total",
		"knowledge_search_duration_seconds",
		"knowledge_results_total",
		"keyword_index_size 12",
		"memory_search_total",
		"memory_store_total",
		"consolidation_runs_total",
		"consolidation_duration_seconds",
		"buffer_messages_total",
		"forgetting_records_total",
		"forgetting_runs_total",
		"llm_requests_total",
		"llm_request_duration_seconds",
		"llm_breaker_state",
		"chat_messages_total",
		"chat_replies_total",
		"chat_fallbacks_total",
		"http_requests_total",
		"http_requests_in_flight",
		"komari_build_info",
		"go_goroutines",
	} {
		if !strings.Contains(body, family) {
			t.Errorf("family %s missing from scrape", family)
		}
	}
}

func TestHandler_Disabled(t *testing.T) {
	if code, _ := scrape(t, NoOpManager()); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestNoOpManager_AcceptsEveryCall(t *testing.T) {
	m := NoOpManager()
	ctx := context.Background()

	m.RecordKnowledgeSearch(ctx, "ok", 0, 0, time.Second)
	m.SetKeywordIndexSize(3)
	m.RecordMemorySearch("error")
	m.RecordMemoryStored()
	m.RecordConsolidation("time", "failed", time.Second)
	m.RecordBufferedMessage()
	m.RecordForgetting("ok", 1, 1, 1, 0)
	m.RecordLLMRequest(ctx, "generate", "ok", time.Second)
	m.SetBreakerState("llm", 2)
	m.RecordChatDecision("buffered")
	m.RecordChatReply("mention")
	m.RecordChatFallback()
	m.ObserveHTTPRequest(ctx, "GET", "/ready", 503, time.Millisecond)
	m.HTTPRequestStarted()()

	if err := m.StartServer(ctx, 0, "/metrics"); err != nil {
		t.Errorf("StartServer on a disabled manager: %v", err)
	}
}

func TestStartServer(t *testing.T) {
	m := NewManager(DefaultConfig())

	// Reserve a free port, then release it for the server.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- m.StartServer(ctx, port, "/metrics") }()

	url := fmt.Sprintf("http://127.0.0.1:%d/metrics", port)
	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get(url)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "komari_build_info") {
		t.Fatalf("status %d, body %.200s", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("StartServer returned %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("StartServer did not return after cancel")
	}
}

func TestBoundedLabelsUnderLoad(t *testing.T) {
	m := NewManager(DefaultConfig())
	ctx := context.Background()

	results := []string{"success", "failed"}
	triggers := []string{"messages", "time", "tokens"}
	routes := []string{"/api/v1/knowledge", "/api/v1/knowledge/{id}", "/health", "unmatched"}

	for i := 0; i < 50000; i++ {
		d := time.Duration(i) * time.Microsecond
		m.RecordConsolidation(triggers[i%len(triggers)], results[i%len(results)], d)
		m.RecordLLMRequest(ctx, "generate", results[i%len(results)], d)
		m.ObserveHTTPRequest(ctx, "GET", routes[i%len(routes)], 200, d)
		m.RecordBufferedMessage()
	}

	code, body := scrape(t, m)
	if code != http.StatusOK {
		t.Fatalf("status = %d after load", code)
	}
	if n := strings.Count(body, "http_requests_total{"); n != len(routes) {
		t.Errorf("http_requests_total has %d series, want %d", n, len(routes))
	}
}

func BenchmarkRecordKnowledgeSearch(b *testing.B) {
	m := NewManager(DefaultConfig())
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordKnowledgeSearch(ctx, "ok", 1, 2, 3*time.Millisecond)
	}
}

func BenchmarkObserveHTTPRequest(b *testing.B) {
	m := NewManager(DefaultConfig())
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.ObserveHTTPRequest(ctx, "GET", "/api/v1/knowledge/{id}", 200, 5*time.Millisecond)
	}
}

func BenchmarkNoOpRecording(b *testing.B) {
	m := NoOpManager()
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordKnowledgeSearch(ctx, "ok", 1, 0, time.Millisecond)
		m.RecordChatDecision("buffered")
		m.RecordBufferedMessage()
	}
}
