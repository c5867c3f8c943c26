package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// tracedRouter mirrors the API layout closely enough to exercise route
// naming and id attributes.
func tracedRouter(status int) http.Handler {
	r := chi.NewRouter()
	r.Use(Tracing(DefaultTracingOptions()))
	h := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(status) }
	r.Get("/health", h)
	r.Get("/metrics", h)
	r.Get("/swagger/*", h)
	r.Get("/api/v1/knowledge/search", h)
	r.Get("/api/v1/knowledge/{id}", h)
	r.Get("/api/v1/conversations/{id}/memories", h)
	return r
}

func serve(h http.Handler, req *http.Request) {
	h.ServeHTTP(httptest.NewRecorder(), req)
}

func TestTracing_ContinuesInboundTrace(t *testing.T) {
	recorder := setTracingTestProvider(t)

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xc0, 0xff, 0xee, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		SpanID:     trace.SpanID{3, 3, 3, 3, 3, 3, 3, 3},
		TraceFlags: trace.FlagsSampled,
	})
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(trace.ContextWithSpanContext(context.Background(), parent), carrier)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/knowledge/search?q=cake", nil)
	for k, v := range carrier {
		req.Header.Set(k, v)
	}
	serve(tracedRouter(http.StatusOK), req)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Parent().TraceID(); got != parent.TraceID() {
		t.Fatalf("trace id = %s, want %s", got, parent.TraceID())
	}
	if got, want := spans[0].Name(), "GET /api/v1/knowledge/search"; got != want {
		t.Fatalf("span name = %q, want %q", got, want)
	}
}

func TestTracing_RootSpanWithoutHeaders(t *testing.T) {
	recorder := setTracingTestProvider(t)

	serve(tracedRouter(http.StatusOK), httptest.NewRequest(http.MethodGet, "/api/v1/knowledge/search", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Parent().IsValid() {
		t.Fatal("expected a root span")
	}
}

func TestTracing_RouteIDAttributes(t *testing.T) {
	tests := []struct {
		path string
		key  string
		want string
		name string
	}{
		{"/api/v1/conversations/group-42/memories", "komari.conversation_id", "group-42", "GET /api/v1/conversations/{id}/memories"},
		{"/api/v1/knowledge/17", "komari.knowledge_id", "17", "GET /api/v1/knowledge/{id}"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			recorder := setTracingTestProvider(t)
			serve(tracedRouter(http.StatusOK), httptest.NewRequest(http.MethodGet, tt.path, nil))

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if spans[0].Name() != tt.name {
				t.Errorf("span name = %q, want %q", spans[0].Name(), tt.name)
			}
			if got := stringAttribute(spans[0].Attributes(), tt.key); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestTracing_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   otelcodes.Code
	}{
		{"ok", http.StatusOK, otelcodes.Unset},
		{"client error stays unset", http.StatusNotFound, otelcodes.Unset},
		{"throttled stays unset", http.StatusTooManyRequests, otelcodes.Unset},
		{"search unavailable is an error", http.StatusServiceUnavailable, otelcodes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := setTracingTestProvider(t)
			serve(tracedRouter(tt.status), httptest.NewRequest(http.MethodGet, "/api/v1/knowledge/search", nil))

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if got := spans[0].Status().Code; got != tt.want {
				t.Fatalf("span status = %v, want %v", got, tt.want)
			}
			if !hasIntAttribute(spans[0].Attributes(), "http.response.status_code", int64(tt.status)) {
				t.Fatalf("missing http.response.status_code=%d", tt.status)
			}
		})
	}
}

func TestTracing_SkipsProbesScrapesAndDocs(t *testing.T) {
	recorder := setTracingTestProvider(t)
	h := tracedRouter(http.StatusOK)

	for _, path := range []string{"/health", "/metrics", "/swagger/index.html"} {
		serve(h, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if spans := recorder.Ended(); len(spans) != 0 {
		t.Fatalf("expected no spans, got %d", len(spans))
	}
}

func setTracingTestProvider(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	return recorder
}

func stringAttribute(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func hasIntAttribute(attrs []attribute.KeyValue, key string, want int64) bool {
	for _, attr := range attrs {
		if string(attr.Key) == key && attr.Value.AsInt64() == want {
			return true
		}
	}
	return false
}
