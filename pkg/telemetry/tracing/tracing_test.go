package tracing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/komari-bot/komari/config"
	"github.com/komari-bot/komari/pkg/logger"
)

var testService = Service{Name: "komari", Version: "test", Environment: "testing"}

// scriptedExporter fails while fail is set.
type scriptedExporter struct {
	mu             sync.Mutex
	fail           bool
	exported       int
	shutdownCalled bool
}

func (s *scriptedExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("collector unavailable")
	}
	s.exported += len(spans)
	return nil
}

func (s *scriptedExporter) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownCalled = true
	return nil
}

func (s *scriptedExporter) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

type blockingShutdownExporter struct{}

func (blockingShutdownExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	return nil
}

func (blockingShutdownExporter) Shutdown(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func enabledConfig() config.TracingConfig {
	return config.TracingConfig{
		Enabled:    true,
		Exporter:   "otlpgrpc",
		Endpoint:   "http://otel-collector:4317/v1/traces",
		Timeout:    time.Second,
		Sampler:    "always_on",
		SampleRate: 1.0,
	}
}

func withExporter(t *testing.T, exp sdktrace.SpanExporter) {
	t.Helper()
	orig := newOTLPExporter
	prev := otel.GetTracerProvider()
	t.Cleanup(func() {
		newOTLPExporter = orig
		otel.SetTracerProvider(prev)
	})
	newOTLPExporter = func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
		return exp, nil
	}
}

func TestInit_DisabledSkipsExporter(t *testing.T) {
	called := false
	orig := newOTLPExporter
	t.Cleanup(func() { newOTLPExporter = orig })
	newOTLPExporter = func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
		called = true
		return &scriptedExporter{}, nil
	}

	shutdown, err := Init(context.Background(), config.TracingConfig{Enabled: false}, testService, logger.Nop())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if called {
		t.Fatal("exporter factory must not run when tracing is disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestInit_Validation(t *testing.T) {
	cfg := enabledConfig()
	cfg.Endpoint = " "
	if _, err := Init(context.Background(), cfg, testService, nil); err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Fatalf("expected endpoint error, got %v", err)
	}

	cfg = enabledConfig()
	cfg.Timeout = 0
	if _, err := Init(context.Background(), cfg, testService, nil); err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestInit_ExportsAndShutsDown(t *testing.T) {
	exp := &scriptedExporter{}
	withExporter(t, exp)

	shutdown, err := Init(context.Background(), enabledConfig(), testService, logger.Nop())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, span := Start(context.Background(), "consolidation.Run", ConversationID("g1"))
	End(span, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if exp.exported != 1 {
		t.Errorf("expected 1 exported span, got %d", exp.exported)
	}
	if !exp.shutdownCalled {
		t.Error("expected exporter shutdown")
	}
}

func TestIsolatingExporter_LogsOncePerOutage(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&logger.Config{Level: logger.InfoLevel, Format: "json"}, &buf)
	next := &scriptedExporter{fail: true}
	exp := &isolatingExporter{next: next, endpoint: "otel-collector:4317", log: log}
	spans := make([]sdktrace.ReadOnlySpan, 2)

	for i := 0; i < 3; i++ {
		if err := exp.ExportSpans(context.Background(), spans); err != nil {
			t.Fatalf("export error must be swallowed, got %v", err)
		}
	}
	if got := strings.Count(buf.String(), "Trace export failing"); got != 1 {
		t.Fatalf("expected one outage warning, got %d:\n%s", got, buf.String())
	}
	if exp.dropped != 6 {
		t.Errorf("expected 6 dropped spans, got %d", exp.dropped)
	}

	next.setFail(false)
	if err := exp.ExportSpans(context.Background(), spans); err != nil {
		t.Fatalf("ExportSpans: %v", err)
	}
	if !strings.Contains(buf.String(), "Trace export recovered") || !strings.Contains(buf.String(), `"dropped_spans":6`) {
		t.Errorf("expected recovery log with dropped count:\n%s", buf.String())
	}
	if exp.failing || exp.dropped != 0 {
		t.Error("expected outage state to reset")
	}
}

func TestShutdown_TimeoutIsBounded(t *testing.T) {
	withExporter(t, blockingShutdownExporter{})

	shutdown, err := Init(context.Background(), enabledConfig(), testService, logger.Nop())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := shutdown(ctx); err == nil {
		t.Fatal("expected a timeout error from shutdown")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("shutdown took %v", elapsed)
	}
}

func TestSelectSampler(t *testing.T) {
	tests := []struct {
		sampler string
		want    string
	}{
		{"always_on", "AlwaysOnSampler"},
		{"always_off", "AlwaysOffSampler"},
		{"traceidratio", "TraceIDRatioBased"},
		{"parentbased_traceidratio", "ParentBased"},
		{"", "ParentBased"},
	}
	for _, tt := range tests {
		got := selectSampler(config.TracingConfig{Sampler: tt.sampler, SampleRate: 0.25}).Description()
		if !strings.Contains(got, tt.want) {
			t.Errorf("sampler %q: description %q does not contain %q", tt.sampler, got, tt.want)
		}
	}
}

func TestEnd_StatusMapping(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, failed := Start(context.Background(), "knowledge.Search")
	End(failed, errors.New("embedder down"))
	_, canceled := Start(context.Background(), "chat.Handle", UserID("u1"))
	End(canceled, context.Canceled)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status().Code)
	}
	if spans[1].Status().Code != codes.Unset || len(spans[1].Events()) != 1 {
		t.Errorf("expected canceled span to carry an event and no error status")
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"localhost:4317":                      "localhost:4317",
		" otel-collector:4317 ":               "otel-collector:4317",
		"http://otel-collector:4317/v1/traces": "otel-collector:4317",
		"":                                    "",
	}
	for in, want := range tests {
		if got := normalizeEndpoint(in); got != want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}
