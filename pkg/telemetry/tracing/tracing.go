// Package tracing wires OpenTelemetry tracing for Komari and provides the
// span helpers used along the retrieval, consolidation and chat paths.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/komari-bot/komari/config"
	"github.com/komari-bot/komari/pkg/logger"
)

// InstrumentationName is the tracer name used by Komari components.
const InstrumentationName = "komari"

// Span attribute keys shared by HTTP middleware and the domain packages.
const (
	ConversationIDKey = attribute.Key("komari.conversation_id")
	UserIDKey         = attribute.Key("komari.user_id")
	KnowledgeIDKey    = attribute.Key("komari.knowledge_id")
)

// ConversationID tags a span with the conversation it works on.
func ConversationID(id string) attribute.KeyValue { return ConversationIDKey.String(id) }

// UserID tags a span with the requesting user.
func UserID(id string) attribute.KeyValue { return UserIDKey.String(id) }

// ShutdownFunc flushes and shuts down the tracer provider.
type ShutdownFunc func(ctx context.Context) error

// Service identifies this process in exported spans.
type Service struct {
	Name        string
	Version     string
	Environment string
}

var newOTLPExporter = func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	endpoint := normalizeEndpoint(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("tracing endpoint cannot be empty")
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// isolatingExporter keeps collector outages away from request paths: export
// errors are swallowed, logged once per outage and counted.
type isolatingExporter struct {
	next     sdktrace.SpanExporter
	endpoint string
	log      logger.Logger

	mu      sync.Mutex
	failing bool
	dropped int
}

func (e *isolatingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	err := e.next.ExportSpans(ctx, spans)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case err != nil && !e.failing:
		e.failing = true
		e.dropped = len(spans)
		e.log.Warn("Trace export failing, dropping spans until the collector recovers",
			"endpoint", e.endpoint, "span_count", len(spans), "error", err)
	case err != nil:
		e.dropped += len(spans)
	case e.failing:
		e.log.Info("Trace export recovered", "endpoint", e.endpoint, "dropped_spans", e.dropped)
		e.failing = false
		e.dropped = 0
	}
	return nil
}

func (e *isolatingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

// Init installs the global tracer provider and propagator. When tracing is
// disabled a noop provider is installed so span helpers stay cheap.
func Init(ctx context.Context, cfg config.TracingConfig, svc Service, log logger.Logger) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("tracing endpoint cannot be empty")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("tracing timeout must be > 0")
	}
	if log == nil {
		log = logger.Nop()
	}

	exp, err := newOTLPExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create tracing exporter: %w", err)
	}
	exp = &isolatingExporter{next: exp, endpoint: normalizeEndpoint(cfg.Endpoint), log: log}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(svc.Name),
		semconv.ServiceVersion(svc.Version),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	if svc.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentName(svc.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(selectSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	log.Info("Tracing enabled", "endpoint", normalizeEndpoint(cfg.Endpoint), "sampler", cfg.Sampler, "sample_rate", cfg.SampleRate)

	return func(shutdownCtx context.Context) error {
		if err := tp.ForceFlush(shutdownCtx); err != nil {
			_ = tp.Shutdown(shutdownCtx)
			return fmt.Errorf("force flush tracing provider: %w", err)
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown tracing provider: %w", err)
		}
		return nil
	}, nil
}

func selectSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(cfg.SampleRate)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}
}

// normalizeEndpoint reduces a collector URL to the host:port the gRPC
// exporter expects.
func normalizeEndpoint(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw
	}
	if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return raw
}

// Start starts a span named name under the Komari tracer.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it. Context cancellation is
// recorded as an event rather than an error status.
func End(span trace.Span, err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		span.AddEvent("canceled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
