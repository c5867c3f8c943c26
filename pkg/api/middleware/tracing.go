package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/komari-bot/komari/pkg/telemetry/tracing"
)

const httpTracerName = "komari.http"

// TracingOptions defines HTTP tracing middleware behavior.
type TracingOptions struct {
	// SkipPaths are exact paths that never create spans.
	SkipPaths map[string]struct{}
	// SkipPrefixes skip whole subtrees such as the swagger UI.
	SkipPrefixes []string
}

// DefaultTracingOptions skips probes, scrapes and API docs.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{
		SkipPaths: map[string]struct{}{
			"/health":  {},
			"/ready":   {},
			"/metrics": {},
		},
		SkipPrefixes: []string{"/swagger/"},
	}
}

func (o TracingOptions) skip(path string) bool {
	if _, ok := o.SkipPaths[path]; ok {
		return true
	}
	for _, prefix := range o.SkipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// routeIDAttributes maps the {id} URL parameter onto a domain attribute so
// spans for one conversation or record can be found together.
var routeIDAttributes = []struct {
	prefix string
	key    attribute.Key
}{
	{"/api/v1/conversations/", tracing.ConversationIDKey},
	{"/api/v1/knowledge/", tracing.KnowledgeIDKey},
}

// Tracing creates a server span per request, continuing any incoming trace.
// Spans are renamed to the matched chi route once routing has finished.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.skip(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(httpTracerName).Start(ctx, "HTTP "+r.Method, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("request_id", GetRequestID(ctx)),
			)

			wrapped := wrap(w)
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			route := r.URL.Path
			if rc := chi.RouteContext(ctx); rc != nil {
				if pattern := rc.RoutePattern(); pattern != "" {
					route = pattern
					span.SetName(r.Method + " " + pattern)
				}
				if id := rc.URLParam("id"); id != "" {
					for _, ra := range routeIDAttributes {
						if strings.HasPrefix(route, ra.prefix) {
							span.SetAttributes(ra.key.String(id))
							break
						}
					}
				}
			}
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", wrapped.statusCode),
			)
			if wrapped.statusCode >= http.StatusInternalServerError {
				span.SetStatus(otelcodes.Error, http.StatusText(wrapped.statusCode))
			}
		})
	}
}
