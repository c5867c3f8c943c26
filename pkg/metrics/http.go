package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

func (m *Manager) initHTTPMetrics(cfg Config) {
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, route pattern and status code",
	}, []string{"method", "route", "code"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by method and route pattern",
		Buckets: cfg.HTTPDurationBuckets,
	}, []string{"method", "route"})

	m.httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_requests_in_flight",
		Help: "HTTP requests currently being served, websocket sessions included",
	})

	m.registry.MustRegister(m.httpRequests, m.httpDuration, m.httpInFlight)
}

// HTTPRequestStarted marks a request in flight. Call the returned func when
// it completes.
func (m *Manager) HTTPRequestStarted() (done func()) {
	if !m.enabled {
		return func() {}
	}
	m.httpInFlight.Inc()
	return m.httpInFlight.Dec
}

// ObserveHTTPRequest records a finished request. route is the matched
// pattern, never the raw path, so ids stay out of the label set.
func (m *Manager) ObserveHTTPRequest(ctx context.Context, method, route string, code int, d time.Duration) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	observeWithTrace(ctx, m.httpDuration.WithLabelValues(method, route), d.Seconds())
}

// traceExemplarLabels returns exemplar labels for the sampled span in ctx.
func traceExemplarLabels(ctx context.Context) (prometheus.Labels, bool) {
	if ctx == nil {
		return nil, false
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil, false
	}
	return prometheus.Labels{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	}, true
}

// observeWithTrace links the observation to the current trace when the
// observer supports exemplars.
func observeWithTrace(ctx context.Context, obs prometheus.Observer, v float64) {
	if eo, ok := obs.(prometheus.ExemplarObserver); ok {
		if labels, ok := traceExemplarLabels(ctx); ok {
			eo.ObserveWithExemplar(v, labels)
			return
		}
	}
	obs.Observe(v)
}
