package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initLLMMetrics initializes external model call metrics.
func (m *Manager) initLLMMetrics(cfg Config) {
	m.llmRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of model calls by operation and result",
		},
		[]string{"op", "result"},
	)

	m.llmDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "Model call duration in seconds including retries",
			Buckets: cfg.LLMDurationBuckets,
		},
		[]string{"op"},
	)

	m.llmBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llm_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	m.registry.MustRegister(m.llmRequests)
	m.registry.MustRegister(m.llmDuration)
	m.registry.MustRegister(m.llmBreakerState)
}

// RecordLLMRequest records a model call.
func (m *Manager) RecordLLMRequest(ctx context.Context, op, result string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.llmRequests.WithLabelValues(op, result).Inc()
	observeWithTrace(ctx, m.llmDuration.WithLabelValues(op), duration.Seconds())
}

// SetBreakerState records a circuit breaker transition.
func (m *Manager) SetBreakerState(name string, state int) {
	if !m.enabled {
		return
	}
	m.llmBreakerState.WithLabelValues(name).Set(float64(state))
}
