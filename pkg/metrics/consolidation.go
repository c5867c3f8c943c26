package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initConsolidationMetrics initializes buffer consolidation metrics.
func (m *Manager) initConsolidationMetrics(cfg Config) {
	m.consolidationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consolidation_runs_total",
			Help: "Total number of consolidation attempts by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	m.consolidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consolidation_duration_seconds",
			Help:    "Duration of a conversation consolidation including retries",
			Buckets: cfg.ConsolidationDurationBuckets,
		},
	)

	m.bufferedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buffer_messages_total",
			Help: "Total number of messages appended to conversation buffers",
		},
	)

	m.registry.MustRegister(m.consolidationRuns)
	m.registry.MustRegister(m.consolidationDuration)
	m.registry.MustRegister(m.bufferedMessages)
}

// RecordConsolidation records a finished consolidation for one conversation.
func (m *Manager) RecordConsolidation(trigger, result string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.consolidationRuns.WithLabelValues(trigger, result).Inc()
	m.consolidationDuration.Observe(duration.Seconds())
}

// RecordBufferedMessage records a message appended to a buffer.
func (m *Manager) RecordBufferedMessage() {
	if !m.enabled {
		return
	}
	m.bufferedMessages.Inc()
}
