package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initRetrievalMetrics initializes knowledge and memory retrieval metrics.
func (m *Manager) initRetrievalMetrics(cfg Config) {
	m.knowledgeSearches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_search_total",
			Help: "Total number of knowledge searches by outcome",
		},
		[]string{"status"},
	)

	m.knowledgeSearchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "knowledge_search_duration_seconds",
			Help:    "Hybrid knowledge search duration in seconds",
			Buckets: cfg.SearchDurationBuckets,
		},
	)

	m.knowledgeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_results_total",
			Help: "Total number of knowledge results returned by source layer",
		},
		[]string{"source"},
	)

	m.keywordIndexSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyword_index_size",
			Help: "Number of distinct keywords in the keyword index",
		},
	)

	m.memorySearches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_search_total",
			Help: "Total number of conversation memory searches by outcome",
		},
		[]string{"status"},
	)

	m.memoryStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memory_store_total",
			Help: "Total number of conversation summaries stored",
		},
	)

	m.registry.MustRegister(m.knowledgeSearches)
	m.registry.MustRegister(m.knowledgeSearchLatency)
	m.registry.MustRegister(m.knowledgeResults)
	m.registry.MustRegister(m.keywordIndexSize)
	m.registry.MustRegister(m.memorySearches)
	m.registry.MustRegister(m.memoryStored)
}

// RecordKnowledgeSearch records a hybrid search with per-layer result counts.
func (m *Manager) RecordKnowledgeSearch(ctx context.Context, status string, keywordHits, vectorHits int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.knowledgeSearches.WithLabelValues(status).Inc()
	m.knowledgeResults.WithLabelValues("keyword").Add(float64(keywordHits))
	m.knowledgeResults.WithLabelValues("vector").Add(float64(vectorHits))
	observeWithTrace(ctx, m.knowledgeSearchLatency, duration.Seconds())
}

// SetKeywordIndexSize sets the number of indexed keywords.
func (m *Manager) SetKeywordIndexSize(n int) {
	if !m.enabled {
		return
	}
	m.keywordIndexSize.Set(float64(n))
}

// RecordMemorySearch records a conversation memory search.
func (m *Manager) RecordMemorySearch(status string) {
	if !m.enabled {
		return
	}
	m.memorySearches.WithLabelValues(status).Inc()
}

// RecordMemoryStored records a stored conversation summary.
func (m *Manager) RecordMemoryStored() {
	if !m.enabled {
		return
	}
	m.memoryStored.Inc()
}
