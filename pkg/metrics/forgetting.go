package metrics

import "github.com/prometheus/client_golang/prometheus"

// initForgettingMetrics initializes memory decay metrics.
func (m *Manager) initForgettingMetrics() {
	m.forgettingRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgetting_records_total",
			Help: "Total number of memory records affected by forgetting, by action",
		},
		[]string{"action"},
	)

	m.forgettingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgetting_runs_total",
			Help: "Total number of forgetting cycles by result",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(m.forgettingRecords)
	m.registry.MustRegister(m.forgettingRuns)
}

// RecordForgetting records one forgetting cycle.
func (m *Manager) RecordForgetting(result string, decayed, deleted, fuzzified, failed int) {
	if !m.enabled {
		return
	}
	m.forgettingRuns.WithLabelValues(result).Inc()
	m.forgettingRecords.WithLabelValues("decayed").Add(float64(decayed))
	m.forgettingRecords.WithLabelValues("deleted").Add(float64(deleted))
	m.forgettingRecords.WithLabelValues("fuzzified").Add(float64(fuzzified))
	m.forgettingRecords.WithLabelValues("failed").Add(float64(failed))
}
