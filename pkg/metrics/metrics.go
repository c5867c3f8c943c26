// Package metrics exposes Komari's Prometheus metrics. Every component takes
// a *Manager; a disabled manager accepts the same calls and records nothing.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/komari-bot/komari/pkg/version"
)

// Manager owns a private registry and the metric families recorded into it.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// retrieval
	knowledgeSearches      *prometheus.CounterVec
	knowledgeSearchLatency prometheus.Histogram
	knowledgeResults       *prometheus.CounterVec
	keywordIndexSize       prometheus.Gauge
	memorySearches         *prometheus.CounterVec
	memoryStored           prometheus.Counter

	// consolidation
	consolidationRuns     *prometheus.CounterVec
	consolidationDuration prometheus.Histogram
	bufferedMessages      prometheus.Counter

	forgettingRecords *prometheus.CounterVec
	forgettingRuns    *prometheus.CounterVec

	llmRequests     *prometheus.CounterVec
	llmDuration     *prometheus.HistogramVec
	llmBreakerState *prometheus.GaugeVec

	chatMessages  *prometheus.CounterVec
	chatReplies   *prometheus.CounterVec
	chatFallbacks prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	SearchDurationBuckets        []float64
	ConsolidationDurationBuckets []float64
	LLMDurationBuckets           []float64
	HTTPDurationBuckets          []float64
}

// DefaultConfig returns the default buckets. Search buckets start at a
// millisecond; consolidation and LLM buckets reach into minutes.
func DefaultConfig() Config {
	return Config{
		Enabled:                      true,
		Port:                         9091,
		Path:                         "/metrics",
		SearchDurationBuckets:        []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		ConsolidationDurationBuckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		LLMDurationBuckets:           []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		HTTPDurationBuckets:          []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}
}

// NewManager builds a manager and registers every family. A disabled config
// yields the same manager NoOpManager returns.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return NoOpManager()
	}

	m := &Manager{registry: prometheus.NewRegistry(), enabled: true}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo(),
	)

	m.initRetrievalMetrics(cfg)
	m.initConsolidationMetrics(cfg)
	m.initForgettingMetrics()
	m.initLLMMetrics(cfg)
	m.initChatMetrics()
	m.initHTTPMetrics(cfg)
	return m
}

// NoOpManager returns a manager that records nothing.
func NoOpManager() *Manager {
	return &Manager{}
}

// Enabled reports whether metrics are recorded.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// buildInfo is the constant komari_build_info{version,commit,go_version} 1.
func buildInfo() prometheus.Collector {
	info := version.Info()
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "komari_build_info",
		Help: "Build information, always 1",
		ConstLabels: prometheus.Labels{
			"version":    info.Version,
			"commit":     info.GitCommit,
			"go_version": info.GoVersion,
		},
	})
	g.Set(1)
	return g
}

// Handler serves the registry in the OpenMetrics format, which carries
// exemplars. A disabled manager answers 404.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer serves Handler on its own port until ctx is done. It returns
// nil after a clean shutdown.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}
