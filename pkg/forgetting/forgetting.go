// Package forgetting runs the daily memory decay cycle: importance decays,
// exhausted low-value memories are deleted and exhausted high-value memories
// are compressed once before they are deleted.
package forgetting

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/metrics"
	"github.com/komari-bot/komari/pkg/store"
	"github.com/komari-bot/komari/pkg/telemetry/tracing"
)

// Repository is the persisted memory table.
type Repository interface {
	DecayMemories(ctx context.Context) (int64, error)
	DeleteExhaustedLowValue(ctx context.Context, threshold int) (int64, error)
	DeleteExhaustedFuzzy(ctx context.Context, threshold int) (int64, error)
	ExhaustedHighValue(ctx context.Context, threshold int) ([]*store.Memory, error)
	FuzzifyMemory(ctx context.Context, id int64, summary string) error
}

// Compressor shortens a summary to one sentence. It must not fail; it
// returns fallback text instead.
type Compressor interface {
	Compress(ctx context.Context, summary string) string
}

// Config holds the forgetting thresholds.
type Config struct {
	// ImportanceThreshold is the highest initial importance still treated
	// as low value.
	ImportanceThreshold int

	// DecayFactor is reported but not applied; decay is one step per run.
	DecayFactor float64
}

// Report counts what one run changed.
type Report struct {
	Decayed       int64         `json:"decayed"`
	DeletedLow    int64         `json:"deleted_low_value"`
	DeletedFuzzy  int64         `json:"deleted_fuzzy"`
	Fuzzified     int           `json:"fuzzified"`
	FuzzifyFailed int           `json:"fuzzify_failed"`
	DecayFactor   float64       `json:"decay_factor"`
	Duration      time.Duration `json:"duration"`
}

// Forgetter runs forgetting cycles.
type Forgetter struct {
	repo       Repository
	compressor Compressor
	cfg        Config
	metrics    *metrics.Manager
	log        logger.Logger
}

// New creates a Forgetter.
func New(repo Repository, compressor Compressor, cfg Config, m *metrics.Manager, log logger.Logger) *Forgetter {
	if m == nil {
		m = metrics.NoOpManager()
	}
	if log == nil {
		log = logger.Global()
	}
	return &Forgetter{repo: repo, compressor: compressor, cfg: cfg, metrics: m, log: log}
}

// Run executes decay, low-value cleanup and high-value handling in that
// order. A phase error aborts the run; a single memory failing to fuzzify
// does not.
func (f *Forgetter) Run(ctx context.Context) (report Report, err error) {
	ctx, span := tracing.Start(ctx, "forgetting.Run",
		attribute.Int("forgetting.threshold", f.cfg.ImportanceThreshold))
	start := time.Now()
	report.DecayFactor = f.cfg.DecayFactor
	defer func() {
		report.Duration = time.Since(start)
		result := "ok"
		if err != nil {
			result = "error"
		}
		f.metrics.RecordForgetting(result, int(report.Decayed),
			int(report.DeletedLow+report.DeletedFuzzy), report.Fuzzified, report.FuzzifyFailed)
		tracing.End(span, err)
	}()

	if report.Decayed, err = f.repo.DecayMemories(ctx); err != nil {
		return report, fmt.Errorf("decay: %w", err)
	}
	if report.DeletedLow, err = f.repo.DeleteExhaustedLowValue(ctx, f.cfg.ImportanceThreshold); err != nil {
		return report, fmt.Errorf("delete low value: %w", err)
	}
	if report.DeletedFuzzy, err = f.repo.DeleteExhaustedFuzzy(ctx, f.cfg.ImportanceThreshold); err != nil {
		return report, fmt.Errorf("delete fuzzy: %w", err)
	}

	pending, err := f.repo.ExhaustedHighValue(ctx, f.cfg.ImportanceThreshold)
	if err != nil {
		return report, fmt.Errorf("list high value: %w", err)
	}
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		short := f.compressor.Compress(ctx, m.Summary)
		if err := f.repo.FuzzifyMemory(ctx, m.ID, short); err != nil {
			report.FuzzifyFailed++
			f.log.WarnContext(ctx, "fuzzify failed", "memory_id", m.ID, "error", err)
			continue
		}
		report.Fuzzified++
		f.log.DebugContext(ctx, "memory fuzzified", "memory_id", m.ID)
	}

	f.log.InfoContext(ctx, "forgetting finished",
		"decayed", report.Decayed,
		"deleted_low_value", report.DeletedLow,
		"deleted_fuzzy", report.DeletedFuzzy,
		"fuzzified", report.Fuzzified,
		"fuzzify_failed", report.FuzzifyFailed,
	)
	return report, nil
}
