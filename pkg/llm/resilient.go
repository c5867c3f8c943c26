package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/metrics"
	"github.com/komari-bot/komari/pkg/retry"
	"github.com/komari-bot/komari/pkg/telemetry/tracing"
)

// BreakerConfig configures the circuit breaker around a provider.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// ResilienceConfig bundles the guards applied to every provider call.
type ResilienceConfig struct {
	// Name labels the breaker and metrics.
	Name string

	// Timeout bounds a single attempt (0 disables).
	Timeout time.Duration

	Retry   retry.Policy
	Breaker BreakerConfig

	// RequestsPerSecond and Burst configure the client-side limiter.
	// A non-positive rate disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// guard applies limiter, breaker, per-attempt timeout and retries.
type guard struct {
	name    string
	timeout time.Duration
	policy  retry.Policy
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Manager
	log     logger.Logger
}

func newGuard(cfg ResilienceConfig, m *metrics.Manager, log logger.Logger) *guard {
	if m == nil {
		m = metrics.NoOpManager()
	}
	if log == nil {
		log = logger.Global()
	}

	g := &guard{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		metrics: m,
		log:     log,
	}

	g.policy = cfg.Retry
	if g.policy.Retryable == nil {
		g.policy.Retryable = isRetryable
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	minRequests := cfg.Breaker.MinRequests
	ratio := cfg.Breaker.FailureRatio
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests || counts.Requests == 0 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		IsSuccessful: func(err error) bool {
			// Caller mistakes do not count against the provider.
			var se *StatusError
			return err == nil || errors.As(err, &se) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("llm circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			m.SetBreakerState(name, int(to))
		},
	})
	return g
}

// isRetryable skips retries for caller errors and an open breaker.
func isRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return !errors.Is(err, ErrNotConfigured)
}

func do[T any](ctx context.Context, g *guard, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracing.Start(ctx, "llm."+op)
	start := time.Now()

	out, err := retry.Do(ctx, g.policy, func(ctx context.Context) (T, error) {
		var zero T
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return zero, retry.Permanent(err)
			}
		}
		res, err := g.breaker.Execute(func() (interface{}, error) {
			attemptCtx := ctx
			if g.timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, g.timeout)
				defer cancel()
			}
			return fn(attemptCtx)
		})
		if err != nil {
			return zero, err
		}
		return res.(T), nil
	})

	result := "success"
	if err != nil {
		result = "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "rejected"
		}
		if !errors.Is(err, ErrNotConfigured) {
			err = fmt.Errorf("%w: %s %s: %w", ErrUnavailable, g.name, op, err)
		}
		g.log.WarnContext(ctx, "llm call failed", "provider", g.name, "op", op, "error", err)
	}
	g.metrics.RecordLLMRequest(ctx, op, result, time.Since(start))
	tracing.End(span, err)
	return out, err
}

// ResilientGenerator guards a Generator.
type ResilientGenerator struct {
	next  Generator
	guard *guard
}

// NewResilientGenerator wraps next.
func NewResilientGenerator(next Generator, cfg ResilienceConfig, m *metrics.Manager, log logger.Logger) *ResilientGenerator {
	return &ResilientGenerator{next: next, guard: newGuard(cfg, m, log)}
}

// Generate calls the wrapped generator under the guard.
func (r *ResilientGenerator) Generate(ctx context.Context, req Request) (string, error) {
	return do(ctx, r.guard, "generate", func(ctx context.Context) (string, error) {
		return r.next.Generate(ctx, req)
	})
}

// ResilientEmbedder guards an Embedder.
type ResilientEmbedder struct {
	next  Embedder
	guard *guard
}

// NewResilientEmbedder wraps next.
func NewResilientEmbedder(next Embedder, cfg ResilienceConfig, m *metrics.Manager, log logger.Logger) *ResilientEmbedder {
	return &ResilientEmbedder{next: next, guard: newGuard(cfg, m, log)}
}

// Embed calls the wrapped embedder under the guard.
func (r *ResilientEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return do(ctx, r.guard, "embed", func(ctx context.Context) ([]float32, error) {
		return r.next.Embed(ctx, text)
	})
}
