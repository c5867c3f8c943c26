package llm

import (
	"fmt"

	"github.com/komari-bot/komari/config"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/metrics"
	"github.com/komari-bot/komari/pkg/retry"
)

func resilienceFromConfig(name string, cfg config.LLMConfig) ResilienceConfig {
	return ResilienceConfig{
		Name:    name,
		Timeout: cfg.Timeout,
		Retry: retry.Policy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     10 * cfg.InitialBackoff,
			Multiplier:     2,
		},
		Breaker: BreakerConfig{
			MaxRequests:  cfg.Breaker.MaxRequests,
			Interval:     cfg.Breaker.Interval,
			Timeout:      cfg.Breaker.Timeout,
			MinRequests:  cfg.Breaker.MinRequests,
			FailureRatio: cfg.Breaker.FailureRatio,
		},
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}
}

// NewGenerator builds the configured generator wrapped in retries, a rate
// limiter and a circuit breaker. Provider "none" yields Disabled.
func NewGenerator(cfg config.LLMConfig, m *metrics.Manager, log logger.Logger) (Generator, error) {
	var (
		gen Generator
		err error
	)
	switch cfg.Provider {
	case "openai":
		gen, err = NewOpenAIGenerator(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.ChatModel,
			Timeout: cfg.Timeout,
		})
	case "anthropic":
		gen, err = NewAnthropicGenerator(AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.ChatModel,
			Timeout: cfg.Timeout,
		})
	case "none", "":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewResilientGenerator(gen, resilienceFromConfig(cfg.Provider, cfg), m, log), nil
}

// NewEmbedder builds the configured embedder. It shares the retry and
// breaker settings of the generation provider.
func NewEmbedder(cfg config.EmbeddingConfig, guard config.LLMConfig, m *metrics.Manager, log logger.Logger) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		emb, err := NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		rc := resilienceFromConfig("openai-embedding", guard)
		rc.Timeout = cfg.Timeout
		return NewResilientEmbedder(emb, rc, m, log), nil
	case "none", "":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
