// Package config provides configuration management for Komari.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for Komari.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP/gRPC server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Buffer is the short-term message buffer configuration.
	Buffer BufferConfig `mapstructure:"buffer"`

	// Redis is the Redis connection used by the redis buffer backend.
	Redis RedisConfig `mapstructure:"redis"`

	// Badger is the embedded buffer backend configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// Store is the persistent knowledge/memory store configuration.
	Store StoreConfig `mapstructure:"store"`

	// Knowledge is the knowledge retrieval configuration.
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`

	// Memory is the conversation memory configuration.
	Memory MemoryConfig `mapstructure:"memory"`

	// Consolidation controls the periodic summarization job.
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`

	// Forgetting controls the daily decay job.
	Forgetting ForgettingConfig `mapstructure:"forgetting"`

	// LLM is the text generation backend configuration.
	LLM LLMConfig `mapstructure:"llm"`

	// Embedding is the embedding backend configuration.
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	// Scorer is the message value scoring service configuration.
	Scorer ScorerConfig `mapstructure:"scorer"`

	// Chat holds reply generation texts and filters.
	Chat ChatConfig `mapstructure:"chat"`

	// Proactive controls unsolicited replies.
	Proactive ProactiveConfig `mapstructure:"proactive"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP/gRPC server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// GRPC is the gRPC health server configuration.
	GRPC GRPCConfig `mapstructure:"grpc"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// RateLimit limits API requests per client.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// GRPCConfig holds gRPC-specific settings.
type GRPCConfig struct {
	// Enabled enables the gRPC server.
	Enabled bool `mapstructure:"enabled"`

	// Port is the gRPC server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`

	// MaxRecvMsgSize is the maximum message size the server can receive (bytes).
	MaxRecvMsgSize int `mapstructure:"max_recv_msg_size" validate:"min=0"`

	// EnableReflection enables gRPC server reflection for debugging.
	EnableReflection bool `mapstructure:"enable_reflection"`

	// RequestsPerSecond is the per-peer request rate (0 disables limiting).
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`

	// Burst is the per-peer burst size.
	Burst int `mapstructure:"burst" validate:"min=0"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// RequestTimeout bounds each API request handler.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// AllowCredentials indicates whether credentials are allowed.
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// RateLimitConfig holds per-client API rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`
	Burst             int     `mapstructure:"burst" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`

	// MaxFieldLength truncates long string fields such as chat content.
	// Zero disables truncation.
	MaxFieldLength int `mapstructure:"max_field_length" validate:"min=0"`
}

// BufferConfig holds the message buffer settings.
type BufferConfig struct {
	// Backend selects the key-value backend (redis, badger, memory).
	Backend string `mapstructure:"backend" validate:"oneof=redis badger memory"`

	// MaxSize is the per-conversation buffer cap; older messages are dropped.
	MaxSize int `mapstructure:"max_size" validate:"min=50,max=1000"`

	// KeyPrefix namespaces every buffer key.
	KeyPrefix string `mapstructure:"key_prefix" validate:"required"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// StoreConfig holds the SQLite store settings.
type StoreConfig struct {
	// DSN is the SQLite database path (":memory:" for an in-process database).
	DSN string `mapstructure:"dsn" validate:"required"`

	// EmbeddingDim is the fixed dimensionality of every stored vector.
	EmbeddingDim int `mapstructure:"embedding_dim" validate:"min=1"`
}

// KnowledgeConfig holds knowledge retrieval settings.
type KnowledgeConfig struct {
	// Enabled toggles knowledge lookups during reply generation.
	Enabled bool `mapstructure:"enabled"`

	// Limit is the maximum number of knowledge results per query.
	Limit int `mapstructure:"limit" validate:"min=1,max=10"`

	// SimilarityThreshold drops vector results below this similarity.
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" validate:"min=0,max=1"`

	// CacheSize is the number of knowledge records kept in the read cache.
	CacheSize int `mapstructure:"cache_size" validate:"min=0"`
}

// MemoryConfig holds conversation memory settings.
type MemoryConfig struct {
	// SearchLimit is the number of summaries retrieved per reply.
	SearchLimit int `mapstructure:"search_limit" validate:"min=1"`

	// ParticipantBoost divides the distance of memories the user took part in.
	ParticipantBoost float64 `mapstructure:"participant_boost" validate:"gte=1"`

	// EntityLimit is the number of entities listed by default.
	EntityLimit int `mapstructure:"entity_limit" validate:"min=1"`
}

// ConsolidationConfig holds the summarization job settings.
type ConsolidationConfig struct {
	// Enabled registers the periodic job.
	Enabled bool `mapstructure:"enabled"`

	// Schedule is the cron expression (seconds field supported).
	Schedule string `mapstructure:"schedule" validate:"required,cron"`

	// MessageThreshold triggers consolidation on buffered message count.
	MessageThreshold int `mapstructure:"message_threshold" validate:"min=10,max=500"`

	// TimeThreshold triggers consolidation on time since the last summary.
	TimeThreshold time.Duration `mapstructure:"time_threshold" validate:"min=5m,max=24h"`

	// TokenThreshold triggers consolidation on accumulated tokens.
	TokenThreshold int `mapstructure:"token_threshold" validate:"min=100,max=10000"`

	// BatchSize is the number of buffered messages summarized per run.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`

	// MaxAttempts bounds consolidation retries.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

// ForgettingConfig holds the decay job settings.
type ForgettingConfig struct {
	// Enabled registers the daily job.
	Enabled bool `mapstructure:"enabled"`

	// Schedule is the cron expression (seconds field supported).
	Schedule string `mapstructure:"schedule" validate:"required,cron"`

	// ImportanceThreshold separates low-value memories (deleted) from
	// high-value ones (fuzzified).
	ImportanceThreshold int `mapstructure:"importance_threshold" validate:"min=1,max=5"`

	// DecayFactor is accepted for compatibility; decay is a fixed integer step.
	DecayFactor float64 `mapstructure:"decay_factor" validate:"min=0,max=1"`
}

// LLMConfig holds the generation backend settings.
type LLMConfig struct {
	// Provider selects the backend (openai, anthropic, none).
	Provider string `mapstructure:"provider" validate:"oneof=openai anthropic none"`

	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`

	ChatModel       string  `mapstructure:"chat_model"`
	ChatTemperature float64 `mapstructure:"chat_temperature" validate:"min=0,max=2"`
	ChatMaxTokens   int     `mapstructure:"chat_max_tokens" validate:"min=1"`

	SummaryModel       string  `mapstructure:"summary_model"`
	SummaryTemperature float64 `mapstructure:"summary_temperature" validate:"min=0,max=2"`
	SummaryMaxTokens   int     `mapstructure:"summary_max_tokens" validate:"min=1"`

	// Timeout bounds a single provider call.
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxAttempts bounds retries of a provider call.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// RequestsPerSecond throttles provider calls (0 disables).
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`
	Burst             int     `mapstructure:"burst" validate:"min=0"`

	// Breaker is the circuit breaker around the provider.
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	// MaxRequests allowed while half-open.
	MaxRequests uint32 `mapstructure:"max_requests"`

	// Interval is the closed-state counter reset period.
	Interval time.Duration `mapstructure:"interval"`

	// Timeout is how long the breaker stays open.
	Timeout time.Duration `mapstructure:"timeout"`

	// MinRequests before the failure ratio is evaluated.
	MinRequests uint32 `mapstructure:"min_requests"`

	// FailureRatio trips the breaker.
	FailureRatio float64 `mapstructure:"failure_ratio" validate:"min=0,max=1"`
}

// EmbeddingConfig holds the embedding backend settings.
type EmbeddingConfig struct {
	// Provider selects the backend (openai, none).
	Provider string `mapstructure:"provider" validate:"oneof=openai none"`

	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`

	// Dimensions requested from the provider; must equal store.embedding_dim.
	Dimensions int `mapstructure:"dimensions" validate:"min=1"`

	Timeout time.Duration `mapstructure:"timeout"`
}

// ScorerConfig holds the message scoring service settings.
type ScorerConfig struct {
	// Enabled uses the HTTP scorer; otherwise every message gets DefaultScore.
	Enabled bool `mapstructure:"enabled"`

	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxAttempts bounds scorer retries.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// DefaultScore is used when scoring is disabled or fails.
	DefaultScore float64 `mapstructure:"default_score" validate:"min=0,max=1"`
}

// ChatConfig holds reply generation settings.
type ChatConfig struct {
	SystemPrompt           string `mapstructure:"system_prompt"`
	CharacterInstruction   string `mapstructure:"character_instruction"`
	BackgroundPrompt       string `mapstructure:"background_prompt"`
	BackgroundConfirmation string `mapstructure:"background_confirmation"`

	// FallbackReply is sent when a mention cannot be answered.
	FallbackReply string `mapstructure:"fallback_reply"`

	// BotNames are names that count as a mention of the bot.
	BotNames []string `mapstructure:"bot_names"`

	// ContextMessages is the number of buffered messages included in prompts.
	ContextMessages int `mapstructure:"context_messages" validate:"min=0"`

	// FilterMinLength drops shorter messages before scoring.
	FilterMinLength int `mapstructure:"filter_min_length" validate:"min=0"`

	// FilterHistoryCheck is how many recent messages are checked for repeats.
	FilterHistoryCheck int `mapstructure:"filter_history_check" validate:"min=0"`

	// FilterStopwordsLanguage enables the stopword-only filter ("" disables).
	FilterStopwordsLanguage string `mapstructure:"filter_stopwords_language"`

	// LowValueScore is the score below which messages are never answered.
	LowValueScore float64 `mapstructure:"low_value_score" validate:"min=0,max=1"`

	// QueryRewrite rewrites the input into a standalone search query.
	QueryRewrite QueryRewriteConfig `mapstructure:"query_rewrite"`
}

// QueryRewriteConfig holds query rewrite settings.
type QueryRewriteConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	HistoryLimit int  `mapstructure:"history_limit" validate:"min=0"`
}

// ProactiveConfig holds unsolicited reply settings.
type ProactiveConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// ScoreThreshold is the minimum score for a proactive reply.
	ScoreThreshold float64 `mapstructure:"score_threshold" validate:"min=0,max=1"`

	// Cooldown is the per-conversation quiet period after a proactive reply.
	Cooldown time.Duration `mapstructure:"cooldown" validate:"min=1m,max=1h"`

	// MaxPerHour caps proactive replies per conversation.
	MaxPerHour int `mapstructure:"max_per_hour" validate:"min=1,max=10"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlpgrpc).
	Exporter string `mapstructure:"exporter" validate:"oneof=otlpgrpc"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Timeout bounds exporter calls.
	Timeout time.Duration `mapstructure:"timeout"`

	// Sampler is the sampling strategy.
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off traceidratio parentbased_traceidratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := ValidateWithDetails(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Buffer: %s, LLM: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Buffer.Backend, c.LLM.Provider)
}
