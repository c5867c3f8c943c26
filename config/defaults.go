package config

import "time"

const (
	defaultSystemPrompt = "你是小鞠，一个活跃在群聊里的少女。说话自然简短，不要使用 Markdown。"

	defaultCharacterInstruction = "请以小鞠的身份，结合上面的背景信息自然地回复最后一条消息。"

	defaultBackgroundPrompt = "以上是你的背景信息，回复时可以参考，但不要逐条复述。"

	defaultBackgroundConfirmation = "好的，我已经了解这些背景信息了。"

	defaultFallbackReply = "唔……小鞠刚刚走神了，你能再说一遍吗？"
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "komari",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			GRPC: GRPCConfig{
				Enabled:           false,
				Port:              9090,
				MaxRecvMsgSize:    4 * 1024 * 1024, // 4MB
				EnableReflection:  false,
				RequestsPerSecond: 50,
				Burst:             100,
			},
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    90 * time.Second,
				IdleTimeout:     120 * time.Second,
				RequestTimeout:  60 * time.Second,
				ShutdownTimeout: 30 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
				MaxAge:         300,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		Log: LogConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			MaxFieldLength: 512,
		},
		Buffer: BufferConfig{
			Backend:   "memory",
			MaxSize:   200,
			KeyPrefix: "komari_memory",
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
			DB:      1,
		},
		Badger: BadgerConfig{
			Path: "./data/buffer",
		},
		Store: StoreConfig{
			DSN:          "./data/komari.db",
			EmbeddingDim: 512,
		},
		Knowledge: KnowledgeConfig{
			Enabled:             true,
			Limit:               3,
			SimilarityThreshold: 0.5,
			CacheSize:           256,
		},
		Memory: MemoryConfig{
			SearchLimit:      3,
			ParticipantBoost: 1.2,
			EntityLimit:      10,
		},
		Consolidation: ConsolidationConfig{
			Enabled:          true,
			Schedule:         "@every 5m",
			MessageThreshold: 50,
			TimeThreshold:    time.Hour,
			TokenThreshold:   1000,
			BatchSize:        200,
			MaxAttempts:      3,
			InitialBackoff:   time.Second,
		},
		Forgetting: ForgettingConfig{
			Enabled:             true,
			Schedule:            "0 0 4 * * *",
			ImportanceThreshold: 3,
			DecayFactor:         0.95,
		},
		LLM: LLMConfig{
			Provider:           "none",
			ChatModel:          "gpt-4o-mini",
			ChatTemperature:    1.0,
			ChatMaxTokens:      500,
			SummaryModel:       "gpt-4o-mini",
			SummaryTemperature: 0.3,
			SummaryMaxTokens:   2048,
			Timeout:            30 * time.Second,
			MaxAttempts:        3,
			InitialBackoff:     time.Second,
			RequestsPerSecond:  2,
			Burst:              4,
			Breaker: BreakerConfig{
				MaxRequests:  1,
				Interval:     time.Minute,
				Timeout:      30 * time.Second,
				MinRequests:  5,
				FailureRatio: 0.6,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:   "none",
			Model:      "text-embedding-3-small",
			Dimensions: 512,
			Timeout:    10 * time.Second,
		},
		Scorer: ScorerConfig{
			Enabled:      false,
			URL:          "http://localhost:8000/api/v1/score",
			Timeout:      2 * time.Second,
			MaxAttempts:  3,
			DefaultScore: 0.5,
		},
		Chat: ChatConfig{
			SystemPrompt:            defaultSystemPrompt,
			CharacterInstruction:    defaultCharacterInstruction,
			BackgroundPrompt:        defaultBackgroundPrompt,
			BackgroundConfirmation:  defaultBackgroundConfirmation,
			FallbackReply:           defaultFallbackReply,
			BotNames:                []string{"小鞠", "komari"},
			ContextMessages:         20,
			FilterMinLength:         2,
			FilterHistoryCheck:      10,
			FilterStopwordsLanguage: "en",
			LowValueScore:           0.3,
			QueryRewrite: QueryRewriteConfig{
				Enabled:      false,
				HistoryLimit: 5,
			},
		},
		Proactive: ProactiveConfig{
			Enabled:        false,
			ScoreThreshold: 0.8,
			Cooldown:       5 * time.Minute,
			MaxPerHour:     3,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 1.0,
		},
	}
}
