// Package app wires configuration into the running service: storage, the
// memory pipeline, background jobs and the HTTP, WebSocket and gRPC surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/komari-bot/komari/config"
	"github.com/komari-bot/komari/pkg/api"
	"github.com/komari-bot/komari/pkg/api/events"
	"github.com/komari-bot/komari/pkg/api/handlers"
	"github.com/komari-bot/komari/pkg/buffer"
	"github.com/komari-bot/komari/pkg/chat"
	"github.com/komari-bot/komari/pkg/consolidation"
	"github.com/komari-bot/komari/pkg/forgetting"
	"github.com/komari-bot/komari/pkg/grpcserver"
	"github.com/komari-bot/komari/pkg/knowledge"
	"github.com/komari-bot/komari/pkg/llm"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/memory"
	"github.com/komari-bot/komari/pkg/metrics"
	"github.com/komari-bot/komari/pkg/prompt"
	"github.com/komari-bot/komari/pkg/retry"
	"github.com/komari-bot/komari/pkg/scheduler"
	"github.com/komari-bot/komari/pkg/scorer"
	"github.com/komari-bot/komari/pkg/storage"
	"github.com/komari-bot/komari/pkg/store"
	"github.com/komari-bot/komari/pkg/summarize"
	"github.com/komari-bot/komari/pkg/telemetry/tracing"
	"github.com/komari-bot/komari/pkg/version"
)

// Job names registered with the scheduler.
const (
	JobConsolidation = "consolidation"
	JobForgetting    = "forgetting"
)

// State is the lifecycle state of an App.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

// ErrAlreadyRunning is returned by Start on a running App.
var ErrAlreadyRunning = errors.New("app is already running")

// App owns every long-lived component.
type App struct {
	cfg        *config.Config
	configPath string
	log        logger.Logger
	metrics    *metrics.Manager

	kv    storage.KV
	store *store.SQLite

	generator llm.Generator
	embedder  llm.Embedder

	Buffer        *buffer.Buffer
	Knowledge     *knowledge.Service
	Memories      *memory.Store
	Summarizer    *summarize.Summarizer
	Consolidator  *consolidation.Consolidator
	Forgetter     *forgetting.Forgetter
	Chat          *chat.Handler
	Events        *events.Broadcaster
	Scheduler     *scheduler.Scheduler
	tracingCloser tracing.ShutdownFunc

	websocket *handlers.WebSocketHandler
	http      *api.HTTPServer
	grpc      *grpcserver.Server
	watcher   *config.Watcher

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	serveErrs chan error
	hot       config.HotReloadableConfig
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger instead of building one from the config.
func WithLogger(l logger.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithConfigPath enables hot reload from the file the config was loaded
// from.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithKV replaces the configured buffer backend.
func WithKV(kv storage.KV) Option {
	return func(a *App) { a.kv = kv }
}

// WithGenerator replaces the configured LLM provider.
func WithGenerator(g llm.Generator) Option {
	return func(a *App) { a.generator = g }
}

// WithEmbedder replaces the configured embedding provider.
func WithEmbedder(e llm.Embedder) Option {
	return func(a *App) { a.embedder = e }
}

// NewLogger builds the process logger from the log section. app.debug
// forces debug level.
func NewLogger(cfg *config.Config) (logger.Logger, error) {
	level := logger.ParseLevel(cfg.Log.Level)
	if cfg.App.Debug {
		level = logger.DebugLevel
	}
	return logger.Open(&logger.Config{
		Level:          level,
		Format:         cfg.Log.Format,
		Output:         cfg.Log.Output,
		MaxFieldLength: cfg.Log.MaxFieldLength,
	})
}

// New builds every component. Nothing is started and no port is opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, hot: config.ExtractHotReloadable(cfg)}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		log, err := NewLogger(cfg)
		if err != nil {
			return nil, err
		}
		a.log = log
	}

	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	if err := a.initTelemetry(ctx); err != nil {
		return nil, err
	}
	if err := a.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.initProviders(); err != nil {
		return nil, err
	}
	if err := a.initPipeline(); err != nil {
		return nil, err
	}
	if err := a.initSurfaces(); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	if a.cfg.Metrics.Enabled {
		mc := metrics.DefaultConfig()
		mc.Enabled = true
		mc.Port = a.cfg.Metrics.Port
		mc.Path = a.cfg.Metrics.Path
		a.metrics = metrics.NewManager(mc)
	} else {
		a.metrics = metrics.NoOpManager()
	}

	shutdown, err := tracing.Init(ctx, a.cfg.Tracing, tracing.Service{
		Name:        a.cfg.App.Name,
		Version:     version.Version,
		Environment: a.cfg.App.Environment,
	}, a.log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.tracingCloser = shutdown
	return nil
}

func (a *App) initStorage(ctx context.Context) error {
	if a.kv == nil {
		kv, err := newKV(a.cfg)
		if err != nil {
			return fmt.Errorf("open buffer backend: %w", err)
		}
		a.kv = kv
		a.log.Info("Initialized buffer backend", "backend", a.cfg.Buffer.Backend)
	}

	st, err := store.Open(ctx, a.cfg.Store.DSN, a.cfg.Store.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.log.Info("Opened store", "dsn", a.cfg.Store.DSN, "embedding_dim", st.Dimension())
	return nil
}

func (a *App) initProviders() error {
	var err error
	if a.generator == nil {
		a.generator, err = llm.NewGenerator(a.cfg.LLM, a.metrics, a.log)
		if err != nil {
			return fmt.Errorf("llm provider: %w", err)
		}
	}
	if a.embedder == nil {
		a.embedder, err = llm.NewEmbedder(a.cfg.Embedding, a.cfg.LLM, a.metrics, a.log)
		if err != nil {
			return fmt.Errorf("embedding provider: %w", err)
		}
		if a.cfg.Embedding.Provider != "none" && a.cfg.Embedding.Dimensions != a.cfg.Store.EmbeddingDim {
			a.log.Warn("Embedding dimensions differ from the store dimension",
				"embedding", a.cfg.Embedding.Dimensions, "store", a.cfg.Store.EmbeddingDim)
		}
	}
	return nil
}

func (a *App) initPipeline() error {
	cfg := a.cfg

	a.Buffer = buffer.New(a.kv, buffer.Config{
		KeyPrefix: cfg.Buffer.KeyPrefix,
		MaxSize:   cfg.Buffer.MaxSize,
	}, buffer.WithLogger(a.log))

	a.Knowledge = knowledge.NewService(a.store, a.embedder, knowledge.ServiceConfig{
		Limit:               cfg.Knowledge.Limit,
		SimilarityThreshold: cfg.Knowledge.SimilarityThreshold,
		CacheSize:           cfg.Knowledge.CacheSize,
	}, a.metrics, a.log)

	a.Memories = memory.New(a.store, a.embedder, memory.Config{
		SearchLimit:      cfg.Memory.SearchLimit,
		ParticipantBoost: cfg.Memory.ParticipantBoost,
		EntityLimit:      cfg.Memory.EntityLimit,
	}, a.metrics, a.log)

	summarizer, err := summarize.New(a.generator, summarize.Config{
		Model:       cfg.LLM.SummaryModel,
		Temperature: cfg.LLM.SummaryTemperature,
		MaxTokens:   cfg.LLM.SummaryMaxTokens,
	}, a.log)
	if err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}
	a.Summarizer = summarizer

	a.Consolidator = consolidation.New(a.Buffer, a.Summarizer, a.Memories, consolidation.Config{
		MessageThreshold: int64(cfg.Consolidation.MessageThreshold),
		TimeThreshold:    cfg.Consolidation.TimeThreshold,
		TokenThreshold:   int64(cfg.Consolidation.TokenThreshold),
		BatchSize:        cfg.Consolidation.BatchSize,
		Retry: retry.Policy{
			MaxAttempts:    cfg.Consolidation.MaxAttempts,
			InitialBackoff: cfg.Consolidation.InitialBackoff,
			Multiplier:     2,
		},
	}, consolidation.WithMetrics(a.metrics), consolidation.WithLogger(a.log))

	a.Forgetter = forgetting.New(a.store, a.Summarizer, forgetting.Config{
		ImportanceThreshold: cfg.Forgetting.ImportanceThreshold,
		DecayFactor:         cfg.Forgetting.DecayFactor,
	}, a.metrics, a.log)

	filter, err := chat.NewFilter(chat.FilterConfig{
		MinLength:         cfg.Chat.FilterMinLength,
		HistoryCheck:      cfg.Chat.FilterHistoryCheck,
		StopwordsLanguage: cfg.Chat.FilterStopwordsLanguage,
	})
	if err != nil {
		return fmt.Errorf("message filter: %w", err)
	}

	var sc scorer.Scorer = scorer.Static(cfg.Scorer.DefaultScore)
	if cfg.Scorer.Enabled {
		sc = scorer.NewHTTP(scorer.HTTPConfig{
			URL:          cfg.Scorer.URL,
			Timeout:      cfg.Scorer.Timeout,
			MaxAttempts:  cfg.Scorer.MaxAttempts,
			DefaultScore: cfg.Scorer.DefaultScore,
		}, nil, a.log)
	}

	var kn chat.KnowledgeSearcher
	if cfg.Knowledge.Enabled {
		kn = a.Knowledge.Retriever()
	}

	chatOpts := []chat.Option{chat.WithMetrics(a.metrics), chat.WithLogger(a.log)}
	if cfg.Chat.QueryRewrite.Enabled {
		chatOpts = append(chatOpts, chat.WithRewriter(
			chat.NewRewriter(a.generator, cfg.LLM.SummaryModel, cfg.Chat.QueryRewrite.HistoryLimit)))
	}
	a.Chat = chat.NewHandler(chatConfig(cfg), a.Buffer, filter, sc, a.Memories, kn, a.generator, chatOpts...)

	a.Events = events.NewBroadcaster()
	a.Scheduler = scheduler.New(a.log)
	return nil
}

func chatConfig(cfg *config.Config) chat.Config {
	botName := cfg.App.Name
	if len(cfg.Chat.BotNames) > 0 {
		botName = cfg.Chat.BotNames[0]
	}
	return chat.Config{
		Prompt: prompt.Config{
			SystemPrompt:           cfg.Chat.SystemPrompt,
			CharacterInstruction:   cfg.Chat.CharacterInstruction,
			BackgroundPrompt:       cfg.Chat.BackgroundPrompt,
			BackgroundConfirmation: cfg.Chat.BackgroundConfirmation,
		},
		FallbackReply:   cfg.Chat.FallbackReply,
		BotNames:        cfg.Chat.BotNames,
		BotID:           cfg.App.Name,
		BotName:         botName,
		ContextMessages: cfg.Chat.ContextMessages,
		MemoryLimit:     cfg.Memory.SearchLimit,
		KnowledgeLimit:  cfg.Knowledge.Limit,
		LowValueScore:   cfg.Chat.LowValueScore,
		Model:           cfg.LLM.ChatModel,
		Temperature:     cfg.LLM.ChatTemperature,
		MaxTokens:       cfg.LLM.ChatMaxTokens,
		Proactive:       proactiveConfig(cfg.Proactive),
	}
}

func proactiveConfig(p config.ProactiveConfig) chat.Proactive {
	return chat.Proactive{
		Enabled:        p.Enabled,
		ScoreThreshold: p.ScoreThreshold,
		Cooldown:       p.Cooldown,
		MaxPerHour:     p.MaxPerHour,
	}
}

func (a *App) initSurfaces() error {
	cfg := a.cfg

	var origins []string
	if cfg.Server.CORS.Enabled {
		origins = cfg.Server.CORS.AllowedOrigins
	}
	a.websocket = handlers.NewWebSocketHandler(a.log, handlers.WebSocketConfig{
		AllowedOrigins: origins,
		HandleTimeout:  cfg.Server.HTTP.RequestTimeout,
	}, a.Chat, a.Events)

	h := &api.Handlers{
		Health: handlers.NewHealthHandler(version.Version, map[string]handlers.Pinger{
			"store":  a.store,
			"buffer": a.kv,
		}),
		Knowledge:    handlers.NewKnowledgeHandler(a.Knowledge, a.log),
		Memory:       handlers.NewMemoryHandler(a.Memories, a.log),
		Conversation: handlers.NewConversationHandler(a.Buffer, a.Consolidator, a.Events.BroadcastConsolidated, a.log),
		Messages:     handlers.NewMessageHandler(a.Chat, a.Events, a.log),
		Jobs:         handlers.NewJobsHandler(a.Forgetter, a.Consolidator, a.Events.BroadcastForgetting, a.log),
		WebSocket:    a.websocket,
	}
	if a.metrics.Enabled() {
		h.Metrics = a.metrics
		if a.sharedMetricsPort() {
			h.MetricsHandler = a.metrics.Handler()
		}
	}
	a.http = api.NewHTTPServer(cfg, a.log, h)

	if cfg.Server.GRPC.Enabled {
		srv, err := grpcserver.New(grpcserver.FromConfig(cfg), a.log)
		if err != nil {
			return err
		}
		a.grpc = srv
	}
	return nil
}

// sharedMetricsPort reports whether /metrics is served by the API server
// rather than a dedicated listener.
func (a *App) sharedMetricsPort() bool {
	return a.cfg.Metrics.Port == 0 || a.cfg.Metrics.Port == a.cfg.Server.Port
}

// Logger returns the application logger.
func (a *App) Logger() logger.Logger { return a.log }

// Config returns the active configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler { return a.http.Handler() }

// State returns the lifecycle state.
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start rebuilds the keyword index, registers the background jobs and
// starts serving. It returns once every listener is bound.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateRunning {
		return ErrAlreadyRunning
	}

	n, err := a.Knowledge.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("build keyword index: %w", err)
	}
	a.log.Info("Keyword index built", "records", n)

	if err := a.registerJobs(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.serveErrs = make(chan error, 3)

	ln, err := net.Listen("tcp", a.http.Addr())
	if err != nil {
		cancel()
		return fmt.Errorf("listen on %s: %w", a.http.Addr(), err)
	}
	go func() {
		if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErrs <- fmt.Errorf("http server: %w", err)
		}
	}()
	a.log.Info("Starting HTTP server", "address", ln.Addr().String())

	if a.grpc != nil {
		if err := a.grpc.Start(); err != nil {
			cancel()
			_ = a.http.Shutdown(ctx)
			return err
		}
	}

	if a.metrics.Enabled() && !a.sharedMetricsPort() {
		go func() {
			a.log.Info("Starting metrics server", "port", a.cfg.Metrics.Port, "path", a.cfg.Metrics.Path)
			if err := a.metrics.StartServer(runCtx, a.cfg.Metrics.Port, a.cfg.Metrics.Path); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.serveErrs <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	a.Scheduler.Start()
	a.startWatcher(runCtx)

	a.state = StateRunning
	a.log.Info("Komari is running",
		"http_port", a.cfg.Server.Port,
		"grpc_enabled", a.cfg.Server.GRPC.Enabled,
		"metrics_port", a.cfg.Metrics.Port,
	)
	return nil
}

// Errors delivers fatal serve errors after Start.
func (a *App) Errors() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serveErrs
}

func (a *App) registerJobs() error {
	if a.cfg.Consolidation.Enabled {
		if err := a.Scheduler.Register(JobConsolidation, a.cfg.Consolidation.Schedule, a.RunConsolidation); err != nil {
			return fmt.Errorf("register consolidation job: %w", err)
		}
	}
	if a.cfg.Forgetting.Enabled {
		if err := a.Scheduler.Register(JobForgetting, a.cfg.Forgetting.Schedule, a.RunForgetting); err != nil {
			return fmt.Errorf("register forgetting job: %w", err)
		}
	}
	return nil
}

// RunConsolidation scans every buffered conversation once and consolidates
// those past a threshold.
func (a *App) RunConsolidation(ctx context.Context) error {
	report, err := a.Consolidator.Tick(ctx)
	for _, o := range report.Outcomes {
		a.Events.BroadcastConsolidated(o)
	}
	return err
}

// RunForgetting runs one decay and cleanup pass.
func (a *App) RunForgetting(ctx context.Context) error {
	report, err := a.Forgetter.Run(ctx)
	if err != nil {
		return err
	}
	a.Events.BroadcastForgetting(report)
	return nil
}

// Reindex rebuilds the keyword index from the store.
func (a *App) Reindex(ctx context.Context) (int, error) {
	return a.Knowledge.Rebuild(ctx)
}

func (a *App) startWatcher(ctx context.Context) {
	if a.configPath == "" {
		return
	}
	w, err := config.NewWatcher(a.configPath, a.cfg, config.WithErrorHandler(func(err error) {
		a.log.Warn("Config reload failed", "error", err)
	}))
	if err != nil {
		a.log.Warn("Config hot reload disabled", "path", a.configPath, "error", err)
		return
	}
	w.OnChange(func(change config.Change) {
		if len(change.RestartRequired) > 0 {
			a.log.Warn("Config changes need a restart to take effect", "sections", change.RestartRequired)
		}
		a.applyConfig(change.Config)
	})
	go func() {
		if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("Config watcher stopped", "error", err)
		}
	}()
	a.watcher = w
}

// applyConfig applies the hot-reloadable subset of cfg. Everything else
// needs a restart.
func (a *App) applyConfig(cfg *config.Config) {
	next := config.ExtractHotReloadable(cfg)

	a.mu.Lock()
	prev := a.hot
	a.hot = next
	a.mu.Unlock()

	if !prev.Changed(next) {
		return
	}
	if next.LogLevel != prev.LogLevel {
		a.log.SetLevel(logger.ParseLevel(next.LogLevel))
	}
	retriever := a.Knowledge.Retriever()
	retriever.SetThreshold(next.KnowledgeSimilarityThreshold)
	retriever.SetDefaultLimit(next.KnowledgeLimit)
	a.Chat.SetProactive(proactiveConfig(cfg.Proactive))

	a.log.Info("Configuration reloaded",
		"log_level", next.LogLevel,
		"knowledge_limit", next.KnowledgeLimit,
		"similarity_threshold", next.KnowledgeSimilarityThreshold,
		"proactive_enabled", next.ProactiveEnabled,
	)
}

// Stop shuts down listeners and jobs, then releases storage. It is safe to
// call on an App that was never started.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.state == StateRunning {
		if a.watcher != nil {
			if err := a.watcher.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop watcher: %w", err))
			}
		}
		if err := a.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
		if a.grpc != nil {
			if err := a.grpc.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop grpc: %w", err))
			}
		}
		if err := a.Scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
		a.cancel()
	}
	if a.state == StateStopped {
		return nil
	}

	a.websocket.Close()
	a.Events.Close()
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	a.state = StateStopped
	a.log.Info("Komari stopped", "dropped_events", a.Events.Dropped())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close buffer backend: %w", err))
		}
	}
	if a.tracingCloser != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracingCloser(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run starts the App and blocks until ctx is done or a server fails, then
// stops it within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("Shutting down")
	case runErr = <-a.Errors():
		a.log.Error("Server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.HTTP.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Stop(shutdownCtx))
}
