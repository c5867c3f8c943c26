// Package api provides HTTP API server components.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/komari-bot/komari/config"
	"github.com/komari-bot/komari/pkg/api/handlers"
	"github.com/komari-bot/komari/pkg/api/middleware"
	"github.com/komari-bot/komari/pkg/api/response"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/ratelimit"

	_ "github.com/komari-bot/komari/docs/swagger" // Import generated docs
)

// Handlers holds all HTTP handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Knowledge handles the knowledge base
	Knowledge *handlers.KnowledgeHandler

	// Memory handles conversation memories and entities
	Memory *handlers.MemoryHandler

	// Conversation handles buffer inspection and manual consolidation
	Conversation *handlers.ConversationHandler

	// Messages accepts chat messages over HTTP
	Messages *handlers.MessageHTTPHandler

	// Jobs triggers background jobs
	Jobs *handlers.JobsHandler

	// WebSocket serves /ws/messages
	WebSocket *handlers.WebSocketHandler

	// Metrics is the optional HTTP metrics recorder
	Metrics middleware.HTTPMetrics

	// MetricsHandler, if set, is served at the configured metrics path.
	MetricsHandler http.Handler
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	// Register global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	// Tracing runs first so request metrics can carry the trace as an exemplar.
	if cfg.Tracing.Enabled {
		r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	}
	if handlers.Metrics != nil {
		r.Use(middleware.Metrics(handlers.Metrics, cfg.Metrics.Path))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))
	if cfg.Server.RateLimit.Enabled {
		r.Use(middleware.RateLimit(ratelimit.NewKeyed(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)))
	}
	r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "Route not found", middleware.GetRequestID(req.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed, "Method not allowed", middleware.GetRequestID(req.Context()))
	})

	// Register routes
	RegisterRoutes(r, handlers)

	if handlers.MetricsHandler != nil && cfg.Metrics.Path != "" {
		r.Handle(cfg.Metrics.Path, handlers.MetricsHandler)
	}

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, handlers *Handlers) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		if handlers.Knowledge != nil {
			r.Route("/knowledge", func(r chi.Router) {
				r.Post("/", handlers.Knowledge.Create)
				r.Get("/", handlers.Knowledge.List)
				r.Get("/search", handlers.Knowledge.Search)
				r.Post("/reindex", handlers.Knowledge.Reindex)
				r.Get("/{id}", handlers.Knowledge.Get)
				r.Patch("/{id}", handlers.Knowledge.Update)
				r.Delete("/{id}", handlers.Knowledge.Delete)
			})
		}

		r.Route("/conversations", func(r chi.Router) {
			if handlers.Conversation != nil {
				r.Get("/", handlers.Conversation.List)
				r.Get("/{id}/buffer", handlers.Conversation.Buffer)
				r.Post("/{id}/consolidate", handlers.Conversation.Consolidate)
			}
			if handlers.Memory != nil {
				r.Get("/{id}/memories", handlers.Memory.Memories)
				r.Get("/{id}/entities", handlers.Memory.Entities)
			}
		})

		if handlers.Messages != nil {
			r.Post("/messages", handlers.Messages.Post)
		}

		if handlers.Jobs != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/forget", handlers.Jobs.Forget)
				r.Post("/consolidate", handlers.Jobs.Consolidate)
			})
		}
	})

	if handlers.WebSocket != nil {
		r.Handle("/ws/messages", handlers.WebSocket)
	}

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
	}

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.WrapHandler)
}
