package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/komari-bot/komari/pkg/api/response"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/memory"
	"github.com/komari-bot/komari/pkg/store"
)

// MemoryService reads conversation memories and entities.
type MemoryService interface {
	Search(ctx context.Context, q memory.SearchQuery) ([]memory.Hit, error)
	List(ctx context.Context, conversationID string, limit int) ([]*store.Memory, error)
	GetEntities(ctx context.Context, filter store.EntityFilter, limit int) ([]*store.Entity, error)
}

// MemoryHandler handles conversation memory endpoints.
type MemoryHandler struct {
	memories MemoryService
	logger   logger.Logger
}

// NewMemoryHandler creates a new memory handler.
func NewMemoryHandler(memories MemoryService, log logger.Logger) *MemoryHandler {
	return &MemoryHandler{memories: memories, logger: log}
}

// MemoryListResponse holds stored memories of one conversation.
type MemoryListResponse struct {
	ConversationID string          `json:"conversation_id"`
	Memories       []*store.Memory `json:"memories"`
}

// MemorySearchResponse holds ranked memories for a query.
type MemorySearchResponse struct {
	ConversationID string       `json:"conversation_id"`
	Query          string       `json:"query"`
	Hits           []memory.Hit `json:"hits"`
}

// EntityListResponse holds user entities of one conversation.
type EntityListResponse struct {
	ConversationID string          `json:"conversation_id"`
	Entities       []*store.Entity `json:"entities"`
}

// Memories handles GET /api/v1/conversations/{id}/memories
// Without q the newest memories are listed; with q they are ranked by
// similarity.
// @Summary List or search conversation memories
// @Tags memory
// @Produce json
// @Param id path string true "Conversation ID"
// @Param q query string false "Search text"
// @Param user query string false "Requesting user, boosts memories they took part in"
// @Param limit query int false "Maximum results"
// @Success 200 {object} MemorySearchResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/v1/conversations/{id}/memories [get]
func (h *MemoryHandler) Memories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID := chi.URLParam(r, "id")

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		if limit == 0 {
			limit = 20
		}
		list, err := h.memories.List(ctx, convID, limit)
		if err != nil {
			response.HandleError(w, err, getRequestID(ctx))
			return
		}
		if list == nil {
			list = []*store.Memory{}
		}
		response.JSON(w, http.StatusOK, MemoryListResponse{ConversationID: convID, Memories: list})
		return
	}

	hits, err := h.memories.Search(ctx, memory.SearchQuery{
		Query:          q,
		ConversationID: convID,
		UserID:         r.URL.Query().Get("user"),
		Limit:          limit,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "Memory search failed", "conversation_id", convID, "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	if hits == nil {
		hits = []memory.Hit{}
	}

	response.JSON(w, http.StatusOK, MemorySearchResponse{ConversationID: convID, Query: q, Hits: hits})
}

// Entities handles GET /api/v1/conversations/{id}/entities
// @Summary List user entities of a conversation
// @Tags memory
// @Produce json
// @Param id path string true "Conversation ID"
// @Param user query string false "User filter"
// @Param limit query int false "Maximum results"
// @Success 200 {object} EntityListResponse
// @Router /api/v1/conversations/{id}/entities [get]
func (h *MemoryHandler) Entities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID := chi.URLParam(r, "id")

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	entities, err := h.memories.GetEntities(ctx, store.EntityFilter{
		UserID:         r.URL.Query().Get("user"),
		ConversationID: convID,
	}, limit)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	if entities == nil {
		entities = []*store.Entity{}
	}

	response.JSON(w, http.StatusOK, EntityListResponse{ConversationID: convID, Entities: entities})
}
