package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/komari-bot/komari/pkg/api/response"
	"github.com/komari-bot/komari/pkg/buffer"
	"github.com/komari-bot/komari/pkg/consolidation"
	"github.com/komari-bot/komari/pkg/logger"
)

// ConversationBuffer is the read side of the message buffer.
type ConversationBuffer interface {
	GetRecent(ctx context.Context, convID string, limit int) ([]buffer.Message, error)
	MessageCount(ctx context.Context, convID string) (int64, error)
	Tokens(ctx context.Context, convID string) (int64, error)
	ActiveConversations(ctx context.Context) ([]string, error)
}

// Consolidator consolidates one conversation on demand.
type Consolidator interface {
	ConsolidateNow(ctx context.Context, convID string) (consolidation.Outcome, error)
}

// ConversationHandler handles buffer inspection and manual consolidation.
type ConversationHandler struct {
	buf          ConversationBuffer
	consolidator Consolidator
	onOutcome    func(consolidation.Outcome)
	logger       logger.Logger
}

// NewConversationHandler creates a conversation handler. onOutcome, if not
// nil, is called after each successful consolidation.
func NewConversationHandler(buf ConversationBuffer, c Consolidator, onOutcome func(consolidation.Outcome), log logger.Logger) *ConversationHandler {
	return &ConversationHandler{buf: buf, consolidator: c, onOutcome: onOutcome, logger: log}
}

// BufferResponse shows the short-term state of a conversation.
type BufferResponse struct {
	ConversationID string           `json:"conversation_id"`
	MessageCount   int64            `json:"message_count"`
	Tokens         int64            `json:"tokens"`
	Messages       []buffer.Message `json:"messages"`
}

// ConversationListResponse lists conversations with buffered messages.
type ConversationListResponse struct {
	Conversations []string `json:"conversations"`
}

// List handles GET /api/v1/conversations
// @Summary List conversations with buffered messages
// @Tags conversations
// @Produce json
// @Success 200 {object} ConversationListResponse
// @Router /api/v1/conversations [get]
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids, err := h.buf.ActiveConversations(ctx)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	if ids == nil {
		ids = []string{}
	}

	response.JSON(w, http.StatusOK, ConversationListResponse{Conversations: ids})
}

// Buffer handles GET /api/v1/conversations/{id}/buffer
// @Summary Show buffered messages and counters
// @Tags conversations
// @Produce json
// @Param id path string true "Conversation ID"
// @Param limit query int false "Messages to return" default(50)
// @Success 200 {object} BufferResponse
// @Router /api/v1/conversations/{id}/buffer [get]
func (h *ConversationHandler) Buffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID := chi.URLParam(r, "id")

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	msgs, err := h.buf.GetRecent(ctx, convID, limit)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	count, err := h.buf.MessageCount(ctx, convID)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	tokens, err := h.buf.Tokens(ctx, convID)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	if msgs == nil {
		msgs = []buffer.Message{}
	}

	response.JSON(w, http.StatusOK, BufferResponse{
		ConversationID: convID,
		MessageCount:   count,
		Tokens:         tokens,
		Messages:       msgs,
	})
}

// Consolidate handles POST /api/v1/conversations/{id}/consolidate
// @Summary Consolidate a conversation now
// @Tags conversations
// @Produce json
// @Param id path string true "Conversation ID"
// @Success 200 {object} consolidation.Outcome
// @Failure 409 {object} response.ErrorResponse
// @Router /api/v1/conversations/{id}/consolidate [post]
func (h *ConversationHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID := chi.URLParam(r, "id")

	out, err := h.consolidator.ConsolidateNow(ctx, convID)
	if err != nil {
		h.logger.ErrorContext(ctx, "Manual consolidation failed", "conversation_id", convID, "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	if h.onOutcome != nil && !out.Skipped {
		h.onOutcome(out)
	}

	response.JSON(w, http.StatusOK, out)
}
