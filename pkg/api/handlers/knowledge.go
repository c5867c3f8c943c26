package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/komari-bot/komari/pkg/api/response"
	"github.com/komari-bot/komari/pkg/knowledge"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/store"
)

// KnowledgeService is the knowledge base behind the knowledge endpoints.
type KnowledgeService interface {
	Add(ctx context.Context, in knowledge.NewRecord) (int64, error)
	Update(ctx context.Context, id int64, patch knowledge.Patch) (bool, error)
	Delete(ctx context.Context, id int64) (bool, error)
	Get(ctx context.Context, id int64) (*store.KnowledgeRecord, error)
	List(ctx context.Context, category string, limit, offset int) ([]*store.KnowledgeRecord, error)
	Count(ctx context.Context) (int, error)
	Search(ctx context.Context, query string, limit int) ([]knowledge.Result, error)
	SearchStrict(ctx context.Context, query string, limit int) ([]knowledge.Result, error)
	Rebuild(ctx context.Context) (int, error)
}

// KnowledgeHandler handles knowledge base endpoints.
type KnowledgeHandler struct {
	svc    KnowledgeService
	logger logger.Logger
}

// NewKnowledgeHandler creates a knowledge handler.
func NewKnowledgeHandler(svc KnowledgeService, log logger.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{svc: svc, logger: log}
}

// CreatedResponse carries the id of a new record.
type CreatedResponse struct {
	ID int64 `json:"id"`
}

// KnowledgeListResponse is a page of knowledge records.
type KnowledgeListResponse struct {
	Items  []*store.KnowledgeRecord `json:"items"`
	Total  int                      `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

// KnowledgeSearchResponse lists retrieval results.
type KnowledgeSearchResponse struct {
	Query   string             `json:"query"`
	Results []knowledge.Result `json:"results"`
}

// ReindexResponse reports a keyword index rebuild.
type ReindexResponse struct {
	Indexed int `json:"indexed"`
}

// Create handles POST /api/v1/knowledge
// @Summary Add a knowledge record
// @Tags knowledge
// @Accept json
// @Produce json
// @Param record body knowledge.NewRecord true "Record"
// @Success 201 {object} CreatedResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/v1/knowledge [post]
func (h *KnowledgeHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req knowledge.NewRecord
	if err := decodeJSON(w, r, &req); err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	id, err := h.svc.Add(ctx, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to add knowledge", "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusCreated, CreatedResponse{ID: id})
}

// List handles GET /api/v1/knowledge
// @Summary List knowledge records
// @Tags knowledge
// @Produce json
// @Param category query string false "Category filter"
// @Param limit query int false "Page size" default(50)
// @Param offset query int false "Offset" default(0)
// @Success 200 {object} KnowledgeListResponse
// @Router /api/v1/knowledge [get]
func (h *KnowledgeHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	items, err := h.svc.List(ctx, r.URL.Query().Get("category"), limit, offset)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to list knowledge", "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	total, err := h.svc.Count(ctx)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	if items == nil {
		items = []*store.KnowledgeRecord{}
	}

	response.JSON(w, http.StatusOK, KnowledgeListResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// Get handles GET /api/v1/knowledge/{id}
// @Summary Get a knowledge record
// @Tags knowledge
// @Produce json
// @Param id path int true "Record ID"
// @Success 200 {object} store.KnowledgeRecord
// @Failure 404 {object} response.ErrorResponse
// @Router /api/v1/knowledge/{id} [get]
func (h *KnowledgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	rec, err := h.svc.Get(ctx, id)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, rec)
}

// Update handles PATCH /api/v1/knowledge/{id}
// @Summary Update a knowledge record
// @Tags knowledge
// @Accept json
// @Produce json
// @Param id path int true "Record ID"
// @Param patch body knowledge.Patch true "Fields to change"
// @Success 200 {object} store.KnowledgeRecord
// @Failure 404 {object} response.ErrorResponse
// @Router /api/v1/knowledge/{id} [patch]
func (h *KnowledgeHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	var patch knowledge.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	ok, err := h.svc.Update(ctx, id, patch)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to update knowledge", "id", id, "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	if !ok {
		response.HandleError(w, response.ErrNotFound, getRequestID(ctx))
		return
	}

	rec, err := h.svc.Get(ctx, id)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	response.JSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /api/v1/knowledge/{id}
// @Summary Delete a knowledge record
// @Tags knowledge
// @Param id path int true "Record ID"
// @Success 204
// @Failure 404 {object} response.ErrorResponse
// @Router /api/v1/knowledge/{id} [delete]
func (h *KnowledgeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	ok, err := h.svc.Delete(ctx, id)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to delete knowledge", "id", id, "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	if !ok {
		response.HandleError(w, response.ErrNotFound, getRequestID(ctx))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/v1/knowledge/search
// @Summary Hybrid keyword and vector search
// @Tags knowledge
// @Produce json
// @Param q query string true "Query text"
// @Param limit query int false "Maximum results"
// @Param strict query bool false "Fail when the vector layer fails without keyword hits"
// @Success 200 {object} KnowledgeSearchResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/v1/knowledge/search [get]
func (h *KnowledgeHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		response.HandleError(w, &response.InvalidField{Field: "q", Reason: "is required"}, getRequestID(ctx))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	search := h.svc.Search
	if r.URL.Query().Get("strict") == "true" {
		search = h.svc.SearchStrict
	}
	results, err := search(ctx, q, limit)
	if err != nil {
		h.logger.WarnContext(ctx, "Knowledge search failed", "error", err)
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "Search unavailable", getRequestID(ctx))
		return
	}
	if results == nil {
		results = []knowledge.Result{}
	}

	response.JSON(w, http.StatusOK, KnowledgeSearchResponse{Query: q, Results: results})
}

// Reindex handles POST /api/v1/knowledge/reindex
// @Summary Rebuild the keyword index from the store
// @Tags knowledge
// @Produce json
// @Success 200 {object} ReindexResponse
// @Router /api/v1/knowledge/reindex [post]
func (h *KnowledgeHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	n, err := h.svc.Rebuild(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to rebuild keyword index", "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, ReindexResponse{Indexed: n})
}
