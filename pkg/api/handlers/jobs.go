package handlers

import (
	"context"
	"net/http"

	"github.com/komari-bot/komari/pkg/api/response"
	"github.com/komari-bot/komari/pkg/consolidation"
	"github.com/komari-bot/komari/pkg/forgetting"
	"github.com/komari-bot/komari/pkg/logger"
)

// Forgetter runs a forgetting cycle.
type Forgetter interface {
	Run(ctx context.Context) (forgetting.Report, error)
}

// ConsolidationScanner runs one consolidation scan.
type ConsolidationScanner interface {
	Tick(ctx context.Context) (consolidation.TickReport, error)
}

// JobsHandler triggers background jobs by hand.
type JobsHandler struct {
	forgetter Forgetter
	scanner   ConsolidationScanner
	onForget  func(forgetting.Report)
	logger    logger.Logger
}

// NewJobsHandler creates a jobs handler. onForget, if not nil, receives
// each successful forgetting report.
func NewJobsHandler(f Forgetter, s ConsolidationScanner, onForget func(forgetting.Report), log logger.Logger) *JobsHandler {
	return &JobsHandler{forgetter: f, scanner: s, onForget: onForget, logger: log}
}

// Forget handles POST /api/v1/jobs/forget
// @Summary Run the forgetting cycle now
// @Tags jobs
// @Produce json
// @Success 200 {object} forgetting.Report
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/jobs/forget [post]
func (h *JobsHandler) Forget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := h.forgetter.Run(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "Forgetting run failed", "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	if h.onForget != nil {
		h.onForget(report)
	}

	response.JSON(w, http.StatusOK, report)
}

// Consolidate handles POST /api/v1/jobs/consolidate
// @Summary Check every active conversation against the consolidation triggers
// @Tags jobs
// @Produce json
// @Success 200 {object} consolidation.TickReport
// @Router /api/v1/jobs/consolidate [post]
func (h *JobsHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := h.scanner.Tick(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "Consolidation scan failed", "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, report)
}
