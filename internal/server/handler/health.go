package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// HealthService defines the methods that the health handler requires from the
// service layer.
type HealthService interface {
	Report(ctx context.Context, poolID string) (domain.HealthReport, error)
	Refresh(ctx context.Context, poolID string) (domain.HealthReport, error)
	ReportAll(ctx context.Context) ([]domain.HealthReport, error)
}

// HealthHandler serves pool health scoring HTTP endpoints.
type HealthHandler struct {
	health HealthService
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler with the given service and logger.
func NewHealthHandler(health HealthService, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		health: health,
		logger: logger,
	}
}

// Report returns the pool's health report, served from cache when fresh.
// GET /api/pools/{id}/health
func (h *HealthHandler) Report(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")

	report, err := h.health.Report(r.Context(), poolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// Refresh recomputes the pool's health report, bypassing the cache.
// POST /api/pools/{id}/health/refresh
func (h *HealthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")

	report, err := h.health.Refresh(r.Context(), poolID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: health refresh failed",
			slog.String("pool_id", poolID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// ReportAll returns health reports for every active pool.
// GET /api/health/pools
func (h *HealthHandler) ReportAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.health.ReportAll(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: health report sweep failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}
