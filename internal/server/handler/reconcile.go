package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// ReconcileService defines the methods that the reconcile handler requires
// from the service layer.
type ReconcileService interface {
	ReconcilePool(ctx context.Context, poolID string) (bool, error)
	ReconcileAll(ctx context.Context) (updated int, failed int, err error)
}

// ReconcileHandler serves on-demand escrow reconciliation endpoints.
type ReconcileHandler struct {
	reconcile ReconcileService
	logger    *slog.Logger
}

// NewReconcileHandler creates a ReconcileHandler with the given service and
// logger.
func NewReconcileHandler(reconcile ReconcileService, logger *slog.Logger) *ReconcileHandler {
	return &ReconcileHandler{
		reconcile: reconcile,
		logger:    logger,
	}
}

// ReconcilePool looks up the pool's escrow in the on-chain registry and
// backfills the mirror when it has appeared.
// POST /api/pools/{id}/reconcile
func (h *ReconcileHandler) ReconcilePool(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")

	changed, err := h.reconcile.ReconcilePool(r.Context(), poolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pool_id": poolID,
		"updated": changed,
	})
}

// ReconcileAll runs a reconciliation pass over every deployed pool.
// POST /api/reconcile
func (h *ReconcileHandler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	updated, failed, err := h.reconcile.ReconcileAll(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: reconcile sweep failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"updated": updated,
		"failed":  failed,
	})
}
