package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// AuditService defines the methods that the audit handler requires.
type AuditService interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// AuditHandler serves the audit log read endpoint.
type AuditHandler struct {
	audit  AuditService
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler with the given store and logger.
func NewAuditHandler(audit AuditService, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		logger: logger,
	}
}

// List returns audit entries newest first.
// GET /api/audit?limit=50&since=2026-01-01T00:00:00Z
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit entries failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}
