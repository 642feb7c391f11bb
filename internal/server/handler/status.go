package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// StatusHandler serves the liveness endpoint.
type StatusHandler struct {
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler with the provided logger.
func NewStatusHandler(logger *slog.Logger) *StatusHandler {
	return &StatusHandler{logger: logger}
}

// Liveness responds with a simple JSON status indicating the server is alive.
// GET /api/status
func (h *StatusHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
