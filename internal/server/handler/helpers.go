package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps service-layer errors onto HTTP responses. Typed
// domain errors carry their figures into the body so operator tooling can
// display an actionable message.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation   *domain.ValidationError
		precondition *domain.PreconditionError
		insufficient *domain.InsufficientBufferError
		violation    *domain.ReserveViolationError
		emptyQueue   *domain.EmptyQueueError
		confirmation *domain.ConfirmationError
	)

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "a concurrent operation holds the pool lock; retry shortly")
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "insufficient cash buffer",
			"available": insufficient.Available.String(),
			"requested": insufficient.Requested.String(),
		})
	case errors.As(err, &violation):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":         "allocation would breach the reserve floor",
			"current":       violation.Current.String(),
			"target":        violation.Target.String(),
			"minimum":       violation.Minimum.String(),
			"reserve_after": violation.ReserveAfter.String(),
		})
	case errors.As(err, &emptyQueue):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "withdrawal queue is empty",
			"pool_id": emptyQueue.PoolID,
		})
	case errors.As(err, &confirmation):
		writeError(w, http.StatusUnprocessableEntity, confirmation.Error())
	case errors.As(err, &precondition):
		writeError(w, http.StatusConflict, precondition.Error())
	case domain.Retryable(err):
		writeError(w, http.StatusBadGateway, "ledger temporarily unavailable; retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0. since/until accept RFC 3339.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	if v := q.Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &ts
		}
	}
	if v := q.Get("until"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Until = &ts
		}
	}
	return opts
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// decodeBody decodes a JSON request body into dst, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// parseAmount parses a base-10 token amount. Amounts travel as strings so
// uint256 values survive JSON.
func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, &domain.ValidationError{Field: field, Reason: "is required"}
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, &domain.ValidationError{Field: field, Reason: "must be a base-10 integer"}
	}
	return n, nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
