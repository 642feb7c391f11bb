package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/piron-finance/piron-backend/internal/domain"
	"github.com/piron-finance/piron-backend/internal/service"
)

// WithdrawalService defines the methods that the withdrawal handler requires
// from the service layer.
type WithdrawalService interface {
	Enqueue(ctx context.Context, params service.EnqueueParams) (domain.WithdrawalRequest, error)
	ProcessQueue(ctx context.Context, poolID string, max int) (domain.WithdrawalBatch, error)
	SettleBatch(ctx context.Context, batchID string, success bool) (int64, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.WithdrawalRequest, error)
	List(ctx context.Context, poolID string, status domain.WithdrawalStatus, opts domain.ListOpts) ([]domain.WithdrawalRequest, error)
	Stats(ctx context.Context, poolID string) (domain.QueueStats, error)
}

// WithdrawalHandler serves withdrawal queue HTTP endpoints.
type WithdrawalHandler struct {
	withdrawals WithdrawalService
	logger      *slog.Logger
}

// NewWithdrawalHandler creates a WithdrawalHandler with the given service and
// logger.
func NewWithdrawalHandler(withdrawals WithdrawalService, logger *slog.Logger) *WithdrawalHandler {
	return &WithdrawalHandler{
		withdrawals: withdrawals,
		logger:      logger,
	}
}

type enqueueRequest struct {
	Investor       string `json:"investor"`
	Shares         string `json:"shares"`
	EstimatedValue string `json:"estimated_value,omitempty"`
}

// Enqueue appends a redemption request to the pool's queue.
// POST /api/pools/{id}/withdrawals
func (h *WithdrawalHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	params := service.EnqueueParams{
		PoolID:   poolID,
		Investor: common.HexToAddress(req.Investor),
		Shares:   shares,
	}
	if req.EstimatedValue != "" {
		if params.EstimatedValue, err = parseAmount("estimated_value", req.EstimatedValue); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	request, err := h.withdrawals.Enqueue(r.Context(), params)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, request)
}

// ProcessQueue selects up to max queued requests in FIFO order and prepares
// a batch-processing instruction for them.
// POST /api/pools/{id}/withdrawals/process
func (h *WithdrawalHandler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")
	var req struct {
		Max int `json:"max"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	batch, err := h.withdrawals.ProcessQueue(r.Context(), poolID, req.Max)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: process queue failed",
			slog.String("pool_id", poolID),
			slog.Int("max", req.Max),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, batch)
}

// SettleBatch marks an in-flight batch completed or failed.
// POST /api/withdrawal-batches/{id}/settle
func (h *WithdrawalHandler) SettleBatch(w http.ResponseWriter, r *http.Request) {
	batchID := pathParam(r, "id")
	var req struct {
		Success bool `json:"success"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	settled, err := h.withdrawals.SettleBatch(r.Context(), batchID, req.Success)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": batchID,
		"settled":  settled,
	})
}

// Stats returns queue depth and value for a pool.
// GET /api/pools/{id}/withdrawals/stats
func (h *WithdrawalHandler) Stats(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")

	stats, err := h.withdrawals.Stats(r.Context(), poolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// List returns withdrawal requests for a pool, optionally filtered by status.
// GET /api/pools/{id}/withdrawals?status=queued
func (h *WithdrawalHandler) List(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")
	opts := parseListOpts(r)
	status := domain.WithdrawalStatus(r.URL.Query().Get("status"))

	requests, err := h.withdrawals.List(r.Context(), poolID, status, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"withdrawals": requests,
		"limit":       opts.Limit,
		"offset":      opts.Offset,
	})
}

// Get returns one withdrawal request by ID.
// GET /api/withdrawals/{id}
func (h *WithdrawalHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	request, err := h.withdrawals.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, request)
}

// Cancel removes a still-queued request from the queue.
// POST /api/withdrawals/{id}/cancel
func (h *WithdrawalHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	if err := h.withdrawals.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.WithdrawalCancelled)})
}
