package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/piron-finance/piron-backend/internal/domain"
	"github.com/piron-finance/piron-backend/internal/service"
)

// ReserveService defines the methods that the reserve handler requires from
// the service layer.
type ReserveService interface {
	Snapshot(ctx context.Context, poolID string) (domain.ReserveSnapshot, error)
	Allocate(ctx context.Context, poolID string, amount *big.Int, initiator string) (service.AllocationResult, error)
	Rebalance(ctx context.Context, poolID string, dir domain.RebalanceDirection, amount *big.Int, initiator string) (service.AllocationResult, error)
	InitiateInvestmentTransfer(ctx context.Context, poolID, initiator string) (service.AllocationResult, error)
	InitiateMaturityReturn(ctx context.Context, poolID string, amount *big.Int, initiator string) (service.AllocationResult, error)
	ConfirmOperation(ctx context.Context, opID, txRef string) (domain.SPVOperation, error)
	CancelOperation(ctx context.Context, opID string) (domain.SPVOperation, error)
	GetOperation(ctx context.Context, opID string) (domain.SPVOperation, error)
	ListOperations(ctx context.Context, poolID string, opts domain.ListOpts) ([]domain.SPVOperation, error)
}

// ReserveHandler serves reserve and operation HTTP endpoints.
type ReserveHandler struct {
	reserve ReserveService
	logger  *slog.Logger
}

// NewReserveHandler creates a ReserveHandler with the given service and logger.
func NewReserveHandler(reserve ReserveService, logger *slog.Logger) *ReserveHandler {
	return &ReserveHandler{
		reserve: reserve,
		logger:  logger,
	}
}

// Snapshot returns the pool's current reserve reading from the ledger.
// GET /api/pools/{id}/reserve
func (h *ReserveHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")

	snap, err := h.reserve.Snapshot(r.Context(), poolID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

type allocateRequest struct {
	Amount    string `json:"amount"`
	Initiator string `json:"initiator"`
}

// Allocate prepares an allocation of buffer cash to the pool's operator,
// enforcing the reserve floor.
// POST /api/pools/{id}/allocations
func (h *ReserveHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")
	var req allocateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.reserve.Allocate(r.Context(), poolID, amount, req.Initiator)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: allocate failed",
			slog.String("pool_id", poolID),
			slog.String("amount", amount.String()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

type rebalanceRequest struct {
	Direction string `json:"direction"`
	Amount    string `json:"amount"`
	Initiator string `json:"initiator"`
}

// Rebalance prepares a buffer correction toward the reserve target.
// POST /api/pools/{id}/rebalances
func (h *ReserveHandler) Rebalance(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")
	var req rebalanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	dir := domain.RebalanceDirection(req.Direction)
	if dir != domain.RebalanceInvest && dir != domain.RebalanceLiquidate {
		writeError(w, http.StatusBadRequest, "direction must be invest or liquidate")
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.reserve.Rebalance(r.Context(), poolID, dir, amount, req.Initiator)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// InvestmentTransfer prepares the full-principal transfer for a filled
// single-maturity pool.
// POST /api/pools/{id}/investment-transfer
func (h *ReserveHandler) InvestmentTransfer(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")
	var req struct {
		Initiator string `json:"initiator"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.reserve.InitiateInvestmentTransfer(r.Context(), poolID, req.Initiator)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// MaturityReturn prepares the return of principal plus yield for a matured
// single-maturity investment.
// POST /api/pools/{id}/maturity-return
func (h *ReserveHandler) MaturityReturn(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")
	var req allocateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.reserve.InitiateMaturityReturn(r.Context(), poolID, amount, req.Initiator)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// ListOperations returns the pool's operation history.
// GET /api/pools/{id}/operations
func (h *ReserveHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")
	opts := parseListOpts(r)

	ops, err := h.reserve.ListOperations(r.Context(), poolID, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"operations": ops,
		"limit":      opts.Limit,
		"offset":     opts.Offset,
	})
}

// GetOperation returns one operation by ID.
// GET /api/operations/{id}
func (h *ReserveHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	opID := pathParam(r, "id")

	op, err := h.reserve.GetOperation(r.Context(), opID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, op)
}

// ConfirmOperation settles a pending operation with its transaction
// reference and applies any pool transition it implies.
// POST /api/operations/{id}/confirm
func (h *ReserveHandler) ConfirmOperation(w http.ResponseWriter, r *http.Request) {
	opID := pathParam(r, "id")
	var req struct {
		TxRef string `json:"tx_ref"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TxRef == "" {
		writeError(w, http.StatusBadRequest, "missing tx_ref")
		return
	}

	op, err := h.reserve.ConfirmOperation(r.Context(), opID, req.TxRef)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: confirm operation failed",
			slog.String("operation_id", opID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, op)
}

// CancelOperation abandons a pending operation.
// POST /api/operations/{id}/cancel
func (h *ReserveHandler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	opID := pathParam(r, "id")

	op, err := h.reserve.CancelOperation(r.Context(), opID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, op)
}
