package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/piron-finance/piron-backend/internal/domain"
	"github.com/piron-finance/piron-backend/internal/service"
)

// PoolService defines the methods that the pool handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type PoolService interface {
	CreatePool(ctx context.Context, params service.CreatePoolParams) (domain.Pool, error)
	GetPool(ctx context.Context, id string) (domain.Pool, error)
	GetPoolByAddress(ctx context.Context, chainID int64, address string) (domain.Pool, error)
	ListPools(ctx context.Context, filter domain.PoolFilter, opts domain.ListOpts) ([]domain.Pool, int64, error)
	ConfirmDeployment(ctx context.Context, id, txRef string) (domain.Pool, error)
	CloseFunding(ctx context.Context, id string, now time.Time) (domain.Pool, error)
	MarkMatured(ctx context.Context, id string, now time.Time) (domain.Pool, error)
	Cancel(ctx context.Context, id, reason string) (domain.Pool, *domain.UnsignedInstruction, error)
	Close(ctx context.Context, id, reason string) (domain.Pool, *domain.UnsignedInstruction, error)
	SetPaused(ctx context.Context, id string, paused bool) (domain.Pool, error)
	IngestAnalytics(ctx context.Context, id string, nav *big.Int, projectedYieldBps, actualYieldBps int64, asOf time.Time) (domain.Pool, error)
}

// PoolHandler serves pool lifecycle HTTP endpoints.
type PoolHandler struct {
	pools  PoolService
	logger *slog.Logger
}

// NewPoolHandler creates a PoolHandler with the given service and logger.
func NewPoolHandler(pools PoolService, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{
		pools:  pools,
		logger: logger,
	}
}

type createPoolRequest struct {
	ChainID         int64      `json:"chain_id"`
	Address         string     `json:"address"`
	Name            string     `json:"name"`
	Variant         string     `json:"variant"`
	Asset           assetBody  `json:"asset"`
	MinInvestment   string     `json:"min_investment"`
	TargetRaise     string     `json:"target_raise,omitempty"`
	FundingDeadline *time.Time `json:"funding_deadline,omitempty"`
	MaturityDate    *time.Time `json:"maturity_date,omitempty"`
	SPVAddress      string     `json:"spv_address,omitempty"`
}

type assetBody struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// CreatePool registers a new pool mirror in pending_deployment.
// POST /api/pools
func (h *PoolHandler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	minInvestment, err := parseAmount("min_investment", req.MinInvestment)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	params := service.CreatePoolParams{
		ChainID:         req.ChainID,
		Address:         common.HexToAddress(req.Address),
		Name:            req.Name,
		Variant:         domain.PoolVariant(req.Variant),
		Asset:           domain.Asset{Address: common.HexToAddress(req.Asset.Address), Symbol: req.Asset.Symbol, Decimals: req.Asset.Decimals},
		MinInvestment:   minInvestment,
		FundingDeadline: req.FundingDeadline,
		MaturityDate:    req.MaturityDate,
		SPVAddress:      common.HexToAddress(req.SPVAddress),
	}
	if req.TargetRaise != "" {
		if params.TargetRaise, err = parseAmount("target_raise", req.TargetRaise); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	pool, err := h.pools.CreatePool(r.Context(), params)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: create pool failed",
			slog.String("name", req.Name),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, pool)
}

// listPoolsResponse wraps the list endpoint output with metadata.
type listPoolsResponse struct {
	Pools  []domain.Pool `json:"pools"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListPools returns pools, optionally filtered by variant, status, and
// activity.
// GET /api/pools?variant=stable_yield&status=invested&active=true
func (h *PoolHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	q := r.URL.Query()
	filter := domain.PoolFilter{
		Variant:    domain.PoolVariant(q.Get("variant")),
		Status:     domain.PoolStatus(q.Get("status")),
		ActiveOnly: q.Get("active") == "true",
	}

	pools, total, err := h.pools.ListPools(r.Context(), filter, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list pools failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listPoolsResponse{
		Pools:  pools,
		Total:  total,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// GetPool returns a single pool by its ID.
// GET /api/pools/{id}
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing pool id")
		return
	}

	pool, err := h.pools.GetPool(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pool)
}

// GetPoolByAddress resolves a pool from its chain ID and contract address.
// GET /api/pools/by-address/{chainID}/{address}
func (h *PoolHandler) GetPoolByAddress(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseInt(pathParam(r, "chainID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}
	address := pathParam(r, "address")
	if !common.IsHexAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid pool address")
		return
	}

	pool, err := h.pools.GetPoolByAddress(r.Context(), chainID, address)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pool)
}

// ConfirmDeployment verifies the deployment transaction on the ledger and
// opens the pool for funding.
// POST /api/pools/{id}/confirm-deployment
func (h *PoolHandler) ConfirmDeployment(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
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

	pool, err := h.pools.ConfirmDeployment(r.Context(), id, req.TxRef)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: confirm deployment failed",
			slog.String("pool_id", id),
			slog.String("tx_ref", req.TxRef),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pool)
}

// CloseFunding moves a single-maturity pool from funding to filled.
// POST /api/pools/{id}/close-funding
func (h *PoolHandler) CloseFunding(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	pool, err := h.pools.CloseFunding(r.Context(), id, time.Now().UTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pool)
}

// MarkMatured records that a single-maturity pool has reached its maturity
// date.
// POST /api/pools/{id}/mature
func (h *PoolHandler) MarkMatured(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	pool, err := h.pools.MarkMatured(r.Context(), id, time.Now().UTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pool)
}

// poolActionResponse carries the updated pool plus an optional unsigned
// ledger instruction for the operator to sign.
type poolActionResponse struct {
	Pool        domain.Pool                 `json:"pool"`
	Instruction *domain.UnsignedInstruction `json:"instruction,omitempty"`
}

// Cancel rejects a pool that has not yet been invested. Deployed pools get a
// pause instruction back.
// POST /api/pools/{id}/cancel
func (h *PoolHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pool, instruction, err := h.pools.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, poolActionResponse{Pool: pool, Instruction: instruction})
}

// Close winds down a matured or invested pool.
// POST /api/pools/{id}/close
func (h *PoolHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pool, instruction, err := h.pools.Close(r.Context(), id, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, poolActionResponse{Pool: pool, Instruction: instruction})
}

// SetPaused toggles the pool's emergency pause mirror flag.
// POST /api/pools/{id}/pause
func (h *PoolHandler) SetPaused(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pool, err := h.pools.SetPaused(r.Context(), id, req.Paused)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pool)
}

type ingestAnalyticsRequest struct {
	NAV               string     `json:"nav"`
	ProjectedYieldBps int64      `json:"projected_yield_bps"`
	ActualYieldBps    int64      `json:"actual_yield_bps"`
	AsOf              *time.Time `json:"as_of,omitempty"`
}

// IngestAnalytics records a NAV and yield observation against the pool
// mirror.
// POST /api/pools/{id}/analytics
func (h *PoolHandler) IngestAnalytics(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req ingestAnalyticsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	nav, err := parseAmount("nav", req.NAV)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	asOf := time.Now().UTC()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	pool, err := h.pools.IngestAnalytics(r.Context(), id, nav, req.ProjectedYieldBps, req.ActualYieldBps, asOf)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pool)
}
