package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/piron-finance/piron-backend/internal/domain"
	"github.com/piron-finance/piron-backend/internal/service"
)

// TierService defines the methods that the tier handler requires from the
// service layer.
type TierService interface {
	CreateTier(ctx context.Context, params service.CreateTierParams) (domain.LockTier, error)
	SetTierActive(ctx context.Context, tierID string, active bool) (domain.LockTier, error)
	ListTiers(ctx context.Context, poolID string, activeOnly bool) ([]domain.LockTier, error)
	OpenPosition(ctx context.Context, params service.OpenPositionParams) (domain.LockedPosition, error)
	SweepMatured(ctx context.Context, poolID string, now time.Time) (int, error)
	Redeem(ctx context.Context, positionID string) (domain.LockedPosition, error)
	EarlyExit(ctx context.Context, positionID string) (domain.LockedPosition, *big.Int, error)
	Rollover(ctx context.Context, positionID, newTierID string) (domain.LockedPosition, error)
	GetPosition(ctx context.Context, id string) (domain.LockedPosition, error)
	ListPositions(ctx context.Context, poolID string, state domain.PositionState, opts domain.ListOpts) ([]domain.LockedPosition, error)
}

// TierHandler serves locked-term tier and position HTTP endpoints.
type TierHandler struct {
	tiers  TierService
	logger *slog.Logger
}

// NewTierHandler creates a TierHandler with the given service and logger.
func NewTierHandler(tiers TierService, logger *slog.Logger) *TierHandler {
	return &TierHandler{
		tiers:  tiers,
		logger: logger,
	}
}

type createTierRequest struct {
	DurationDays        int64  `json:"duration_days"`
	APYBps              int64  `json:"apy_bps"`
	EarlyExitPenaltyBps int64  `json:"early_exit_penalty_bps"`
	MinDeposit          string `json:"min_deposit"`
}

// CreateTier adds a deposit tier to a locked-term pool.
// POST /api/pools/{id}/tiers
func (h *TierHandler) CreateTier(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")
	var req createTierRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	minDeposit, err := parseAmount("min_deposit", req.MinDeposit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	tier, err := h.tiers.CreateTier(r.Context(), service.CreateTierParams{
		PoolID:              poolID,
		Duration:            time.Duration(req.DurationDays) * 24 * time.Hour,
		APYBps:              req.APYBps,
		EarlyExitPenaltyBps: req.EarlyExitPenaltyBps,
		MinDeposit:          minDeposit,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tier)
}

// ListTiers returns a pool's tiers.
// GET /api/pools/{id}/tiers?active=true
func (h *TierHandler) ListTiers(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")
	activeOnly := r.URL.Query().Get("active") == "true"

	tiers, err := h.tiers.ListTiers(r.Context(), poolID, activeOnly)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tiers": tiers})
}

// SetTierActive opens or closes a tier for new deposits.
// POST /api/tiers/{id}/active
func (h *TierHandler) SetTierActive(w http.ResponseWriter, r *http.Request) {
	tierID := pathParam(r, "id")
	var req struct {
		Active bool `json:"active"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	tier, err := h.tiers.SetTierActive(r.Context(), tierID, req.Active)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tier)
}

type openPositionRequest struct {
	TierID   string `json:"tier_id"`
	Investor string `json:"investor"`
	Amount   string `json:"amount"`
}

// OpenPosition records a locked deposit against a tier.
// POST /api/positions
func (h *TierHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	position, err := h.tiers.OpenPosition(r.Context(), service.OpenPositionParams{
		TierID:   req.TierID,
		Investor: common.HexToAddress(req.Investor),
		Amount:   amount,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, position)
}

// ListPositions returns positions for a pool, optionally filtered by state.
// GET /api/pools/{id}/positions?state=active
func (h *TierHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")
	opts := parseListOpts(r)
	state := domain.PositionState(r.URL.Query().Get("state"))

	positions, err := h.tiers.ListPositions(r.Context(), poolID, state, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

// SweepMatured flips every active position past its maturity date to matured.
// POST /api/pools/{id}/positions/sweep
func (h *TierHandler) SweepMatured(w http.ResponseWriter, r *http.Request) {
	poolID := pathParam(r, "id")

	matured, err := h.tiers.SweepMatured(r.Context(), poolID, time.Now().UTC())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: sweep matured failed",
			slog.String("pool_id", poolID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"matured": matured})
}

// GetPosition returns one position by ID.
// GET /api/positions/{id}
func (h *TierHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	position, err := h.tiers.GetPosition(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, position)
}

// Redeem pays out a matured position.
// POST /api/positions/{id}/redeem
func (h *TierHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	position, err := h.tiers.Redeem(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, position)
}

// EarlyExit closes an active position before maturity and reports the
// penalty withheld.
// POST /api/positions/{id}/early-exit
func (h *TierHandler) EarlyExit(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	position, penalty, err := h.tiers.EarlyExit(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"position": position,
		"penalty":  penalty.String(),
	})
}

// Rollover re-locks a matured position into a new tier at the tier's current
// terms.
// POST /api/positions/{id}/rollover
func (h *TierHandler) Rollover(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req struct {
		TierID string `json:"tier_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TierID == "" {
		writeError(w, http.StatusBadRequest, "missing tier_id")
		return
	}

	position, err := h.tiers.Rollover(r.Context(), id, req.TierID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, position)
}
