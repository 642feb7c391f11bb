package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// TierService manages locked-term deposit tiers and the per-position
// maturity state machine that rides on top of them.
type TierService struct {
	pools     domain.PoolStore
	tiers     domain.TierStore
	positions domain.PositionStore
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewTierService creates a TierService with all required dependencies.
func NewTierService(
	pools domain.PoolStore,
	tiers domain.TierStore,
	positions domain.PositionStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *TierService {
	return &TierService{
		pools:     pools,
		tiers:     tiers,
		positions: positions,
		audit:     audit,
		logger:    logger,
	}
}

// CreateTierParams carries a new tier definition.
type CreateTierParams struct {
	PoolID              string
	Duration            time.Duration
	APYBps              int64
	EarlyExitPenaltyBps int64
	MinDeposit          *big.Int
}

func (p CreateTierParams) validate() error {
	if p.Duration <= 0 {
		return &domain.ValidationError{Field: "duration", Reason: "must be positive"}
	}
	if p.APYBps < 0 {
		return &domain.ValidationError{Field: "apy_bps", Reason: "must not be negative"}
	}
	if p.EarlyExitPenaltyBps < 0 || p.EarlyExitPenaltyBps > 10_000 {
		return &domain.ValidationError{Field: "early_exit_penalty_bps", Reason: "must be between 0 and 10000"}
	}
	if p.MinDeposit == nil || p.MinDeposit.Sign() <= 0 {
		return &domain.ValidationError{Field: "min_deposit", Reason: "must be positive"}
	}
	return nil
}

// CreateTier adds a deposit tier to a locked-term pool.
func (s *TierService) CreateTier(ctx context.Context, params CreateTierParams) (domain.LockTier, error) {
	if err := params.validate(); err != nil {
		return domain.LockTier{}, err
	}

	pool, err := s.pools.GetByID(ctx, params.PoolID)
	if err != nil {
		return domain.LockTier{}, fmt.Errorf("tier_service: get pool %q: %w", params.PoolID, err)
	}
	if pool.Variant != domain.VariantLockedTerm {
		return domain.LockTier{}, domain.Preconditionf("pool %s is %s: tiers apply to locked-term pools", pool.ID, pool.Variant)
	}
	if pool.Status.Terminal() {
		return domain.LockTier{}, domain.Preconditionf("pool %s is %s, a terminal state", pool.ID, pool.Status)
	}

	now := time.Now().UTC()
	tier := domain.LockTier{
		ID:                  uuid.New().String(),
		PoolID:              pool.ID,
		Duration:            params.Duration,
		APYBps:              params.APYBps,
		EarlyExitPenaltyBps: params.EarlyExitPenaltyBps,
		MinDeposit:          params.MinDeposit,
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.tiers.Create(ctx, tier); err != nil {
		return domain.LockTier{}, fmt.Errorf("tier_service: create tier: %w", err)
	}

	s.logAudit(ctx, "tier.created", map[string]any{
		"tier_id": tier.ID,
		"pool_id": tier.PoolID,
		"apy_bps": tier.APYBps,
	})
	return tier, nil
}

// SetTierActive opens or closes a tier to new deposits. Existing positions
// are unaffected.
func (s *TierService) SetTierActive(ctx context.Context, tierID string, active bool) (domain.LockTier, error) {
	tier, err := s.tiers.GetByID(ctx, tierID)
	if err != nil {
		return domain.LockTier{}, fmt.Errorf("tier_service: get tier %q: %w", tierID, err)
	}
	if tier.Active == active {
		return tier, nil
	}

	tier.Active = active
	tier.UpdatedAt = time.Now().UTC()
	if err := s.tiers.Update(ctx, tier); err != nil {
		return domain.LockTier{}, fmt.Errorf("tier_service: update tier %q: %w", tierID, err)
	}
	return tier, nil
}

// ListTiers returns a pool's tiers.
func (s *TierService) ListTiers(ctx context.Context, poolID string, activeOnly bool) ([]domain.LockTier, error) {
	tiers, err := s.tiers.ListByPool(ctx, poolID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("tier_service: list tiers %q: %w", poolID, err)
	}
	return tiers, nil
}

// OpenPositionParams carries one investor's locked deposit.
type OpenPositionParams struct {
	TierID   string
	Investor common.Address
	Amount   *big.Int
}

// OpenPosition records a locked deposit against a tier. The maturity date is
// fixed at deposit time from the tier's duration.
func (s *TierService) OpenPosition(ctx context.Context, params OpenPositionParams) (domain.LockedPosition, error) {
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return domain.LockedPosition{}, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if params.Investor == (common.Address{}) {
		return domain.LockedPosition{}, &domain.ValidationError{Field: "investor", Reason: "address is required"}
	}

	tier, err := s.tiers.GetByID(ctx, params.TierID)
	if err != nil {
		return domain.LockedPosition{}, fmt.Errorf("tier_service: get tier %q: %w", params.TierID, err)
	}
	if !tier.Active {
		return domain.LockedPosition{}, domain.Preconditionf("tier %s is closed to new deposits", tier.ID)
	}
	if params.Amount.Cmp(tier.MinDeposit) < 0 {
		return domain.LockedPosition{}, &domain.ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("below tier minimum %s", tier.MinDeposit),
		}
	}

	pool, err := s.pools.GetByID(ctx, tier.PoolID)
	if err != nil {
		return domain.LockedPosition{}, fmt.Errorf("tier_service: get pool %q: %w", tier.PoolID, err)
	}
	if pool.Paused {
		return domain.LockedPosition{}, domain.Preconditionf("pool %s is paused", pool.ID)
	}
	if pool.Status.Terminal() {
		return domain.LockedPosition{}, domain.Preconditionf("pool %s is %s, a terminal state", pool.ID, pool.Status)
	}

	now := time.Now().UTC()
	pos := domain.LockedPosition{
		ID:          uuid.New().String(),
		TierID:      tier.ID,
		PoolID:      tier.PoolID,
		Investor:    params.Investor,
		Amount:      new(big.Int).Set(params.Amount),
		State:       domain.PositionActive,
		DepositedAt: now,
		MaturesAt:   now.Add(tier.Duration),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.LockedPosition{}, fmt.Errorf("tier_service: create position: %w", err)
	}

	s.logAudit(ctx, "position.opened", map[string]any{
		"position_id": pos.ID,
		"tier_id":     pos.TierID,
		"amount":      pos.Amount.String(),
	})
	return pos, nil
}

// SweepMatured moves every active position past its maturity date to
// MATURED. Returns how many positions transitioned.
func (s *TierService) SweepMatured(ctx context.Context, poolID string, now time.Time) (int, error) {
	active, err := s.positions.ListByPool(ctx, poolID, domain.PositionActive, domain.ListOpts{Limit: 1000})
	if err != nil {
		return 0, fmt.Errorf("tier_service: list active positions %q: %w", poolID, err)
	}

	matured := 0
	for _, pos := range active {
		if !pos.Matured(now) {
			continue
		}
		if err := s.positions.UpdateState(ctx, pos.ID, domain.PositionActive, domain.PositionMatured); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue // raced with an early exit; nothing to do
			}
			return matured, fmt.Errorf("tier_service: mature position %q: %w", pos.ID, err)
		}
		matured++
	}

	if matured > 0 {
		s.logger.InfoContext(ctx, "tier_service: positions matured",
			slog.String("pool_id", poolID),
			slog.Int("count", matured),
		)
	}
	return matured, nil
}

// Redeem settles a matured position.
func (s *TierService) Redeem(ctx context.Context, positionID string) (domain.LockedPosition, error) {
	pos, err := s.transitionPosition(ctx, positionID, domain.PositionMatured, domain.PositionRedeemed)
	if err != nil {
		return domain.LockedPosition{}, err
	}
	s.logAudit(ctx, "position.redeemed", map[string]any{"position_id": pos.ID})
	return pos, nil
}

// EarlyExit exits an active position before maturity and returns the penalty
// withheld per the tier's rate.
func (s *TierService) EarlyExit(ctx context.Context, positionID string) (domain.LockedPosition, *big.Int, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.LockedPosition{}, nil, fmt.Errorf("tier_service: get position %q: %w", positionID, err)
	}
	tier, err := s.tiers.GetByID(ctx, pos.TierID)
	if err != nil {
		return domain.LockedPosition{}, nil, fmt.Errorf("tier_service: get tier %q: %w", pos.TierID, err)
	}

	pos, err = s.transitionPosition(ctx, positionID, domain.PositionActive, domain.PositionEarlyExit)
	if err != nil {
		return domain.LockedPosition{}, nil, err
	}

	penalty := domain.EarlyExitPenalty(pos.Amount, tier.EarlyExitPenaltyBps)
	s.logAudit(ctx, "position.early_exit", map[string]any{
		"position_id": pos.ID,
		"penalty":     penalty.String(),
	})
	return pos, penalty, nil
}

// Rollover re-locks a matured position into a new tier, closing the old
// position and opening a fresh one at today's terms.
func (s *TierService) Rollover(ctx context.Context, positionID, newTierID string) (domain.LockedPosition, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.LockedPosition{}, fmt.Errorf("tier_service: get position %q: %w", positionID, err)
	}

	newTier, err := s.tiers.GetByID(ctx, newTierID)
	if err != nil {
		return domain.LockedPosition{}, fmt.Errorf("tier_service: get tier %q: %w", newTierID, err)
	}
	if !newTier.Active {
		return domain.LockedPosition{}, domain.Preconditionf("tier %s is closed to new deposits", newTier.ID)
	}
	if newTier.PoolID != pos.PoolID {
		return domain.LockedPosition{}, domain.Preconditionf("tier %s belongs to a different pool", newTier.ID)
	}

	if _, err := s.transitionPosition(ctx, positionID, domain.PositionMatured, domain.PositionRolledOver); err != nil {
		return domain.LockedPosition{}, err
	}

	now := time.Now().UTC()
	next := domain.LockedPosition{
		ID:          uuid.New().String(),
		TierID:      newTier.ID,
		PoolID:      newTier.PoolID,
		Investor:    pos.Investor,
		Amount:      new(big.Int).Set(pos.Amount),
		State:       domain.PositionActive,
		DepositedAt: now,
		MaturesAt:   now.Add(newTier.Duration),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.positions.Create(ctx, next); err != nil {
		return domain.LockedPosition{}, fmt.Errorf("tier_service: create rollover position: %w", err)
	}

	s.logAudit(ctx, "position.rolled_over", map[string]any{
		"position_id": positionID,
		"next_id":     next.ID,
		"tier_id":     newTier.ID,
	})
	return next, nil
}

// GetPosition retrieves one position.
func (s *TierService) GetPosition(ctx context.Context, id string) (domain.LockedPosition, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.LockedPosition{}, fmt.Errorf("tier_service: get position %q: %w", id, err)
	}
	return pos, nil
}

// ListPositions lists a pool's positions, optionally filtered by state.
func (s *TierService) ListPositions(ctx context.Context, poolID string, state domain.PositionState, opts domain.ListOpts) ([]domain.LockedPosition, error) {
	positions, err := s.positions.ListByPool(ctx, poolID, state, opts)
	if err != nil {
		return nil, fmt.Errorf("tier_service: list positions %q: %w", poolID, err)
	}
	return positions, nil
}

// transitionPosition validates and applies a position state change with a
// compare-and-set.
func (s *TierService) transitionPosition(ctx context.Context, id string, from, to domain.PositionState) (domain.LockedPosition, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.LockedPosition{}, fmt.Errorf("tier_service: get position %q: %w", id, err)
	}
	if pos.State != from {
		return domain.LockedPosition{}, domain.Preconditionf("position %s is %s, expected %s", id, pos.State, from)
	}
	if err := domain.CanTransitionPosition(from, to); err != nil {
		return domain.LockedPosition{}, err
	}

	if err := s.positions.UpdateState(ctx, id, from, to); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.LockedPosition{}, domain.Preconditionf("position %s left %s concurrently", id, from)
		}
		return domain.LockedPosition{}, fmt.Errorf("tier_service: transition position %s -> %s: %w", from, to, err)
	}
	pos.State = to
	return pos, nil
}

func (s *TierService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "tier_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
