// Package service implements the application's use cases on top of the
// domain stores and the ledger gateway.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// PoolService manages the pool lifecycle mirror: registration, deployment
// confirmation, status transitions, and administrative pause.
type PoolService struct {
	pools   domain.PoolStore
	gateway domain.LedgerGateway
	bus     domain.SignalBus
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewPoolService creates a PoolService with all required dependencies.
func NewPoolService(
	pools domain.PoolStore,
	gateway domain.LedgerGateway,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PoolService {
	return &PoolService{
		pools:   pools,
		gateway: gateway,
		bus:     bus,
		audit:   audit,
		logger:  logger,
	}
}

// CreatePoolParams carries the operator's registration input.
type CreatePoolParams struct {
	ChainID         int64
	Address         common.Address
	Name            string
	Variant         domain.PoolVariant
	Asset           domain.Asset
	MinInvestment   *big.Int
	TargetRaise     *big.Int
	FundingDeadline *time.Time
	MaturityDate    *time.Time
	SPVAddress      common.Address
}

func (p CreatePoolParams) validate() error {
	if !p.Variant.Valid() {
		return &domain.ValidationError{Field: "variant", Reason: string(p.Variant) + " is not a known pool variant"}
	}
	if p.Name == "" {
		return &domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if p.MinInvestment == nil || p.MinInvestment.Sign() <= 0 {
		return &domain.ValidationError{Field: "min_investment", Reason: "must be positive"}
	}
	if p.Asset.Address == (common.Address{}) {
		return &domain.ValidationError{Field: "asset", Reason: "asset address is required"}
	}

	switch p.Variant {
	case domain.VariantSingleMaturity:
		if p.TargetRaise == nil || p.TargetRaise.Sign() <= 0 {
			return &domain.ValidationError{Field: "target_raise", Reason: "required for single-maturity pools"}
		}
		if p.FundingDeadline == nil {
			return &domain.ValidationError{Field: "funding_deadline", Reason: "required for single-maturity pools"}
		}
		if p.MaturityDate == nil {
			return &domain.ValidationError{Field: "maturity_date", Reason: "required for single-maturity pools"}
		}
		if !p.MaturityDate.After(*p.FundingDeadline) {
			return &domain.ValidationError{Field: "maturity_date", Reason: "must be after the funding deadline"}
		}
	case domain.VariantStableYield, domain.VariantLockedTerm:
		if p.SPVAddress == (common.Address{}) {
			return &domain.ValidationError{Field: "spv_address", Reason: "required for continuously allocating pools"}
		}
	}
	return nil
}

// CreatePool registers a new pool mirror in PENDING_DEPLOYMENT.
func (s *PoolService) CreatePool(ctx context.Context, params CreatePoolParams) (domain.Pool, error) {
	if err := params.validate(); err != nil {
		return domain.Pool{}, err
	}

	now := time.Now().UTC()
	pool := domain.Pool{
		ID:              uuid.New().String(),
		ChainID:         params.ChainID,
		Address:         params.Address,
		Name:            params.Name,
		Variant:         params.Variant,
		Status:          domain.StatusPendingDeployment,
		IsActive:        true,
		Asset:           params.Asset,
		MinInvestment:   params.MinInvestment,
		TargetRaise:     params.TargetRaise,
		FundingDeadline: params.FundingDeadline,
		MaturityDate:    params.MaturityDate,
		SPVAddress:      params.SPVAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.pools.Create(ctx, pool); err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: create: %w", err)
	}

	s.logAudit(ctx, "pool.created", map[string]any{
		"pool_id": pool.ID,
		"variant": string(pool.Variant),
		"address": pool.Address.Hex(),
	})
	s.publish(ctx, pool.ID, "created", string(pool.Status))

	s.logger.InfoContext(ctx, "pool_service: pool registered",
		slog.String("pool_id", pool.ID),
		slog.String("variant", string(pool.Variant)),
	)
	return pool, nil
}

// GetPool retrieves a pool by ID.
func (s *PoolService) GetPool(ctx context.Context, id string) (domain.Pool, error) {
	pool, err := s.pools.GetByID(ctx, id)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: get %q: %w", id, err)
	}
	return pool, nil
}

// GetPoolByAddress retrieves a pool by its on-chain identity.
func (s *PoolService) GetPoolByAddress(ctx context.Context, chainID int64, address string) (domain.Pool, error) {
	if !common.IsHexAddress(address) {
		return domain.Pool{}, &domain.ValidationError{Field: "address", Reason: "not a hex address"}
	}
	pool, err := s.pools.GetByAddress(ctx, chainID, common.HexToAddress(address).Hex())
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: get by address %q: %w", address, err)
	}
	return pool, nil
}

// ListPools returns pools matching the filter, plus the unpaginated total.
func (s *PoolService) ListPools(ctx context.Context, filter domain.PoolFilter, opts domain.ListOpts) ([]domain.Pool, int64, error) {
	pools, err := s.pools.List(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("pool_service: list: %w", err)
	}
	total, err := s.pools.Count(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("pool_service: count: %w", err)
	}
	return pools, total, nil
}

// ConfirmDeployment verifies the deployment transaction on-chain and moves
// the pool into FUNDING. Confirming an already-live pool is a no-op, so
// indexer retries are harmless.
func (s *PoolService) ConfirmDeployment(ctx context.Context, id, txRef string) (domain.Pool, error) {
	pool, err := s.pools.GetByID(ctx, id)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: get %q: %w", id, err)
	}

	if pool.Status != domain.StatusPendingDeployment {
		return pool, nil
	}

	confirmed, err := s.gateway.ConfirmDeployment(ctx, &pool, txRef)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: confirm deployment %q: %w", id, err)
	}
	if !confirmed {
		return domain.Pool{}, &domain.ConfirmationError{TxRef: txRef, Reason: "transaction not confirmed or pool has no code"}
	}

	if err := s.transition(ctx, &pool, domain.StatusFunding); err != nil {
		return domain.Pool{}, err
	}

	// Best-effort escrow backfill; reconciliation picks up anything missed.
	if escrow, ok, escrowErr := s.gateway.EscrowAddress(ctx, &pool); escrowErr == nil && ok {
		if err := s.pools.SetEscrowAddress(ctx, pool.ID, escrow.Hex()); err != nil {
			s.logger.WarnContext(ctx, "pool_service: escrow backfill failed",
				slog.String("pool_id", pool.ID),
				slog.String("error", err.Error()),
			)
		} else {
			pool.EscrowAddress = &escrow
		}
	}

	s.logAudit(ctx, "pool.deployed", map[string]any{
		"pool_id": pool.ID,
		"tx_ref":  txRef,
	})
	return pool, nil
}

// CloseFunding ends a single-maturity pool's raise, moving it to FILLED.
// The operator drives the call, but the funding deadline must have elapsed
// first; the raise cannot be closed early.
func (s *PoolService) CloseFunding(ctx context.Context, id string, now time.Time) (domain.Pool, error) {
	pool, err := s.pools.GetByID(ctx, id)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: get %q: %w", id, err)
	}
	if pool.Variant != domain.VariantSingleMaturity {
		return domain.Pool{}, domain.Preconditionf("pool %s is %s: only single-maturity pools close funding", id, pool.Variant)
	}
	if pool.FundingDeadline == nil || now.Before(*pool.FundingDeadline) {
		return domain.Pool{}, domain.Preconditionf("pool %s funding deadline has not elapsed", id)
	}
	if err := s.transition(ctx, &pool, domain.StatusFilled); err != nil {
		return domain.Pool{}, err
	}
	s.logAudit(ctx, "pool.funding_closed", map[string]any{"pool_id": pool.ID})
	return pool, nil
}

// MarkMatured moves an invested single-maturity pool to MATURED once its
// maturity date has passed.
func (s *PoolService) MarkMatured(ctx context.Context, id string, now time.Time) (domain.Pool, error) {
	pool, err := s.pools.GetByID(ctx, id)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: get %q: %w", id, err)
	}
	if pool.Variant != domain.VariantSingleMaturity {
		return domain.Pool{}, domain.Preconditionf("pool %s is %s: only single-maturity pools mature as a whole", id, pool.Variant)
	}
	if pool.MaturityDate == nil || now.Before(*pool.MaturityDate) {
		return domain.Pool{}, domain.Preconditionf("pool %s has not reached its maturity date", id)
	}
	if err := s.transition(ctx, &pool, domain.StatusMatured); err != nil {
		return domain.Pool{}, err
	}
	s.logAudit(ctx, "pool.matured", map[string]any{"pool_id": pool.ID})
	return pool, nil
}

// Cancel rejects a pool before it has gone live. If the pool is already
// deployed, an unsigned pause instruction is returned so the operator can
// freeze the contract alongside the mirror.
func (s *PoolService) Cancel(ctx context.Context, id, reason string) (domain.Pool, *domain.UnsignedInstruction, error) {
	pool, err := s.pools.GetByID(ctx, id)
	if err != nil {
		return domain.Pool{}, nil, fmt.Errorf("pool_service: get %q: %w", id, err)
	}

	// Build the pause instruction before committing the transition: once
	// the pool is CANCELLED a retry cannot re-enter, so a gateway failure
	// here must leave the mirror untouched.
	var instruction *domain.UnsignedInstruction
	if pool.Deployed() {
		ins, insErr := s.gateway.PreparePause(ctx, &pool)
		if insErr != nil {
			return domain.Pool{}, nil, fmt.Errorf("pool_service: prepare pause %q: %w", id, insErr)
		}
		instruction = &ins
	}

	if err := s.transition(ctx, &pool, domain.StatusCancelled); err != nil {
		return domain.Pool{}, nil, err
	}

	s.logAudit(ctx, "pool.cancelled", map[string]any{
		"pool_id": pool.ID,
		"reason":  reason,
	})
	return pool, instruction, nil
}

// Close winds down a live pool. Like Cancel it returns the pause instruction
// for the on-chain side.
func (s *PoolService) Close(ctx context.Context, id, reason string) (domain.Pool, *domain.UnsignedInstruction, error) {
	pool, err := s.pools.GetByID(ctx, id)
	if err != nil {
		return domain.Pool{}, nil, fmt.Errorf("pool_service: get %q: %w", id, err)
	}

	// Same ordering as Cancel: a failed gateway call must not strand the
	// pool in a terminal state with no pause instruction issued.
	var instruction *domain.UnsignedInstruction
	if pool.Deployed() {
		ins, insErr := s.gateway.PreparePause(ctx, &pool)
		if insErr != nil {
			return domain.Pool{}, nil, fmt.Errorf("pool_service: prepare pause %q: %w", id, insErr)
		}
		instruction = &ins
	}

	if err := s.transition(ctx, &pool, domain.StatusClosed); err != nil {
		return domain.Pool{}, nil, err
	}

	s.logAudit(ctx, "pool.closed", map[string]any{
		"pool_id": pool.ID,
		"reason":  reason,
	})
	return pool, instruction, nil
}

// SetPaused toggles the administrative pause flag on the mirror. Mutating
// operations check the flag before acting.
func (s *PoolService) SetPaused(ctx context.Context, id string, paused bool) (domain.Pool, error) {
	pool, err := s.pools.GetByID(ctx, id)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: get %q: %w", id, err)
	}
	if pool.Status.Terminal() {
		return domain.Pool{}, domain.Preconditionf("pool %s is %s, a terminal state", id, pool.Status)
	}
	if pool.Paused == paused {
		return pool, nil
	}

	if err := s.pools.SetPaused(ctx, id, paused); err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: set paused %q: %w", id, err)
	}
	pool.Paused = paused

	event := "pool.paused"
	if !paused {
		event = "pool.unpaused"
	}
	s.logAudit(ctx, event, map[string]any{"pool_id": pool.ID})
	s.publish(ctx, pool.ID, event, string(pool.Status))
	return pool, nil
}

// IngestAnalytics updates the display/scoring mirror from the indexer feed.
// These figures are never used for reserve decisions.
func (s *PoolService) IngestAnalytics(ctx context.Context, id string, nav *big.Int, projectedYieldBps, actualYieldBps int64, asOf time.Time) (domain.Pool, error) {
	pool, err := s.pools.GetByID(ctx, id)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: get %q: %w", id, err)
	}
	if nav != nil && nav.Sign() < 0 {
		return domain.Pool{}, &domain.ValidationError{Field: "nav", Reason: "must not be negative"}
	}

	if err := s.pools.UpdateAnalytics(ctx, id, nav, asOf, projectedYieldBps, actualYieldBps); err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: update analytics %q: %w", id, err)
	}

	pool.TotalNAV = nav
	pool.NAVUpdatedAt = &asOf
	pool.ProjectedYieldBps = projectedYieldBps
	pool.ActualYieldBps = actualYieldBps
	pool.UpdatedAt = time.Now().UTC()
	return pool, nil
}

// transition validates the move against the variant's state machine, then
// applies it with a compare-and-set so a concurrent transition loses cleanly.
func (s *PoolService) transition(ctx context.Context, pool *domain.Pool, to domain.PoolStatus) error {
	from := pool.Status
	if err := domain.Transition(pool, to); err != nil {
		return err
	}

	if err := s.pools.UpdateStatus(ctx, pool.ID, from, to); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Preconditionf("pool %s left %s concurrently", pool.ID, from)
		}
		return fmt.Errorf("pool_service: transition %s -> %s: %w", from, to, err)
	}

	s.logger.InfoContext(ctx, "pool_service: status transition",
		slog.String("pool_id", pool.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	s.publish(ctx, pool.ID, "status_changed", string(to))
	return nil
}

func (s *PoolService) publish(ctx context.Context, poolID, event, status string) {
	evt, _ := json.Marshal(map[string]string{
		"pool_id": poolID,
		"event":   event,
		"status":  status,
	})
	if pubErr := s.bus.Publish(ctx, "pools", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "pool_service: publish failed",
			slog.String("pool_id", poolID),
			slog.String("error", pubErr.Error()),
		)
	}
}

func (s *PoolService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "pool_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
