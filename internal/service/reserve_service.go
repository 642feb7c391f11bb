package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// Default lifetimes for reserve operations. A lock covers one
// read-decide-commit pass; an operation waits for external confirmation.
const (
	reserveLockTTL         = 30 * time.Second
	defaultOperationExpiry = 48 * time.Hour
)

// ReserveService is the liquidity reserve controller. Every decision is made
// from a fresh ledger read pass under a per-pool lock; the mirror's cached
// figures are never trusted for reserve math.
type ReserveService struct {
	pools    domain.PoolStore
	ops      domain.OperationStore
	gateway  domain.LedgerGateway
	locks    domain.LockManager
	bus      domain.SignalBus
	audit    domain.AuditStore
	logger   *slog.Logger
	opExpiry time.Duration
}

// NewReserveService creates a ReserveService with all required dependencies.
func NewReserveService(
	pools domain.PoolStore,
	ops domain.OperationStore,
	gateway domain.LedgerGateway,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ReserveService {
	return &ReserveService{
		pools:    pools,
		ops:      ops,
		gateway:  gateway,
		locks:    locks,
		bus:      bus,
		audit:    audit,
		logger:   logger,
		opExpiry: defaultOperationExpiry,
	}
}

// AllocationResult bundles the recorded operation with the unsigned
// instruction the operator signs, plus the reserve figures behind the
// decision. LowReserve warns that the buffer ends below target while still
// above the floor.
type AllocationResult struct {
	Operation    domain.SPVOperation        `json:"operation"`
	Instruction  domain.UnsignedInstruction `json:"instruction"`
	ReserveAfter *big.Int                   `json:"reserve_after"`
	LowReserve   bool                       `json:"low_reserve"`
}

// Snapshot reads the pool's reserve state from the ledger. Stable-yield
// pools only; other variants have no managed buffer.
func (s *ReserveService) Snapshot(ctx context.Context, poolID string) (domain.ReserveSnapshot, error) {
	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return domain.ReserveSnapshot{}, fmt.Errorf("reserve_service: get pool %q: %w", poolID, err)
	}
	if pool.Variant != domain.VariantStableYield {
		return domain.ReserveSnapshot{}, domain.Preconditionf("pool %s is %s: reserve applies to stable-yield pools", poolID, pool.Variant)
	}
	return s.readSnapshot(ctx, &pool)
}

// Allocate proposes moving amount from the escrow buffer to the SPV. The
// whole read-decide-commit pass runs under the pool's lock so two concurrent
// allocations cannot both validate against the same buffer.
func (s *ReserveService) Allocate(ctx context.Context, poolID string, amount *big.Int, initiator string) (AllocationResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return AllocationResult{}, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: get pool %q: %w", poolID, err)
	}

	unlock, err := s.locks.Acquire(ctx, pool.Key(), reserveLockTTL)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: lock pool %q: %w", poolID, err)
	}
	defer unlock()

	// Re-read inside the lock: the losing caller of a race must see the
	// winner's transition.
	pool, err = s.pools.GetByID(ctx, poolID)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: get pool %q: %w", poolID, err)
	}
	if err := s.allocationGate(&pool); err != nil {
		return AllocationResult{}, err
	}

	snap, err := s.readSnapshot(ctx, &pool)
	if err != nil {
		return AllocationResult{}, err
	}
	reserveAfter, lowReserve, err := snap.CheckAllocation(amount)
	if err != nil {
		return AllocationResult{}, err
	}

	instruction, err := s.gateway.PrepareAllocation(ctx, &pool, pool.SPVAddress, amount)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: prepare allocation: %w", err)
	}

	op, err := s.recordOperation(ctx, &pool, domain.OpAllocation, amount, initiator)
	if err != nil {
		return AllocationResult{}, err
	}

	// A new proposal puts the pool back into PENDING_INVESTMENT unless it is
	// already there.
	if pool.Status != domain.StatusPendingInvestment {
		if err := s.transitionPool(ctx, &pool, domain.StatusPendingInvestment); err != nil {
			return AllocationResult{}, err
		}
	}

	if lowReserve {
		s.logger.WarnContext(ctx, "reserve_service: allocation leaves reserve below target",
			slog.String("pool_id", poolID),
			slog.String("reserve_after", reserveAfter.String()),
			slog.String("target", snap.TargetReserve.String()),
		)
	}
	s.logAudit(ctx, "reserve.allocation_proposed", map[string]any{
		"pool_id":       poolID,
		"operation_id":  op.ID,
		"amount":        amount.String(),
		"reserve_after": reserveAfter.String(),
		"low_reserve":   lowReserve,
	})

	return AllocationResult{
		Operation:    op,
		Instruction:  instruction,
		ReserveAfter: reserveAfter,
		LowReserve:   lowReserve,
	}, nil
}

// Rebalance proposes a corrective transfer toward the target reserve. The
// direction must match the current imbalance and the amount may not
// overshoot the target.
func (s *ReserveService) Rebalance(ctx context.Context, poolID string, dir domain.RebalanceDirection, amount *big.Int, initiator string) (AllocationResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return AllocationResult{}, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: get pool %q: %w", poolID, err)
	}

	unlock, err := s.locks.Acquire(ctx, pool.Key(), reserveLockTTL)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: lock pool %q: %w", poolID, err)
	}
	defer unlock()

	pool, err = s.pools.GetByID(ctx, poolID)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: get pool %q: %w", poolID, err)
	}
	if err := s.allocationGate(&pool); err != nil {
		return AllocationResult{}, err
	}

	snap, err := s.readSnapshot(ctx, &pool)
	if err != nil {
		return AllocationResult{}, err
	}
	if err := snap.CheckRebalance(dir); err != nil {
		return AllocationResult{}, err
	}

	gap := new(big.Int).Sub(snap.TargetReserve, snap.CurrentReserve)
	gap.Abs(gap)
	if amount.Cmp(gap) > 0 {
		return AllocationResult{}, &domain.ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("exceeds the %s gap to target (%s)", dir, gap),
		}
	}

	instruction, err := s.gateway.PrepareRebalance(ctx, &pool, dir, amount)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: prepare rebalance: %w", err)
	}

	opType := domain.OpRebalanceInvest
	if dir == domain.RebalanceLiquidate {
		opType = domain.OpRebalanceLiquidate
	}
	op, err := s.recordOperation(ctx, &pool, opType, amount, initiator)
	if err != nil {
		return AllocationResult{}, err
	}

	s.logAudit(ctx, "reserve.rebalance_proposed", map[string]any{
		"pool_id":      poolID,
		"operation_id": op.ID,
		"direction":    string(dir),
		"amount":       amount.String(),
	})

	return AllocationResult{Operation: op, Instruction: instruction, ReserveAfter: snap.CurrentReserve}, nil
}

// InitiateInvestmentTransfer proposes moving a filled single-maturity raise
// to the SPV in one transfer. The amount is the escrow's full balance.
func (s *ReserveService) InitiateInvestmentTransfer(ctx context.Context, poolID, initiator string) (AllocationResult, error) {
	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: get pool %q: %w", poolID, err)
	}

	unlock, err := s.locks.Acquire(ctx, pool.Key(), reserveLockTTL)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: lock pool %q: %w", poolID, err)
	}
	defer unlock()

	pool, err = s.pools.GetByID(ctx, poolID)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: get pool %q: %w", poolID, err)
	}
	if pool.Variant != domain.VariantSingleMaturity {
		return AllocationResult{}, domain.Preconditionf("pool %s is %s: investment transfer applies to single-maturity pools", poolID, pool.Variant)
	}
	if pool.Paused {
		return AllocationResult{}, domain.Preconditionf("pool %s is paused", poolID)
	}
	if pool.Status != domain.StatusFilled {
		return AllocationResult{}, domain.Preconditionf("pool %s is %s: investment transfer requires a filled raise", poolID, pool.Status)
	}

	amount, err := s.gateway.CashBuffer(ctx, &pool)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: read cash buffer: %w", err)
	}
	if amount.Sign() <= 0 {
		return AllocationResult{}, domain.Preconditionf("pool %s escrow holds no funds to transfer", poolID)
	}

	instruction, err := s.gateway.PrepareAllocation(ctx, &pool, pool.SPVAddress, amount)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: prepare investment transfer: %w", err)
	}

	op, err := s.recordOperation(ctx, &pool, domain.OpInvestmentTransfer, amount, initiator)
	if err != nil {
		return AllocationResult{}, err
	}
	if err := s.transitionPool(ctx, &pool, domain.StatusPendingInvestment); err != nil {
		return AllocationResult{}, err
	}

	s.logAudit(ctx, "reserve.investment_transfer_proposed", map[string]any{
		"pool_id":      poolID,
		"operation_id": op.ID,
		"amount":       amount.String(),
	})
	return AllocationResult{Operation: op, Instruction: instruction}, nil
}

// InitiateMaturityReturn proposes the principal-plus-yield return for an
// invested single-maturity pool past its maturity date.
func (s *ReserveService) InitiateMaturityReturn(ctx context.Context, poolID string, amount *big.Int, initiator string) (AllocationResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return AllocationResult{}, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: get pool %q: %w", poolID, err)
	}
	if pool.Variant != domain.VariantSingleMaturity {
		return AllocationResult{}, domain.Preconditionf("pool %s is %s: maturity return applies to single-maturity pools", poolID, pool.Variant)
	}
	if pool.Status != domain.StatusInvested {
		return AllocationResult{}, domain.Preconditionf("pool %s is %s: maturity return requires an invested pool", poolID, pool.Status)
	}
	if pool.MaturityDate == nil || time.Now().Before(*pool.MaturityDate) {
		return AllocationResult{}, domain.Preconditionf("pool %s has not reached its maturity date", poolID)
	}

	instruction, err := s.gateway.PrepareMaturityReturn(ctx, &pool, amount)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("reserve_service: prepare maturity return: %w", err)
	}

	op, err := s.recordOperation(ctx, &pool, domain.OpMaturityReturn, amount, initiator)
	if err != nil {
		return AllocationResult{}, err
	}

	s.logAudit(ctx, "reserve.maturity_return_proposed", map[string]any{
		"pool_id":      poolID,
		"operation_id": op.ID,
		"amount":       amount.String(),
	})
	return AllocationResult{Operation: op, Instruction: instruction}, nil
}

// ConfirmOperation records the settlement transaction for a pending
// operation and advances the pool lifecycle accordingly. Re-confirming a
// completed operation is a no-op.
func (s *ReserveService) ConfirmOperation(ctx context.Context, opID, txRef string) (domain.SPVOperation, error) {
	if txRef == "" {
		return domain.SPVOperation{}, &domain.ValidationError{Field: "tx_ref", Reason: "must not be empty"}
	}

	op, err := s.ops.GetByID(ctx, opID)
	if err != nil {
		return domain.SPVOperation{}, fmt.Errorf("reserve_service: get operation %q: %w", opID, err)
	}
	if op.Status == domain.OperationCompleted {
		return op, nil
	}
	if op.Status != domain.OperationPending {
		return domain.SPVOperation{}, domain.Preconditionf("operation %s is %s, not pending", opID, op.Status)
	}

	if err := s.ops.UpdateStatus(ctx, opID, domain.OperationPending, domain.OperationCompleted, &txRef); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SPVOperation{}, domain.Preconditionf("operation %s left pending concurrently", opID)
		}
		return domain.SPVOperation{}, fmt.Errorf("reserve_service: complete operation %q: %w", opID, err)
	}
	op.Status = domain.OperationCompleted
	op.TxRef = &txRef

	if err := s.settlePoolAfter(ctx, op); err != nil {
		return domain.SPVOperation{}, err
	}

	s.logAudit(ctx, "reserve.operation_completed", map[string]any{
		"operation_id": opID,
		"type":         string(op.Type),
		"tx_ref":       txRef,
	})
	s.publishOperation(ctx, op)
	return op, nil
}

// CancelOperation withdraws a pending proposal.
func (s *ReserveService) CancelOperation(ctx context.Context, opID string) (domain.SPVOperation, error) {
	op, err := s.ops.GetByID(ctx, opID)
	if err != nil {
		return domain.SPVOperation{}, fmt.Errorf("reserve_service: get operation %q: %w", opID, err)
	}
	if op.Status != domain.OperationPending {
		return domain.SPVOperation{}, domain.Preconditionf("operation %s is %s, not pending", opID, op.Status)
	}

	if err := s.ops.UpdateStatus(ctx, opID, domain.OperationPending, domain.OperationCancelled, nil); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SPVOperation{}, domain.Preconditionf("operation %s left pending concurrently", opID)
		}
		return domain.SPVOperation{}, fmt.Errorf("reserve_service: cancel operation %q: %w", opID, err)
	}
	op.Status = domain.OperationCancelled

	s.logAudit(ctx, "reserve.operation_cancelled", map[string]any{"operation_id": opID})
	s.publishOperation(ctx, op)
	return op, nil
}

// ExpireStaleOperations sweeps pending operations past their expiry.
func (s *ReserveService) ExpireStaleOperations(ctx context.Context) (int64, error) {
	swept, err := s.ops.ExpirePending(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reserve_service: expire pending: %w", err)
	}
	if swept > 0 {
		s.logger.InfoContext(ctx, "reserve_service: expired stale operations",
			slog.Int64("count", swept),
		)
	}
	return swept, nil
}

// GetOperation retrieves a single operation.
func (s *ReserveService) GetOperation(ctx context.Context, opID string) (domain.SPVOperation, error) {
	op, err := s.ops.GetByID(ctx, opID)
	if err != nil {
		return domain.SPVOperation{}, fmt.Errorf("reserve_service: get operation %q: %w", opID, err)
	}
	return op, nil
}

// ListOperations lists a pool's operations, newest first.
func (s *ReserveService) ListOperations(ctx context.Context, poolID string, opts domain.ListOpts) ([]domain.SPVOperation, error) {
	ops, err := s.ops.ListByPool(ctx, poolID, opts)
	if err != nil {
		return nil, fmt.Errorf("reserve_service: list operations %q: %w", poolID, err)
	}
	return ops, nil
}

// allocationGate applies the shared preconditions for reserve proposals.
func (s *ReserveService) allocationGate(pool *domain.Pool) error {
	if pool.Variant != domain.VariantStableYield {
		return domain.Preconditionf("pool %s is %s: reserve allocations apply to stable-yield pools", pool.ID, pool.Variant)
	}
	if pool.Paused {
		return domain.Preconditionf("pool %s is paused", pool.ID)
	}
	if !domain.AllocationEligible(pool.Status) {
		return domain.Preconditionf("pool %s is %s: not eligible for allocation", pool.ID, pool.Status)
	}
	return nil
}

// readSnapshot performs the single ledger read pass decisions are based on.
func (s *ReserveService) readSnapshot(ctx context.Context, pool *domain.Pool) (domain.ReserveSnapshot, error) {
	cash, err := s.gateway.CashBuffer(ctx, pool)
	if err != nil {
		return domain.ReserveSnapshot{}, fmt.Errorf("reserve_service: read cash buffer: %w", err)
	}
	nav, err := s.gateway.TotalNAV(ctx, pool)
	if err != nil {
		return domain.ReserveSnapshot{}, fmt.Errorf("reserve_service: read total nav: %w", err)
	}
	return domain.ComputeReserveSnapshot(cash, nav), nil
}

func (s *ReserveService) recordOperation(ctx context.Context, pool *domain.Pool, opType domain.OperationType, amount *big.Int, initiator string) (domain.SPVOperation, error) {
	now := time.Now().UTC()
	op := domain.SPVOperation{
		ID:        uuid.New().String(),
		PoolID:    pool.ID,
		Type:      opType,
		Amount:    new(big.Int).Set(amount),
		Status:    domain.OperationPending,
		Initiator: initiator,
		ExpiresAt: now.Add(s.opExpiry),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.ops.Create(ctx, op); err != nil {
		return domain.SPVOperation{}, fmt.Errorf("reserve_service: record operation: %w", err)
	}
	s.publishOperation(ctx, op)
	return op, nil
}

// settlePoolAfter advances the pool lifecycle implied by a completed
// operation. Rebalances settle without a status change.
func (s *ReserveService) settlePoolAfter(ctx context.Context, op domain.SPVOperation) error {
	var to domain.PoolStatus
	switch op.Type {
	case domain.OpAllocation, domain.OpInvestmentTransfer:
		to = domain.StatusInvested
	case domain.OpMaturityReturn:
		to = domain.StatusMatured
	default:
		return nil
	}

	pool, err := s.pools.GetByID(ctx, op.PoolID)
	if err != nil {
		return fmt.Errorf("reserve_service: get pool %q: %w", op.PoolID, err)
	}
	if pool.Status == to {
		return nil
	}
	return s.transitionPool(ctx, &pool, to)
}

func (s *ReserveService) transitionPool(ctx context.Context, pool *domain.Pool, to domain.PoolStatus) error {
	from := pool.Status
	if err := domain.Transition(pool, to); err != nil {
		return err
	}
	if err := s.pools.UpdateStatus(ctx, pool.ID, from, to); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Preconditionf("pool %s left %s concurrently", pool.ID, from)
		}
		return fmt.Errorf("reserve_service: transition %s -> %s: %w", from, to, err)
	}
	s.logger.InfoContext(ctx, "reserve_service: status transition",
		slog.String("pool_id", pool.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return nil
}

func (s *ReserveService) publishOperation(ctx context.Context, op domain.SPVOperation) {
	evt, _ := json.Marshal(map[string]string{
		"operation_id": op.ID,
		"pool_id":      op.PoolID,
		"type":         string(op.Type),
		"status":       string(op.Status),
	})
	if pubErr := s.bus.Publish(ctx, "operations", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "reserve_service: publish failed",
			slog.String("operation_id", op.ID),
			slog.String("error", pubErr.Error()),
		)
	}
}

func (s *ReserveService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "reserve_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
