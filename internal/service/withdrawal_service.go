package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// queueLockTTL bounds one queue-processing pass.
const queueLockTTL = 30 * time.Second

// WithdrawalService manages the per-pool redemption queue: enqueueing
// requests, selecting FIFO batches for settlement, and recording outcomes.
type WithdrawalService struct {
	pools       domain.PoolStore
	withdrawals domain.WithdrawalStore
	gateway     domain.LedgerGateway
	locks       domain.LockManager
	bus         domain.SignalBus
	audit       domain.AuditStore
	logger      *slog.Logger
}

// NewWithdrawalService creates a WithdrawalService with all required
// dependencies.
func NewWithdrawalService(
	pools domain.PoolStore,
	withdrawals domain.WithdrawalStore,
	gateway domain.LedgerGateway,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *WithdrawalService {
	return &WithdrawalService{
		pools:       pools,
		withdrawals: withdrawals,
		gateway:     gateway,
		locks:       locks,
		bus:         bus,
		audit:       audit,
		logger:      logger,
	}
}

// EnqueueParams carries one investor's redemption request.
type EnqueueParams struct {
	PoolID         string
	Investor       common.Address
	Shares         *big.Int
	EstimatedValue *big.Int
}

// Enqueue appends a redemption request to the pool's queue. Single-maturity
// pools redeem at maturity and have no queue.
func (s *WithdrawalService) Enqueue(ctx context.Context, params EnqueueParams) (domain.WithdrawalRequest, error) {
	if params.Shares == nil || params.Shares.Sign() <= 0 {
		return domain.WithdrawalRequest{}, &domain.ValidationError{Field: "shares", Reason: "must be positive"}
	}
	if params.Investor == (common.Address{}) {
		return domain.WithdrawalRequest{}, &domain.ValidationError{Field: "investor", Reason: "address is required"}
	}

	pool, err := s.pools.GetByID(ctx, params.PoolID)
	if err != nil {
		return domain.WithdrawalRequest{}, fmt.Errorf("withdrawal_service: get pool %q: %w", params.PoolID, err)
	}
	if pool.Variant == domain.VariantSingleMaturity {
		return domain.WithdrawalRequest{}, domain.Preconditionf("pool %s redeems at maturity and has no withdrawal queue", pool.ID)
	}
	if pool.Status.Terminal() {
		return domain.WithdrawalRequest{}, domain.Preconditionf("pool %s is %s, a terminal state", pool.ID, pool.Status)
	}
	if pool.Paused {
		return domain.WithdrawalRequest{}, domain.Preconditionf("pool %s is paused", pool.ID)
	}

	now := time.Now().UTC()
	req := domain.WithdrawalRequest{
		ID:             uuid.New().String(),
		PoolID:         pool.ID,
		Investor:       params.Investor,
		Shares:         new(big.Int).Set(params.Shares),
		EstimatedValue: params.EstimatedValue,
		Status:         domain.WithdrawalQueued,
		RequestedAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.withdrawals.Create(ctx, req); err != nil {
		return domain.WithdrawalRequest{}, fmt.Errorf("withdrawal_service: enqueue: %w", err)
	}

	s.logger.InfoContext(ctx, "withdrawal_service: request queued",
		slog.String("request_id", req.ID),
		slog.String("pool_id", req.PoolID),
		slog.String("shares", req.Shares.String()),
	)
	return req, nil
}

// ProcessQueue selects the oldest queued requests up to max, marks them
// PROCESSING under a fresh batch ID, and prepares the single unsigned
// instruction that settles the whole batch. Returns EmptyQueueError when
// nothing is queued.
func (s *WithdrawalService) ProcessQueue(ctx context.Context, poolID string, max int) (domain.WithdrawalBatch, error) {
	if max <= 0 {
		return domain.WithdrawalBatch{}, &domain.ValidationError{Field: "max", Reason: "must be positive"}
	}

	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return domain.WithdrawalBatch{}, fmt.Errorf("withdrawal_service: get pool %q: %w", poolID, err)
	}
	if pool.Variant == domain.VariantSingleMaturity {
		return domain.WithdrawalBatch{}, domain.Preconditionf("pool %s has no withdrawal queue", poolID)
	}
	if pool.Paused {
		return domain.WithdrawalBatch{}, domain.Preconditionf("pool %s is paused", poolID)
	}

	unlock, err := s.locks.Acquire(ctx, pool.Key(), queueLockTTL)
	if err != nil {
		return domain.WithdrawalBatch{}, fmt.Errorf("withdrawal_service: lock pool %q: %w", poolID, err)
	}
	defer unlock()

	batchID := uuid.New().String()
	selected, err := s.withdrawals.SelectForProcessing(ctx, poolID, batchID, max)
	if err != nil {
		return domain.WithdrawalBatch{}, fmt.Errorf("withdrawal_service: select batch: %w", err)
	}
	if len(selected) == 0 {
		return domain.WithdrawalBatch{}, &domain.EmptyQueueError{PoolID: poolID}
	}

	totalShares := new(big.Int)
	for _, req := range selected {
		totalShares.Add(totalShares, req.Shares)
	}

	instruction, err := s.gateway.PrepareWithdrawalBatch(ctx, &pool, len(selected))
	if err != nil {
		// The requests are already PROCESSING; fail the batch so they do not
		// dangle without an instruction.
		if _, settleErr := s.withdrawals.SettleBatch(ctx, batchID, domain.WithdrawalFailed); settleErr != nil {
			s.logger.ErrorContext(ctx, "withdrawal_service: failed to roll back batch",
				slog.String("batch_id", batchID),
				slog.String("error", settleErr.Error()),
			)
		}
		return domain.WithdrawalBatch{}, fmt.Errorf("withdrawal_service: prepare batch: %w", err)
	}

	batch := domain.WithdrawalBatch{
		ID:          batchID,
		PoolID:      poolID,
		Requests:    selected,
		TotalShares: totalShares,
		Instruction: instruction,
		CreatedAt:   time.Now().UTC(),
	}

	s.logAudit(ctx, "withdrawal.batch_created", map[string]any{
		"batch_id":     batchID,
		"pool_id":      poolID,
		"count":        len(selected),
		"total_shares": totalShares.String(),
	})
	s.publish(ctx, poolID, "batch_created", batchID, len(selected))

	s.logger.InfoContext(ctx, "withdrawal_service: batch selected",
		slog.String("batch_id", batchID),
		slog.String("pool_id", poolID),
		slog.Int("count", len(selected)),
	)
	return batch, nil
}

// SettleBatch records the on-chain outcome for every request in the batch:
// COMPLETED on success, FAILED otherwise. Failed requests must be re-queued
// by the investor; the processor never retries on its own.
func (s *WithdrawalService) SettleBatch(ctx context.Context, batchID string, success bool) (int64, error) {
	status := domain.WithdrawalCompleted
	if !success {
		status = domain.WithdrawalFailed
	}

	settled, err := s.withdrawals.SettleBatch(ctx, batchID, status)
	if err != nil {
		return 0, fmt.Errorf("withdrawal_service: settle batch %q: %w", batchID, err)
	}
	if settled == 0 {
		return 0, domain.Preconditionf("batch %s has no processing requests", batchID)
	}

	s.logAudit(ctx, "withdrawal.batch_settled", map[string]any{
		"batch_id": batchID,
		"status":   string(status),
		"count":    settled,
	})
	return settled, nil
}

// Cancel removes a single request from the queue. Only QUEUED requests can
// be cancelled; requests already in a batch must settle.
func (s *WithdrawalService) Cancel(ctx context.Context, id string) error {
	if err := s.withdrawals.Cancel(ctx, id); err != nil {
		return fmt.Errorf("withdrawal_service: cancel %q: %w", id, err)
	}
	s.logAudit(ctx, "withdrawal.cancelled", map[string]any{"request_id": id})
	return nil
}

// Get retrieves one request.
func (s *WithdrawalService) Get(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	req, err := s.withdrawals.GetByID(ctx, id)
	if err != nil {
		return domain.WithdrawalRequest{}, fmt.Errorf("withdrawal_service: get %q: %w", id, err)
	}
	return req, nil
}

// List returns a pool's requests, optionally filtered by status.
func (s *WithdrawalService) List(ctx context.Context, poolID string, status domain.WithdrawalStatus, opts domain.ListOpts) ([]domain.WithdrawalRequest, error) {
	reqs, err := s.withdrawals.ListByPool(ctx, poolID, status, opts)
	if err != nil {
		return nil, fmt.Errorf("withdrawal_service: list %q: %w", poolID, err)
	}
	return reqs, nil
}

// Stats summarizes a pool's backlog.
func (s *WithdrawalService) Stats(ctx context.Context, poolID string) (domain.QueueStats, error) {
	stats, err := s.withdrawals.Stats(ctx, poolID)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("withdrawal_service: stats %q: %w", poolID, err)
	}
	return stats, nil
}

func (s *WithdrawalService) publish(ctx context.Context, poolID, event, batchID string, count int) {
	evt, _ := json.Marshal(map[string]any{
		"pool_id":  poolID,
		"event":    event,
		"batch_id": batchID,
		"count":    count,
	})
	if pubErr := s.bus.Publish(ctx, "withdrawals", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "withdrawal_service: publish failed",
			slog.String("pool_id", poolID),
			slog.String("error", pubErr.Error()),
		)
	}
}

func (s *WithdrawalService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "withdrawal_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
