package domain

import (
	"context"
	"math/big"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PoolFilter narrows pool listings.
type PoolFilter struct {
	Variant    PoolVariant // empty matches all
	Status     PoolStatus  // empty matches all
	ActiveOnly bool
}

// PoolStore persists the pool mirror.
type PoolStore interface {
	Create(ctx context.Context, pool Pool) error
	Update(ctx context.Context, pool Pool) error
	// UpdateStatus moves the pool to the given status only when it is
	// currently in expectedFrom, so concurrent transitions cannot clobber
	// each other. Returns ErrNotFound when no row matched.
	UpdateStatus(ctx context.Context, id string, expectedFrom, to PoolStatus) error
	// UpdateAnalytics writes only the NAV and yield mirror columns so an
	// indexer feed can never race a concurrent status transition.
	UpdateAnalytics(ctx context.Context, id string, nav *big.Int, navUpdatedAt time.Time, projectedYieldBps, actualYieldBps int64) error
	SetPaused(ctx context.Context, id string, paused bool) error
	SetEscrowAddress(ctx context.Context, id string, escrow string) error
	GetByID(ctx context.Context, id string) (Pool, error)
	GetByAddress(ctx context.Context, chainID int64, address string) (Pool, error)
	List(ctx context.Context, filter PoolFilter, opts ListOpts) ([]Pool, error)
	Count(ctx context.Context, filter PoolFilter) (int64, error)
}

// WithdrawalStore persists redemption requests and implements the atomic
// select-and-transition primitive for batch processing.
type WithdrawalStore interface {
	Create(ctx context.Context, req WithdrawalRequest) error
	GetByID(ctx context.Context, id string) (WithdrawalRequest, error)
	// SelectForProcessing atomically picks the max oldest QUEUED requests for
	// the pool (ordered by requested_at, then id), marks them PROCESSING
	// under batchID, and returns them in selection order. The read and the
	// transition happen in one transaction so two concurrent calls never
	// select overlapping requests.
	SelectForProcessing(ctx context.Context, poolID, batchID string, max int) ([]WithdrawalRequest, error)
	// SettleBatch moves every PROCESSING request in the batch to the given
	// terminal status.
	SettleBatch(ctx context.Context, batchID string, status WithdrawalStatus) (int64, error)
	// Cancel moves a single QUEUED request to CANCELLED.
	Cancel(ctx context.Context, id string) error
	ListByPool(ctx context.Context, poolID string, status WithdrawalStatus, opts ListOpts) ([]WithdrawalRequest, error)
	Stats(ctx context.Context, poolID string) (QueueStats, error)
	// ListSettledBefore returns terminal requests older than the cutoff, for
	// cold archival.
	ListSettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]WithdrawalRequest, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// OperationStore persists SPV operations.
type OperationStore interface {
	Create(ctx context.Context, op SPVOperation) error
	GetByID(ctx context.Context, id string) (SPVOperation, error)
	// UpdateStatus transitions the operation only from expectedFrom,
	// optionally recording the confirming transaction.
	UpdateStatus(ctx context.Context, id string, expectedFrom, to OperationStatus, txRef *string) error
	// ExpirePending marks PENDING operations whose expiry has passed as
	// EXPIRED and returns how many were swept.
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
	ListByPool(ctx context.Context, poolID string, opts ListOpts) ([]SPVOperation, error)
	ListByStatus(ctx context.Context, status OperationStatus, opts ListOpts) ([]SPVOperation, error)
}

// TierStore persists lock tiers for locked-term pools.
type TierStore interface {
	Create(ctx context.Context, tier LockTier) error
	Update(ctx context.Context, tier LockTier) error
	GetByID(ctx context.Context, id string) (LockTier, error)
	ListByPool(ctx context.Context, poolID string, activeOnly bool) ([]LockTier, error)
}

// PositionStore persists locked deposit positions.
type PositionStore interface {
	Create(ctx context.Context, pos LockedPosition) error
	GetByID(ctx context.Context, id string) (LockedPosition, error)
	// UpdateState transitions the position only from expectedFrom.
	UpdateState(ctx context.Context, id string, expectedFrom, to PositionState) error
	ListByTier(ctx context.Context, tierID string, opts ListOpts) ([]LockedPosition, error)
	ListByPool(ctx context.Context, poolID string, state PositionState, opts ListOpts) ([]LockedPosition, error)
	// CountActiveByPool supports the investor-activity health factor.
	CountActiveByPool(ctx context.Context, poolID string, since time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
