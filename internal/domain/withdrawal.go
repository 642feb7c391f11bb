package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// WithdrawalStatus is the per-request settlement state.
type WithdrawalStatus string

const (
	WithdrawalQueued     WithdrawalStatus = "queued"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
	WithdrawalCancelled  WithdrawalStatus = "cancelled"
)

// Terminal reports whether the request has reached a settlement outcome.
func (s WithdrawalStatus) Terminal() bool {
	switch s {
	case WithdrawalCompleted, WithdrawalFailed, WithdrawalCancelled:
		return true
	}
	return false
}

// WithdrawalRequest is one investor's queued redemption. Ordering key for
// batch selection is (RequestedAt, ID) ascending; only QUEUED requests are
// eligible.
type WithdrawalRequest struct {
	ID             string           `json:"id"`
	PoolID         string           `json:"pool_id"`
	Investor       common.Address   `json:"investor"`
	Shares         *big.Int         `json:"shares"`
	EstimatedValue *big.Int         `json:"estimated_value"`
	Status         WithdrawalStatus `json:"status"`
	// BatchID is set when the request is selected into a processing batch.
	BatchID     *string    `json:"batch_id,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// WithdrawalBatch is the result of one queue-processing pass: the selected
// requests, already transitioned to PROCESSING, plus the single unsigned
// instruction that settles the whole batch on-chain. The instruction encodes
// only the batch size; per-request settlement is reported back asynchronously.
type WithdrawalBatch struct {
	ID          string              `json:"id"`
	PoolID      string              `json:"pool_id"`
	Requests    []WithdrawalRequest `json:"requests"`
	TotalShares *big.Int            `json:"total_shares"`
	Instruction UnsignedInstruction `json:"instruction"`
	CreatedAt   time.Time           `json:"created_at"`
}

// QueueStats summarizes a pool's withdrawal backlog.
type QueueStats struct {
	PoolID      string   `json:"pool_id"`
	QueuedCount int      `json:"queued_count"`
	Processing  int      `json:"processing_count"`
	QueuedValue *big.Int `json:"queued_value"`
	// OldestQueued is zero when the queue is empty.
	OldestQueued time.Time `json:"oldest_queued,omitempty"`
}
