package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LockTier is a fixed-duration deposit tier owned by a locked-term pool.
type LockTier struct {
	ID                  string        `json:"id"`
	PoolID              string        `json:"pool_id"`
	Duration            time.Duration `json:"duration"`
	APYBps              int64         `json:"apy_bps"`
	EarlyExitPenaltyBps int64         `json:"early_exit_penalty_bps"`
	MinDeposit          *big.Int      `json:"min_deposit"`
	Active              bool          `json:"active"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// PositionState is the maturity sub-state of a locked deposit. It is
// deliberately uncoupled from the parent pool's lifecycle status.
type PositionState string

const (
	PositionActive     PositionState = "active"
	PositionMatured    PositionState = "matured"
	PositionRedeemed   PositionState = "redeemed"
	PositionEarlyExit  PositionState = "early_exit"
	PositionRolledOver PositionState = "rolled_over"
)

// positionTransitions lists the legal maturity sub-state moves.
var positionTransitions = map[PositionState][]PositionState{
	PositionActive:  {PositionMatured, PositionEarlyExit},
	PositionMatured: {PositionRedeemed, PositionRolledOver},
}

// CanTransitionPosition returns a PreconditionError when the move is not in
// the locked-position state machine.
func CanTransitionPosition(from, to PositionState) error {
	for _, next := range positionTransitions[from] {
		if next == to {
			return nil
		}
	}
	return Preconditionf("locked position cannot transition %s -> %s", from, to)
}

// LockedPosition is one investor's deposit in a lock tier.
type LockedPosition struct {
	ID          string         `json:"id"`
	TierID      string         `json:"tier_id"`
	PoolID      string         `json:"pool_id"`
	Investor    common.Address `json:"investor"`
	Amount      *big.Int       `json:"amount"`
	State       PositionState  `json:"state"`
	DepositedAt time.Time      `json:"deposited_at"`
	MaturesAt   time.Time      `json:"matures_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Matured reports whether the position's term has elapsed at the given time.
func (p *LockedPosition) Matured(now time.Time) bool {
	return !now.Before(p.MaturesAt)
}

// EarlyExitPenalty computes the penalty withheld when a position exits before
// maturity, per the tier's penalty rate.
func EarlyExitPenalty(amount *big.Int, penaltyBps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(penaltyBps))
	return out.Quo(out, big.NewInt(bpsDenominator))
}
