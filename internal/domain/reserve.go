package domain

import "math/big"

// Reserve policy for stable-yield pools, in basis points of NAV. The escrow
// targets a 10% cash buffer; allocations may not push it below 8%, and a
// buffer above 12% should be swept back out to the operator.
const (
	TargetReserveBps = 1_000
	MinReserveBps    = 800
	MaxReserveBps    = 1_200

	// minAcceptableOfTargetBps: the floor is 80% of the target reserve.
	minAcceptableOfTargetBps = 8_000

	bpsDenominator = 10_000
)

// ReserveSnapshot is the reserve state derived from a single pass of ledger
// reads. It is computed fresh on every decision and never cached across
// requests, because the escrow balance can change between requests from
// unrelated activity.
type ReserveSnapshot struct {
	CurrentReserve *big.Int `json:"current_reserve"`
	TargetReserve  *big.Int `json:"target_reserve"`
	TotalNAV       *big.Int `json:"total_nav"`
	RatioBps       int64    `json:"ratio_bps"`
	NeedsRebalance bool     `json:"needs_rebalance"`
}

// ComputeReserveSnapshot derives the reserve figures from the cash buffer and
// total NAV read from the ledger.
func ComputeReserveSnapshot(cash, nav *big.Int) ReserveSnapshot {
	snap := ReserveSnapshot{
		CurrentReserve: new(big.Int).Set(cash),
		TargetReserve:  bpsOf(nav, TargetReserveBps),
		TotalNAV:       new(big.Int).Set(nav),
	}
	if nav.Sign() > 0 {
		ratio := new(big.Int).Mul(cash, big.NewInt(bpsDenominator))
		ratio.Quo(ratio, nav)
		snap.RatioBps = ratio.Int64()
	}
	snap.NeedsRebalance = snap.RatioBps < MinReserveBps || snap.RatioBps > MaxReserveBps
	return snap
}

// MinAcceptableReserve is 80% of the target reserve: the absolute floor an
// allocation may leave behind.
func (s ReserveSnapshot) MinAcceptableReserve() *big.Int {
	return bpsOf(s.TargetReserve, minAcceptableOfTargetBps)
}

// CheckAllocation applies the solvency invariants to a proposed allocation
// and returns the buffer that would remain plus the low-reserve warning flag.
// It fails with InsufficientBufferError when the buffer cannot cover the
// amount at all, and with ReserveViolationError when the remainder would
// breach the floor.
func (s ReserveSnapshot) CheckAllocation(amount *big.Int) (reserveAfter *big.Int, isLowReserve bool, err error) {
	if s.CurrentReserve.Cmp(amount) < 0 {
		return nil, false, &InsufficientBufferError{
			Available: new(big.Int).Set(s.CurrentReserve),
			Requested: new(big.Int).Set(amount),
		}
	}

	reserveAfter = new(big.Int).Sub(s.CurrentReserve, amount)
	minAcceptable := s.MinAcceptableReserve()
	if reserveAfter.Cmp(minAcceptable) < 0 {
		return nil, false, &ReserveViolationError{
			Current:      new(big.Int).Set(s.CurrentReserve),
			Target:       new(big.Int).Set(s.TargetReserve),
			Minimum:      minAcceptable,
			ReserveAfter: reserveAfter,
		}
	}

	return reserveAfter, reserveAfter.Cmp(s.TargetReserve) < 0, nil
}

// RebalanceDirection is the corrective action inferred from reserve state.
type RebalanceDirection string

const (
	// RebalanceInvest pushes excess cash out to the operator.
	RebalanceInvest RebalanceDirection = "invest"
	// RebalanceLiquidate pulls cash back from the operator.
	RebalanceLiquidate RebalanceDirection = "liquidate"
)

// CheckRebalance validates that the requested direction matches the current
// reserve state: liquidate only when the buffer is below target, invest only
// when above.
func (s ReserveSnapshot) CheckRebalance(dir RebalanceDirection) error {
	cmp := s.CurrentReserve.Cmp(s.TargetReserve)
	switch dir {
	case RebalanceLiquidate:
		if cmp >= 0 {
			return Preconditionf("liquidate requires buffer %s below target %s",
				s.CurrentReserve, s.TargetReserve)
		}
	case RebalanceInvest:
		if cmp <= 0 {
			return Preconditionf("invest requires buffer %s above target %s",
				s.CurrentReserve, s.TargetReserve)
		}
	default:
		return &ValidationError{Field: "direction", Reason: "must be invest or liquidate"}
	}
	return nil
}

func bpsOf(v *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(bps))
	return out.Quo(out, big.NewInt(bpsDenominator))
}
