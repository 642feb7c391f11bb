package domain

// variantRules captures the transitions a pool variant permits on top of the
// shared lifecycle. Each variant rejects inapplicable transitions explicitly
// rather than treating them as silent no-ops.
type variantRules interface {
	variant() PoolVariant
	allows(from, to PoolStatus) bool
}

// cancellableFrom are the only states a pool may be cancelled out of,
// regardless of variant.
var cancellableFrom = map[PoolStatus]bool{
	StatusPendingDeployment: true,
	StatusFunding:           true,
	StatusPendingInvestment: true,
}

// closableFrom are the states an on-chain pool may be wound down from.
var closableFrom = map[PoolStatus]bool{
	StatusFunding:           true,
	StatusFilled:            true,
	StatusPendingInvestment: true,
	StatusInvested:          true,
}

// sharedTransitions are legal for every variant.
var sharedTransitions = map[PoolStatus][]PoolStatus{
	StatusPendingDeployment: {StatusFunding},
	StatusFunding:           {StatusPendingInvestment},
	StatusFilled:            {StatusPendingInvestment},
	StatusPendingInvestment: {StatusInvested},
}

func sharedAllows(from, to PoolStatus) bool {
	if to == StatusCancelled {
		return cancellableFrom[from]
	}
	if to == StatusClosed {
		return closableFrom[from]
	}
	for _, next := range sharedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type singleMaturityRules struct{}

func (singleMaturityRules) variant() PoolVariant { return VariantSingleMaturity }

// Single-maturity pools additionally close their funding window and mature.
func (singleMaturityRules) allows(from, to PoolStatus) bool {
	if from == StatusFunding && to == StatusFilled {
		return true
	}
	if from == StatusInvested && to == StatusMatured {
		return true
	}
	return sharedAllows(from, to)
}

type stableYieldRules struct{}

func (stableYieldRules) variant() PoolVariant { return VariantStableYield }

// Stable-yield pools are open-ended: no FILLED epoch, no pool-level maturity.
// Confirmed allocations cycle back through PENDING_INVESTMENT.
func (stableYieldRules) allows(from, to PoolStatus) bool {
	if from == StatusInvested && to == StatusPendingInvestment {
		return true
	}
	return sharedAllows(from, to)
}

type lockedTermRules struct{}

func (lockedTermRules) variant() PoolVariant { return VariantLockedTerm }

// Locked-term pools mature per position, not as a whole, and reallocate
// continuously like stable-yield pools.
func (lockedTermRules) allows(from, to PoolStatus) bool {
	if from == StatusInvested && to == StatusPendingInvestment {
		return true
	}
	return sharedAllows(from, to)
}

var rulesByVariant = map[PoolVariant]variantRules{
	VariantSingleMaturity: singleMaturityRules{},
	VariantStableYield:    stableYieldRules{},
	VariantLockedTerm:     lockedTermRules{},
}

// CanTransition returns nil when moving the pool to the target status is
// legal for its variant, and a PreconditionError otherwise. Terminal states
// admit no outgoing transitions.
func CanTransition(p *Pool, to PoolStatus) error {
	rules, ok := rulesByVariant[p.Variant]
	if !ok {
		return &ValidationError{Field: "variant", Reason: string(p.Variant) + " is not a known pool variant"}
	}
	if p.Status.Terminal() {
		return Preconditionf("pool %s is %s, a terminal state", p.ID, p.Status)
	}
	if !rules.allows(p.Status, to) {
		return Preconditionf("%s pool %s cannot transition %s -> %s",
			p.Variant, p.ID, p.Status, to)
	}
	return nil
}

// Transition validates and applies the status change in memory. The caller
// persists the pool afterwards.
func Transition(p *Pool, to PoolStatus) error {
	if err := CanTransition(p, to); err != nil {
		return err
	}
	p.Status = to
	if to.Terminal() {
		p.IsActive = false
	}
	return nil
}

// AllocationEligible reports whether the pool's current status permits
// reserve allocations.
func AllocationEligible(s PoolStatus) bool {
	switch s {
	case StatusFunding, StatusFilled, StatusPendingInvestment, StatusInvested:
		return true
	}
	return false
}
