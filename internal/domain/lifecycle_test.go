package domain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(variant PoolVariant, status PoolStatus) *Pool {
	return &Pool{
		ID:       "pool-1",
		ChainID:  8453,
		Address:  common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Variant:  variant,
		Status:   status,
		IsActive: true,
	}
}

func TestCanTransition(t *testing.T) {
	allStatuses := []PoolStatus{
		StatusPendingDeployment, StatusFunding, StatusFilled,
		StatusPendingInvestment, StatusInvested, StatusMatured,
		StatusCancelled, StatusClosed,
	}

	type allowed map[PoolStatus][]PoolStatus

	cases := []struct {
		variant PoolVariant
		allowed allowed
	}{
		{
			variant: VariantSingleMaturity,
			allowed: allowed{
				StatusPendingDeployment: {StatusFunding, StatusCancelled},
				StatusFunding:           {StatusFilled, StatusPendingInvestment, StatusCancelled, StatusClosed},
				StatusFilled:            {StatusPendingInvestment, StatusClosed},
				StatusPendingInvestment: {StatusInvested, StatusCancelled, StatusClosed},
				StatusInvested:          {StatusMatured, StatusClosed},
			},
		},
		{
			variant: VariantStableYield,
			allowed: allowed{
				StatusPendingDeployment: {StatusFunding, StatusCancelled},
				StatusFunding:           {StatusPendingInvestment, StatusCancelled, StatusClosed},
				StatusFilled:            {StatusPendingInvestment, StatusClosed},
				StatusPendingInvestment: {StatusInvested, StatusCancelled, StatusClosed},
				StatusInvested:          {StatusPendingInvestment, StatusClosed},
			},
		},
		{
			variant: VariantLockedTerm,
			allowed: allowed{
				StatusPendingDeployment: {StatusFunding, StatusCancelled},
				StatusFunding:           {StatusPendingInvestment, StatusCancelled, StatusClosed},
				StatusFilled:            {StatusPendingInvestment, StatusClosed},
				StatusPendingInvestment: {StatusInvested, StatusCancelled, StatusClosed},
				StatusInvested:          {StatusPendingInvestment, StatusClosed},
			},
		},
	}

	for _, tc := range cases {
		t.Run(string(tc.variant), func(t *testing.T) {
			for _, from := range allStatuses {
				for _, to := range allStatuses {
					p := testPool(tc.variant, from)
					err := CanTransition(p, to)

					want := false
					for _, legal := range tc.allowed[from] {
						if legal == to {
							want = true
						}
					}
					if want {
						assert.NoError(t, err, "%s: %s -> %s should be legal", tc.variant, from, to)
					} else {
						assert.Error(t, err, "%s: %s -> %s should be rejected", tc.variant, from, to)
					}
				}
			}
		})
	}
}

func TestCanTransition_TerminalStatesAreClosed(t *testing.T) {
	for _, terminal := range []PoolStatus{StatusMatured, StatusCancelled, StatusClosed} {
		p := testPool(VariantSingleMaturity, terminal)
		for _, to := range []PoolStatus{StatusFunding, StatusInvested, StatusClosed, StatusCancelled} {
			err := CanTransition(p, to)
			var precondition *PreconditionError
			require.ErrorAs(t, err, &precondition, "%s -> %s must be rejected", terminal, to)
		}
	}
}

func TestCanTransition_UnknownVariant(t *testing.T) {
	p := testPool(PoolVariant("mystery"), StatusFunding)
	err := CanTransition(p, StatusFilled)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestTransition(t *testing.T) {
	t.Run("applies the status and deactivates terminal pools", func(t *testing.T) {
		p := testPool(VariantStableYield, StatusPendingInvestment)
		require.NoError(t, Transition(p, StatusCancelled))
		assert.Equal(t, StatusCancelled, p.Status)
		assert.False(t, p.IsActive)
	})

	t.Run("rejected transitions leave the pool untouched", func(t *testing.T) {
		p := testPool(VariantStableYield, StatusInvested)
		require.Error(t, Transition(p, StatusCancelled))
		assert.Equal(t, StatusInvested, p.Status)
		assert.True(t, p.IsActive)
	})

	t.Run("matured single-maturity pools deactivate", func(t *testing.T) {
		p := testPool(VariantSingleMaturity, StatusInvested)
		require.NoError(t, Transition(p, StatusMatured))
		assert.False(t, p.IsActive)
	})
}

func TestAllocationEligible(t *testing.T) {
	eligible := []PoolStatus{StatusFunding, StatusFilled, StatusPendingInvestment, StatusInvested}
	for _, s := range eligible {
		assert.True(t, AllocationEligible(s), "%s should be eligible", s)
	}
	for _, s := range []PoolStatus{StatusPendingDeployment, StatusMatured, StatusCancelled, StatusClosed} {
		assert.False(t, AllocationEligible(s), "%s should not be eligible", s)
	}
}

func TestPoolKey(t *testing.T) {
	p := testPool(VariantStableYield, StatusFunding)
	assert.Equal(t, "8453:0x0000000000000000000000000000000000000001", p.Key())
}
