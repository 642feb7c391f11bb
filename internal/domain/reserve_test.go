package domain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeReserveSnapshot(t *testing.T) {
	t.Run("derives target and ratio", func(t *testing.T) {
		snap := ComputeReserveSnapshot(big.NewInt(120_000), big.NewInt(1_000_000))
		assert.Equal(t, big.NewInt(100_000), snap.TargetReserve)
		assert.Equal(t, int64(1200), snap.RatioBps)
		assert.Equal(t, big.NewInt(80_000), snap.MinAcceptableReserve())
		assert.False(t, snap.NeedsRebalance, "1200 bps is the upper edge of the band")
	})

	t.Run("flags imbalance outside the band", func(t *testing.T) {
		low := ComputeReserveSnapshot(big.NewInt(70_000), big.NewInt(1_000_000))
		assert.True(t, low.NeedsRebalance)

		high := ComputeReserveSnapshot(big.NewInt(130_000), big.NewInt(1_000_000))
		assert.True(t, high.NeedsRebalance)
	})

	t.Run("zero NAV yields zero ratio", func(t *testing.T) {
		snap := ComputeReserveSnapshot(big.NewInt(500), big.NewInt(0))
		assert.Zero(t, snap.RatioBps)
		assert.Zero(t, snap.TargetReserve.Sign())
	})

	t.Run("inputs are copied, not aliased", func(t *testing.T) {
		cash := big.NewInt(100)
		snap := ComputeReserveSnapshot(cash, big.NewInt(1_000))
		cash.SetInt64(999)
		assert.Equal(t, big.NewInt(100), snap.CurrentReserve)
	})
}

func TestCheckAllocation(t *testing.T) {
	snap := ComputeReserveSnapshot(big.NewInt(120_000), big.NewInt(1_000_000))

	t.Run("breaching the floor carries the figures", func(t *testing.T) {
		_, _, err := snap.CheckAllocation(big.NewInt(50_000))

		var violation *ReserveViolationError
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, big.NewInt(120_000), violation.Current)
		assert.Equal(t, big.NewInt(100_000), violation.Target)
		assert.Equal(t, big.NewInt(80_000), violation.Minimum)
		assert.Equal(t, big.NewInt(70_000), violation.ReserveAfter)
	})

	t.Run("below target but above floor warns", func(t *testing.T) {
		after, low, err := snap.CheckAllocation(big.NewInt(30_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(90_000), after)
		assert.True(t, low)
	})

	t.Run("landing exactly on the floor passes", func(t *testing.T) {
		after, low, err := snap.CheckAllocation(big.NewInt(40_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(80_000), after)
		assert.True(t, low)
	})

	t.Run("exceeding the buffer is a distinct failure", func(t *testing.T) {
		_, _, err := snap.CheckAllocation(big.NewInt(200_000))

		var insufficient *InsufficientBufferError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, big.NewInt(120_000), insufficient.Available)
		assert.Equal(t, big.NewInt(200_000), insufficient.Requested)
	})

	t.Run("ending above target raises no warning", func(t *testing.T) {
		rich := ComputeReserveSnapshot(big.NewInt(200_000), big.NewInt(1_000_000))
		_, low, err := rich.CheckAllocation(big.NewInt(50_000))
		require.NoError(t, err)
		assert.False(t, low)
	})
}

func TestCheckRebalance(t *testing.T) {
	below := ComputeReserveSnapshot(big.NewInt(70_000), big.NewInt(1_000_000))
	above := ComputeReserveSnapshot(big.NewInt(130_000), big.NewInt(1_000_000))

	t.Run("liquidate only below target", func(t *testing.T) {
		assert.NoError(t, below.CheckRebalance(RebalanceLiquidate))
		assert.Error(t, above.CheckRebalance(RebalanceLiquidate))
	})

	t.Run("invest only above target", func(t *testing.T) {
		assert.NoError(t, above.CheckRebalance(RebalanceInvest))
		assert.Error(t, below.CheckRebalance(RebalanceInvest))
	})

	t.Run("exactly on target rejects both directions", func(t *testing.T) {
		at := ComputeReserveSnapshot(big.NewInt(100_000), big.NewInt(1_000_000))
		assert.Error(t, at.CheckRebalance(RebalanceInvest))
		assert.Error(t, at.CheckRebalance(RebalanceLiquidate))
	})

	t.Run("unknown direction is a validation error", func(t *testing.T) {
		err := below.CheckRebalance(RebalanceDirection("sideways"))
		var validation *ValidationError
		require.ErrorAs(t, err, &validation)
	})
}

func TestRetryable(t *testing.T) {
	gwErr := &GatewayError{Op: "eth_call", Err: assert.AnError}
	assert.True(t, Retryable(gwErr))

	wrapped := &GatewayError{Op: "eth_call", Err: assert.AnError}
	assert.True(t, Retryable(wrapErr(wrapped)))

	assert.False(t, Retryable(Preconditionf("nope")))
	assert.False(t, Retryable(&InsufficientBufferError{Available: big.NewInt(1), Requested: big.NewInt(2)}))
	assert.False(t, Retryable(nil))
}

func wrapErr(err error) error {
	return &wrapper{err}
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }
