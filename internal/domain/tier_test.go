package domain

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionPosition(t *testing.T) {
	legal := []struct{ from, to PositionState }{
		{PositionActive, PositionMatured},
		{PositionActive, PositionEarlyExit},
		{PositionMatured, PositionRedeemed},
		{PositionMatured, PositionRolledOver},
	}
	for _, tc := range legal {
		assert.NoError(t, CanTransitionPosition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	illegal := []struct{ from, to PositionState }{
		{PositionActive, PositionRedeemed},
		{PositionActive, PositionRolledOver},
		{PositionMatured, PositionEarlyExit},
		{PositionRedeemed, PositionActive},
		{PositionEarlyExit, PositionMatured},
		{PositionRolledOver, PositionRedeemed},
	}
	for _, tc := range illegal {
		err := CanTransitionPosition(tc.from, tc.to)
		var precondition *PreconditionError
		require.ErrorAs(t, err, &precondition, "%s -> %s", tc.from, tc.to)
	}
}

func TestLockedPosition_Matured(t *testing.T) {
	now := time.Now()
	pos := &LockedPosition{MaturesAt: now}

	assert.True(t, pos.Matured(now), "maturity instant counts")
	assert.True(t, pos.Matured(now.Add(time.Second)))
	assert.False(t, pos.Matured(now.Add(-time.Second)))
}

func TestEarlyExitPenalty(t *testing.T) {
	assert.Equal(t, big.NewInt(200), EarlyExitPenalty(big.NewInt(10_000), 200))
	assert.Equal(t, big.NewInt(0), EarlyExitPenalty(big.NewInt(10_000), 0))
	// Truncating division.
	assert.Equal(t, big.NewInt(1), EarlyExitPenalty(big.NewInt(999), 15))
}
