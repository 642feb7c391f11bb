package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreBands(t *testing.T) {
	bands := []Band{{UpTo: 100, Score: 100}, {UpTo: 200, Score: 80}, {UpTo: 1 << 62, Score: 20}}

	assert.Equal(t, 100, ScoreBands(bands, 0))
	assert.Equal(t, 100, ScoreBands(bands, 100), "boundary belongs to the better band")
	assert.Equal(t, 80, ScoreBands(bands, 101))
	assert.Equal(t, 20, ScoreBands(bands, 5_000))
}

func TestHealthThresholds(t *testing.T) {
	th := HealthThresholds{Excellent: 90, Healthy: 75, Warning: 60}

	assert.Equal(t, HealthExcellent, th.Status(90))
	assert.Equal(t, HealthHealthy, th.Status(89))
	assert.Equal(t, HealthHealthy, th.Status(75))
	assert.Equal(t, HealthWarning, th.Status(74))
	assert.Equal(t, HealthWarning, th.Status(60))
	assert.Equal(t, HealthCritical, th.Status(59))
	assert.Equal(t, HealthCritical, th.Status(0))
}

func TestDefaultHealthPolicy_Evaluate(t *testing.T) {
	policy := DefaultHealthPolicy()

	t.Run("all factors perfect scores near 100", func(t *testing.T) {
		in := HealthInputs{
			ReserveRatioBps:  1_000,
			HasReserveRatio:  true,
			QueueDepth:       0,
			NAVAge:           time.Hour,
			HasNAVAge:        true,
			YieldDeltaBps:    50,
			HasYieldDelta:    true,
			ActivityCount30d: 12,
		}
		score, factors := policy.Evaluate(VariantStableYield, in)
		assert.Equal(t, 100, score)
		assert.Len(t, factors, 5)
	})

	t.Run("missing metrics renormalize instead of zeroing", func(t *testing.T) {
		// Only the queue metric is available, and it is perfect: the score
		// must still be high, not dragged down by absent factors.
		in := HealthInputs{QueueDepth: 0, ActivityCount30d: 12}
		score, factors := policy.Evaluate(VariantStableYield, in)
		require.Len(t, factors, 2)
		assert.Equal(t, 100, score)
	})

	t.Run("variant gating drops inapplicable factors", func(t *testing.T) {
		in := HealthInputs{
			ReserveRatioBps: 1_000,
			HasReserveRatio: true,
			NAVAge:          time.Hour,
			HasNAVAge:       true,
			YieldDeltaBps:   0,
			HasYieldDelta:   true,
		}
		_, factors := policy.Evaluate(VariantSingleMaturity, in)
		for _, f := range factors {
			assert.NotEqual(t, "reserve_ratio", f.Name)
			assert.NotEqual(t, "nav_recency", f.Name)
			assert.NotEqual(t, "yield_performance", f.Name)
		}
	})

	t.Run("reserve deviation bands on distance from target", func(t *testing.T) {
		score := func(ratio int64) int {
			in := HealthInputs{ReserveRatioBps: ratio, HasReserveRatio: true}
			_, factors := policy.Evaluate(VariantStableYield, in)
			for _, f := range factors {
				if f.Name == "reserve_ratio" {
					return f.Score
				}
			}
			t.Fatalf("reserve_ratio factor missing for ratio %d", ratio)
			return 0
		}

		assert.Equal(t, 100, score(1_000), "on target")
		assert.Equal(t, 100, score(1_100), "100 bps off is still full marks")
		assert.Equal(t, 80, score(1_150))
		assert.Equal(t, 80, score(800), "200 bps under target")
		assert.Equal(t, 50, score(600))
		assert.Equal(t, 20, score(100), "deep under-reserve")
		assert.Equal(t, 20, score(2_000), "gross over-reserve also penalized")
	})

	t.Run("underperforming yield is penalized, overperforming is not", func(t *testing.T) {
		score := func(delta int64) int {
			in := HealthInputs{YieldDeltaBps: delta, HasYieldDelta: true}
			_, factors := policy.Evaluate(VariantStableYield, in)
			for _, f := range factors {
				if f.Name == "yield_performance" {
					return f.Score
				}
			}
			t.Fatalf("yield_performance factor missing for delta %d", delta)
			return 0
		}

		assert.Equal(t, 100, score(100), "beating projections")
		assert.Equal(t, 100, score(0))
		assert.Equal(t, 75, score(-50))
		assert.Equal(t, 50, score(-200))
		assert.Equal(t, 25, score(-500))
	})

	t.Run("no applicable factors yields zero", func(t *testing.T) {
		policy := HealthPolicy{Thresholds: HealthThresholds{90, 75, 60}}
		score, factors := policy.Evaluate(VariantStableYield, HealthInputs{})
		assert.Zero(t, score)
		assert.Nil(t, factors)
	})

	t.Run("composite rounds half up", func(t *testing.T) {
		policy := HealthPolicy{
			Factors: []FactorPolicy{
				{
					Name:   "a",
					Weight: 1,
					Value:  func(HealthInputs) (int64, bool) { return 0, true },
					Bands:  []Band{{UpTo: 0, Score: 100}},
				},
				{
					Name:   "b",
					Weight: 1,
					Value:  func(HealthInputs) (int64, bool) { return 0, true },
					Bands:  []Band{{UpTo: 0, Score: 75}},
				},
			},
		}
		score, _ := policy.Evaluate(VariantStableYield, HealthInputs{})
		assert.Equal(t, 88, score, "87.5 rounds up")
	})
}
