package domain

import (
	"math"
	"time"
)

// HealthStatus is the label derived from the composite score.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthHealthy   HealthStatus = "healthy"
	HealthWarning   HealthStatus = "warning"
	HealthCritical  HealthStatus = "critical"
)

// HealthInputs are the raw per-pool metrics the scoring policy bands over.
// A nil/absent metric is represented by the Has* flag so the factor can be
// dropped from the weighted mean instead of scoring a zero.
type HealthInputs struct {
	ReserveRatioBps  int64
	HasReserveRatio  bool
	QueueDepth       int64
	NAVAge           time.Duration
	HasNAVAge        bool
	YieldDeltaBps    int64 // actual minus projected
	HasYieldDelta    bool
	ActivityCount30d int64
}

// Band maps a metric value to a factor score: the first band whose UpTo is
// >= the value wins. The last band should use math.MaxInt64 as a catch-all.
type Band struct {
	UpTo  int64
	Score int
}

// ScoreBands resolves v against the band table.
func ScoreBands(bands []Band, v int64) int {
	for _, b := range bands {
		if v <= b.UpTo {
			return b.Score
		}
	}
	return 0
}

// FactorPolicy is one row of the declarative scoring table: which pools it
// applies to, how to extract its metric, and how the metric bands into a
// 0-100 score.
type FactorPolicy struct {
	Name     string
	Weight   int
	Variants []PoolVariant // empty means all variants
	// Value extracts the banded metric; ok=false drops the factor for this pool.
	Value func(in HealthInputs) (v int64, ok bool)
	Bands []Band
}

// AppliesTo reports whether the factor participates for the given variant.
func (f FactorPolicy) AppliesTo(v PoolVariant) bool {
	if len(f.Variants) == 0 {
		return true
	}
	for _, fv := range f.Variants {
		if fv == v {
			return true
		}
	}
	return false
}

// HealthThresholds map the composite score to a status label. Policy, not
// protocol: operators may tune them.
type HealthThresholds struct {
	Excellent int
	Healthy   int
	Warning   int
}

// Status resolves a composite score against the thresholds.
func (t HealthThresholds) Status(score int) HealthStatus {
	switch {
	case score >= t.Excellent:
		return HealthExcellent
	case score >= t.Healthy:
		return HealthHealthy
	case score >= t.Warning:
		return HealthWarning
	default:
		return HealthCritical
	}
}

// HealthPolicy is the full tunable scoring configuration.
type HealthPolicy struct {
	Factors    []FactorPolicy
	Thresholds HealthThresholds
}

// DefaultHealthPolicy returns the standard scoring table. Band boundaries are
// operational tuning, not financial invariants.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		Factors: []FactorPolicy{
			{
				Name:     "reserve_ratio",
				Weight:   30,
				Variants: []PoolVariant{VariantStableYield},
				Value: func(in HealthInputs) (int64, bool) {
					if !in.HasReserveRatio {
						return 0, false
					}
					// Banded on absolute deviation from the 10% target.
					d := in.ReserveRatioBps - TargetReserveBps
					if d < 0 {
						d = -d
					}
					return d, true
				},
				Bands: []Band{
					{UpTo: 100, Score: 100},
					{UpTo: 200, Score: 80},
					{UpTo: 400, Score: 50},
					{UpTo: math.MaxInt64, Score: 20},
				},
			},
			{
				Name:   "withdrawal_queue_depth",
				Weight: 25,
				Value: func(in HealthInputs) (int64, bool) {
					return in.QueueDepth, true
				},
				Bands: []Band{
					{UpTo: 0, Score: 100},
					{UpTo: 5, Score: 80},
					{UpTo: 20, Score: 60},
					{UpTo: math.MaxInt64, Score: 30},
				},
			},
			{
				Name:     "nav_recency",
				Weight:   15,
				Variants: []PoolVariant{VariantStableYield},
				Value: func(in HealthInputs) (int64, bool) {
					if !in.HasNAVAge {
						return 0, false
					}
					return int64(in.NAVAge / time.Hour), true
				},
				Bands: []Band{
					{UpTo: 24, Score: 100},
					{UpTo: 72, Score: 70},
					{UpTo: math.MaxInt64, Score: 40},
				},
			},
			{
				Name:     "yield_performance",
				Weight:   20,
				Variants: []PoolVariant{VariantStableYield},
				Value: func(in HealthInputs) (int64, bool) {
					if !in.HasYieldDelta {
						return 0, false
					}
					// Banded on shortfall below projection; negate so larger
					// shortfalls land in later bands.
					return -in.YieldDeltaBps, true
				},
				Bands: []Band{
					{UpTo: 0, Score: 100},
					{UpTo: 100, Score: 75},
					{UpTo: 300, Score: 50},
					{UpTo: math.MaxInt64, Score: 25},
				},
			},
			{
				Name:   "investor_activity",
				Weight: 10,
				Value: func(in HealthInputs) (int64, bool) {
					// Negate so higher activity scores better with ascending bands.
					return -in.ActivityCount30d, true
				},
				Bands: []Band{
					{UpTo: -10, Score: 100},
					{UpTo: -3, Score: 70},
					{UpTo: -1, Score: 50},
					{UpTo: math.MaxInt64, Score: 30},
				},
			},
		},
		Thresholds: HealthThresholds{Excellent: 90, Healthy: 75, Warning: 60},
	}
}

// FactorScore is one scored factor in a health report.
type FactorScore struct {
	Name   string `json:"name"`
	Score  int    `json:"score"`
	Weight int    `json:"weight"`
}

// HealthReport is the composite result for one pool. Score is the weighted
// mean over the factors that applied, with weights renormalized to that
// subset.
type HealthReport struct {
	PoolID     string        `json:"pool_id"`
	Score      int           `json:"score"`
	Status     HealthStatus  `json:"status"`
	Factors    []FactorScore `json:"factors"`
	ComputedAt time.Time     `json:"computed_at"`
}

// Evaluate scores the inputs for a pool of the given variant against the
// policy table.
func (p HealthPolicy) Evaluate(variant PoolVariant, in HealthInputs) (int, []FactorScore) {
	var (
		factors     []FactorScore
		weightedSum int
		totalWeight int
	)
	for _, f := range p.Factors {
		if !f.AppliesTo(variant) {
			continue
		}
		v, ok := f.Value(in)
		if !ok {
			continue
		}
		score := ScoreBands(f.Bands, v)
		factors = append(factors, FactorScore{Name: f.Name, Score: score, Weight: f.Weight})
		weightedSum += score * f.Weight
		totalWeight += f.Weight
	}
	if totalWeight == 0 {
		return 0, nil
	}
	// Round half-up so boundary scores land on the documented thresholds.
	return (weightedSum + totalWeight/2) / totalWeight, factors
}
