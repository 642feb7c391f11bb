package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PoolVariant distinguishes the three product types this backend administers.
type PoolVariant string

const (
	// VariantSingleMaturity is a one-shot instrument: raise, invest, mature.
	VariantSingleMaturity PoolVariant = "single_maturity"
	// VariantStableYield is a continuously operating fund with a liquidity reserve.
	VariantStableYield PoolVariant = "stable_yield"
	// VariantLockedTerm offers fixed-duration deposit tiers with per-position maturity.
	VariantLockedTerm PoolVariant = "locked_term"
)

// Valid reports whether v is a known pool variant.
func (v PoolVariant) Valid() bool {
	switch v {
	case VariantSingleMaturity, VariantStableYield, VariantLockedTerm:
		return true
	}
	return false
}

// PoolStatus is the lifecycle state of a pool.
type PoolStatus string

const (
	StatusPendingDeployment PoolStatus = "pending_deployment"
	StatusFunding           PoolStatus = "funding"
	StatusFilled            PoolStatus = "filled"
	StatusPendingInvestment PoolStatus = "pending_investment"
	StatusInvested          PoolStatus = "invested"
	StatusMatured           PoolStatus = "matured"
	StatusCancelled         PoolStatus = "cancelled"
	// StatusClosed marks an orderly wind-down, as opposed to StatusCancelled
	// which marks a pool rejected before it went live.
	StatusClosed PoolStatus = "closed"
)

// Terminal reports whether s is a terminal lifecycle state.
func (s PoolStatus) Terminal() bool {
	switch s {
	case StatusMatured, StatusCancelled, StatusClosed:
		return true
	}
	return false
}

// Asset identifies the ERC-20 token a pool is denominated in.
type Asset struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// Pool is the off-chain mirror of one on-chain investment pool. The mirror is
// an optimistic cache: lifecycle status and analytics fields here may lag the
// chain, and reserve decisions must never be made from them.
type Pool struct {
	ID      string      `json:"id"`
	ChainID int64       `json:"chain_id"`
	Address common.Address `json:"address"`
	Name    string      `json:"name"`
	Variant PoolVariant `json:"variant"`
	Status  PoolStatus  `json:"status"`

	// Paused gates mutating operations independently of Status.
	Paused   bool `json:"paused"`
	IsActive bool `json:"is_active"`

	Asset Asset `json:"asset"`

	MinInvestment *big.Int `json:"min_investment"`
	// TargetRaise is set for single-maturity pools only.
	TargetRaise     *big.Int   `json:"target_raise,omitempty"`
	FundingDeadline *time.Time `json:"funding_deadline,omitempty"`
	MaturityDate    *time.Time `json:"maturity_date,omitempty"`

	// EscrowAddress is nil until the escrow contract is deployed or the mirror
	// is reconciled from the ledger registry.
	EscrowAddress *common.Address `json:"escrow_address,omitempty"`
	// SPVAddress is the operator authorized to receive allocated funds.
	// Required for stable-yield and locked-term pools.
	SPVAddress common.Address `json:"spv_address"`

	// Analytics mirror, ingested from the indexer. Display and health scoring
	// only; never an input to reserve math.
	TotalNAV          *big.Int   `json:"total_nav,omitempty"`
	NAVUpdatedAt      *time.Time `json:"nav_updated_at,omitempty"`
	ProjectedYieldBps int64      `json:"projected_yield_bps"`
	ActualYieldBps    int64      `json:"actual_yield_bps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key is the pool's unique identity across chains, used for per-pool
// serialization of reserve decisions.
func (p *Pool) Key() string {
	return fmt.Sprintf("%d:%s", p.ChainID, p.Address.Hex())
}

// Deployed reports whether the pool exists on-chain.
func (p *Pool) Deployed() bool {
	return p.Status != StatusPendingDeployment && p.Address != (common.Address{})
}
