package domain

import (
	"math/big"
	"time"
)

// OperationType classifies a prepared SPV instruction.
type OperationType string

const (
	// OpAllocation moves cash from the escrow to the SPV for investment.
	OpAllocation OperationType = "allocation"
	// OpRebalanceInvest sweeps excess buffer out to the SPV.
	OpRebalanceInvest OperationType = "rebalance_invest"
	// OpRebalanceLiquidate recalls cash from the SPV into the buffer.
	OpRebalanceLiquidate OperationType = "rebalance_liquidate"
	// OpInvestmentTransfer moves a filled single-maturity raise to the SPV.
	OpInvestmentTransfer OperationType = "investment_transfer"
	// OpMaturityReturn returns principal plus yield at maturity.
	OpMaturityReturn OperationType = "maturity_return"
)

// OperationStatus is the approval/settlement state of an SPV operation. The
// controller only ever proposes: PENDING operations complete solely through
// external confirmation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationApproved  OperationStatus = "approved"
	OperationCompleted OperationStatus = "completed"
	OperationCancelled OperationStatus = "cancelled"
	OperationExpired   OperationStatus = "expired"
)

// SPVOperation records one allocation, rebalance, or maturity-return
// instruction prepared for a fund operator.
type SPVOperation struct {
	ID        string          `json:"id"`
	PoolID    string          `json:"pool_id"`
	Type      OperationType   `json:"type"`
	Amount    *big.Int        `json:"amount"`
	Status    OperationStatus `json:"status"`
	Initiator string          `json:"initiator"`
	Notes     string          `json:"notes,omitempty"`
	// TxRef is the confirming transaction hash, set on completion.
	TxRef     *string   `json:"tx_ref,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
