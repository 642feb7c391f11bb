package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// UnsignedInstruction is a prepared, unsigned contract call. This backend
// never signs or broadcasts; instructions are handed to an external signer.
type UnsignedInstruction struct {
	ChainID int64          `json:"chain_id"`
	To      common.Address `json:"to"`
	Value   *big.Int       `json:"value"`
	Data    []byte         `json:"data"`
	Method  string         `json:"method"`
}

// LedgerGateway is the read/write-prepare boundary to the chain. Reads are
// authoritative snapshots-in-time: each call reflects the latest ledger truth
// independently, with no consistency guarantee across calls, which is why
// reserve decisions are computed from a single read pass.
//
// Transient failures surface as *GatewayError (retryable); every other error
// is deterministic.
type LedgerGateway interface {
	// CashBuffer returns the liquid asset balance held in the pool's escrow.
	CashBuffer(ctx context.Context, pool *Pool) (*big.Int, error)
	// TotalNAV returns the total value backing outstanding shares.
	TotalNAV(ctx context.Context, pool *Pool) (*big.Int, error)
	// EscrowAddress resolves the canonical escrow address from the pool
	// registry. ok is false when the registry has no entry yet.
	EscrowAddress(ctx context.Context, pool *Pool) (addr common.Address, ok bool, err error)

	// ConfirmDeployment verifies that txRef is a successful deployment of the
	// expected pool contract.
	ConfirmDeployment(ctx context.Context, pool *Pool, txRef string) (bool, error)

	PrepareAllocation(ctx context.Context, pool *Pool, operator common.Address, amount *big.Int) (UnsignedInstruction, error)
	PrepareRebalance(ctx context.Context, pool *Pool, dir RebalanceDirection, amount *big.Int) (UnsignedInstruction, error)
	PrepareWithdrawalBatch(ctx context.Context, pool *Pool, batchSize int) (UnsignedInstruction, error)
	PreparePause(ctx context.Context, pool *Pool) (UnsignedInstruction, error)
	PrepareMaturityReturn(ctx context.Context, pool *Pool, amount *big.Int) (UnsignedInstruction, error)
}
