// Package evm implements domain.LedgerGateway against an EVM JSON-RPC
// endpoint using go-ethereum. All writes are prepared as unsigned calldata;
// the gateway never holds keys.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// ethBackend is the slice of the ethclient surface the gateway uses. It
// exists so tests can substitute a fake without a live RPC endpoint.
type ethBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Gateway reads escrow balances and NAV from chain state and packs unsigned
// instructions for the external signer.
type Gateway struct {
	eth      ethBackend
	chainID  int64
	registry common.Address
}

// Config holds the connection parameters for the gateway.
type Config struct {
	RPCURL   string
	ChainID  int64
	Registry common.Address
}

// New dials the RPC endpoint and returns a connected Gateway.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}
	return &Gateway{eth: client, chainID: cfg.ChainID, registry: cfg.Registry}, nil
}

// NewWithBackend wires a Gateway over an existing backend. Used by tests.
func NewWithBackend(backend ethBackend, chainID int64, registry common.Address) *Gateway {
	return &Gateway{eth: backend, chainID: chainID, registry: registry}
}

// CashBuffer returns the liquid balance held in the pool's escrow contract.
func (g *Gateway) CashBuffer(ctx context.Context, pool *domain.Pool) (*big.Int, error) {
	if pool.EscrowAddress == nil {
		return nil, domain.Preconditionf("pool %s has no registered escrow", pool.ID)
	}
	out, err := g.call(ctx, escrowABI, *pool.EscrowAddress, "cashBuffer")
	if err != nil {
		return nil, err
	}
	return asBig(out, "cashBuffer")
}

// TotalNAV returns the total value backing the pool's outstanding shares.
func (g *Gateway) TotalNAV(ctx context.Context, pool *domain.Pool) (*big.Int, error) {
	out, err := g.call(ctx, poolABI, pool.Address, "totalNav")
	if err != nil {
		return nil, err
	}
	return asBig(out, "totalNav")
}

// EscrowAddress resolves the pool's escrow from the on-chain registry. A zero
// address means the registry has no entry yet.
func (g *Gateway) EscrowAddress(ctx context.Context, pool *domain.Pool) (common.Address, bool, error) {
	out, err := g.call(ctx, registryABI, g.registry, "escrowOf", pool.Address)
	if err != nil {
		return common.Address{}, false, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, false, fmt.Errorf("evm: escrowOf: unexpected output type %T", out[0])
	}
	if addr == (common.Address{}) {
		return common.Address{}, false, nil
	}
	return addr, true, nil
}

// ConfirmDeployment verifies that txRef landed successfully and that the
// pool's address now holds contract code. A missing or failed receipt returns
// false without error; only transport failures are errors.
func (g *Gateway) ConfirmDeployment(ctx context.Context, pool *domain.Pool, txRef string) (bool, error) {
	if len(common.FromHex(txRef)) != common.HashLength {
		return false, &domain.ConfirmationError{TxRef: txRef, Reason: "not a transaction hash"}
	}
	hash := common.HexToHash(txRef)

	receipt, err := g.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, &domain.GatewayError{Op: "transaction_receipt", Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}

	code, err := g.eth.CodeAt(ctx, pool.Address, nil)
	if err != nil {
		return false, &domain.GatewayError{Op: "code_at", Err: err}
	}
	return len(code) > 0, nil
}

// PrepareAllocation packs an escrow allocate(operator, amount) call.
func (g *Gateway) PrepareAllocation(ctx context.Context, pool *domain.Pool, operator common.Address, amount *big.Int) (domain.UnsignedInstruction, error) {
	if pool.EscrowAddress == nil {
		return domain.UnsignedInstruction{}, domain.Preconditionf("pool %s has no registered escrow", pool.ID)
	}
	return g.pack(escrowABI, *pool.EscrowAddress, "allocate", operator, amount)
}

// PrepareRebalance packs the escrow call matching the rebalance direction.
func (g *Gateway) PrepareRebalance(ctx context.Context, pool *domain.Pool, dir domain.RebalanceDirection, amount *big.Int) (domain.UnsignedInstruction, error) {
	if pool.EscrowAddress == nil {
		return domain.UnsignedInstruction{}, domain.Preconditionf("pool %s has no registered escrow", pool.ID)
	}
	method := "rebalanceInvest"
	if dir == domain.RebalanceLiquidate {
		method = "rebalanceLiquidate"
	}
	return g.pack(escrowABI, *pool.EscrowAddress, method, amount)
}

// PrepareWithdrawalBatch packs an escrow processWithdrawals(batchSize) call.
func (g *Gateway) PrepareWithdrawalBatch(ctx context.Context, pool *domain.Pool, batchSize int) (domain.UnsignedInstruction, error) {
	if pool.EscrowAddress == nil {
		return domain.UnsignedInstruction{}, domain.Preconditionf("pool %s has no registered escrow", pool.ID)
	}
	return g.pack(escrowABI, *pool.EscrowAddress, "processWithdrawals", big.NewInt(int64(batchSize)))
}

// PreparePause packs a pause() call against the pool contract itself.
func (g *Gateway) PreparePause(ctx context.Context, pool *domain.Pool) (domain.UnsignedInstruction, error) {
	return g.pack(poolABI, pool.Address, "pause")
}

// PrepareMaturityReturn packs an escrow returnMaturity(amount) call.
func (g *Gateway) PrepareMaturityReturn(ctx context.Context, pool *domain.Pool, amount *big.Int) (domain.UnsignedInstruction, error) {
	if pool.EscrowAddress == nil {
		return domain.UnsignedInstruction{}, domain.Preconditionf("pool %s has no registered escrow", pool.ID)
	}
	return g.pack(escrowABI, *pool.EscrowAddress, "returnMaturity", amount)
}

// call performs an eth_call against a contract and unpacks the outputs.
// Transport errors are wrapped as retryable gateway errors.
func (g *Gateway) call(ctx context.Context, contract abiPacker, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	raw, err := g.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, &domain.GatewayError{Op: "eth_call " + method, Err: err}
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("evm: unpack %s: empty output", method)
	}
	return out, nil
}

// pack builds an unsigned instruction for the external signer.
func (g *Gateway) pack(contract abiPacker, to common.Address, method string, args ...any) (domain.UnsignedInstruction, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return domain.UnsignedInstruction{}, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	return domain.UnsignedInstruction{
		ChainID: g.chainID,
		To:      to,
		Value:   big.NewInt(0),
		Data:    data,
		Method:  method,
	}, nil
}

type abiPacker interface {
	Pack(name string, args ...any) ([]byte, error)
	Unpack(name string, data []byte) ([]any, error)
}

func asBig(out []any, method string) (*big.Int, error) {
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: %s: unexpected output type %T", method, out[0])
	}
	return v, nil
}

// Compile-time interface check.
var _ domain.LedgerGateway = (*Gateway)(nil)
