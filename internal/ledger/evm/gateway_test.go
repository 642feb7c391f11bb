package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// fakeBackend scripts responses for the ethBackend surface.
type fakeBackend struct {
	callResult []byte
	callErr    error
	receipt    *types.Receipt
	receiptErr error
	code       []byte
	codeErr    error

	lastCall ethereum.CallMsg
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastCall = msg
	return f.callResult, f.callErr
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeBackend) CodeAt(_ context.Context, _ common.Address, _ *big.Int) ([]byte, error) {
	return f.code, f.codeErr
}

func testPool(withEscrow bool) *domain.Pool {
	pool := &domain.Pool{
		ID:      "pool-1",
		ChainID: 8453,
		Address: common.HexToAddress("0x1111111111111111111111111111111111111111"),
	}
	if withEscrow {
		escrow := common.HexToAddress("0x2222222222222222222222222222222222222222")
		pool.EscrowAddress = &escrow
	}
	return pool
}

func encodeUint256(t *testing.T, v *big.Int) []byte {
	t.Helper()
	out, err := escrowABI.Methods["cashBuffer"].Outputs.Pack(v)
	require.NoError(t, err)
	return out
}

func TestGateway_CashBuffer(t *testing.T) {
	ctx := context.Background()

	t.Run("reads the escrow balance", func(t *testing.T) {
		backend := &fakeBackend{callResult: encodeUint256(t, big.NewInt(42_000_000))}
		g := NewWithBackend(backend, 8453, common.Address{})

		got, err := g.CashBuffer(ctx, testPool(true))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(42_000_000), got)
		assert.Equal(t, testPool(true).EscrowAddress, backend.lastCall.To)
	})

	t.Run("rejects pools without an escrow", func(t *testing.T) {
		g := NewWithBackend(&fakeBackend{}, 8453, common.Address{})

		_, err := g.CashBuffer(ctx, testPool(false))
		var pre *domain.PreconditionError
		require.ErrorAs(t, err, &pre)
	})

	t.Run("wraps transport failures as retryable", func(t *testing.T) {
		backend := &fakeBackend{callErr: errors.New("connection refused")}
		g := NewWithBackend(backend, 8453, common.Address{})

		_, err := g.CashBuffer(ctx, testPool(true))
		require.Error(t, err)
		assert.True(t, domain.Retryable(err))
	})
}

func TestGateway_EscrowAddress(t *testing.T) {
	ctx := context.Background()
	registry := common.HexToAddress("0x3333333333333333333333333333333333333333")

	encodeAddr := func(addr common.Address) []byte {
		out, err := registryABI.Methods["escrowOf"].Outputs.Pack(addr)
		require.NoError(t, err)
		return out
	}

	t.Run("resolves a registered escrow", func(t *testing.T) {
		escrow := common.HexToAddress("0x4444444444444444444444444444444444444444")
		backend := &fakeBackend{callResult: encodeAddr(escrow)}
		g := NewWithBackend(backend, 8453, registry)

		got, found, err := g.EscrowAddress(ctx, testPool(false))
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, escrow, got)
		assert.Equal(t, &registry, backend.lastCall.To)
	})

	t.Run("zero address means no entry", func(t *testing.T) {
		backend := &fakeBackend{callResult: encodeAddr(common.Address{})}
		g := NewWithBackend(backend, 8453, registry)

		_, found, err := g.EscrowAddress(ctx, testPool(false))
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestGateway_ConfirmDeployment(t *testing.T) {
	ctx := context.Background()
	txRef := "0xabababababababababababababababababababababababababababababababab"

	t.Run("rejects malformed references", func(t *testing.T) {
		g := NewWithBackend(&fakeBackend{}, 8453, common.Address{})

		_, err := g.ConfirmDeployment(ctx, testPool(false), "not-a-hash")
		var conf *domain.ConfirmationError
		require.ErrorAs(t, err, &conf)
	})

	t.Run("missing receipt is unconfirmed, not an error", func(t *testing.T) {
		g := NewWithBackend(&fakeBackend{receiptErr: ethereum.NotFound}, 8453, common.Address{})

		ok, err := g.ConfirmDeployment(ctx, testPool(false), txRef)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrapped not-found is still unconfirmed", func(t *testing.T) {
		wrapped := fmt.Errorf("rpc: %w", ethereum.NotFound)
		g := NewWithBackend(&fakeBackend{receiptErr: wrapped}, 8453, common.Address{})

		ok, err := g.ConfirmDeployment(ctx, testPool(false), txRef)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("reverted transaction is unconfirmed", func(t *testing.T) {
		backend := &fakeBackend{receipt: &types.Receipt{Status: types.ReceiptStatusFailed}}
		g := NewWithBackend(backend, 8453, common.Address{})

		ok, err := g.ConfirmDeployment(ctx, testPool(false), txRef)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("successful receipt with code confirms", func(t *testing.T) {
		backend := &fakeBackend{
			receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
			code:    []byte{0x60, 0x80},
		}
		g := NewWithBackend(backend, 8453, common.Address{})

		ok, err := g.ConfirmDeployment(ctx, testPool(false), txRef)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("successful receipt without code does not confirm", func(t *testing.T) {
		backend := &fakeBackend{
			receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
		}
		g := NewWithBackend(backend, 8453, common.Address{})

		ok, err := g.ConfirmDeployment(ctx, testPool(false), txRef)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestGateway_PrepareAllocation(t *testing.T) {
	ctx := context.Background()
	operator := common.HexToAddress("0x5555555555555555555555555555555555555555")

	t.Run("packs calldata for the escrow", func(t *testing.T) {
		pool := testPool(true)
		g := NewWithBackend(&fakeBackend{}, 8453, common.Address{})

		instr, err := g.PrepareAllocation(ctx, pool, operator, big.NewInt(1000))
		require.NoError(t, err)
		assert.Equal(t, int64(8453), instr.ChainID)
		assert.Equal(t, *pool.EscrowAddress, instr.To)
		assert.Equal(t, "allocate", instr.Method)

		want, err := escrowABI.Pack("allocate", operator, big.NewInt(1000))
		require.NoError(t, err)
		assert.Equal(t, want, instr.Data)
	})

	t.Run("rejects pools without an escrow", func(t *testing.T) {
		g := NewWithBackend(&fakeBackend{}, 8453, common.Address{})

		_, err := g.PrepareAllocation(ctx, testPool(false), operator, big.NewInt(1000))
		var pre *domain.PreconditionError
		require.ErrorAs(t, err, &pre)
	})
}

func TestGateway_PrepareRebalance(t *testing.T) {
	ctx := context.Background()
	g := NewWithBackend(&fakeBackend{}, 8453, common.Address{})

	invest, err := g.PrepareRebalance(ctx, testPool(true), domain.RebalanceInvest, big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, "rebalanceInvest", invest.Method)

	liquidate, err := g.PrepareRebalance(ctx, testPool(true), domain.RebalanceLiquidate, big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, "rebalanceLiquidate", liquidate.Method)
}
