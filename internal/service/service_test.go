package service

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/piron-finance/piron-backend/internal/domain"
	"github.com/piron-finance/piron-backend/internal/store/memory"
)

// testStores bundles the in-memory fixtures shared across service tests.
type testStores struct {
	pools       *memory.PoolStore
	withdrawals *memory.WithdrawalStore
	ops         *memory.OperationStore
	tiers       *memory.TierStore
	positions   *memory.PositionStore
	audit       *memory.AuditStore
	locks       *memory.LockManager
}

func newTestStores() testStores {
	return testStores{
		pools:       memory.NewPoolStore(),
		withdrawals: memory.NewWithdrawalStore(),
		ops:         memory.NewOperationStore(),
		tiers:       memory.NewTierStore(),
		positions:   memory.NewPositionStore(),
		audit:       memory.NewAuditStore(),
		locks:       memory.NewLockManager(),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubGateway is a scriptable ledger for tests. Zero value reads return
// zeroed figures; set the fields to script behavior.
type stubGateway struct {
	cash       *big.Int
	nav        *big.Int
	escrow     common.Address
	hasEscrow  bool
	confirmed  bool
	readErr    error
	confirmErr error
	pauseErr   error
}

func (g *stubGateway) CashBuffer(ctx context.Context, pool *domain.Pool) (*big.Int, error) {
	if g.readErr != nil {
		return nil, g.readErr
	}
	if g.cash == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(g.cash), nil
}

func (g *stubGateway) TotalNAV(ctx context.Context, pool *domain.Pool) (*big.Int, error) {
	if g.readErr != nil {
		return nil, g.readErr
	}
	if g.nav == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(g.nav), nil
}

func (g *stubGateway) EscrowAddress(ctx context.Context, pool *domain.Pool) (common.Address, bool, error) {
	if g.readErr != nil {
		return common.Address{}, false, g.readErr
	}
	return g.escrow, g.hasEscrow, nil
}

func (g *stubGateway) ConfirmDeployment(ctx context.Context, pool *domain.Pool, txRef string) (bool, error) {
	if g.confirmErr != nil {
		return false, g.confirmErr
	}
	return g.confirmed, nil
}

func (g *stubGateway) prepare(pool *domain.Pool, method string) domain.UnsignedInstruction {
	to := pool.Address
	if pool.EscrowAddress != nil {
		to = *pool.EscrowAddress
	}
	return domain.UnsignedInstruction{
		ChainID: pool.ChainID,
		To:      to,
		Value:   big.NewInt(0),
		Data:    []byte{0x01},
		Method:  method,
	}
}

func (g *stubGateway) PrepareAllocation(ctx context.Context, pool *domain.Pool, operator common.Address, amount *big.Int) (domain.UnsignedInstruction, error) {
	return g.prepare(pool, "allocate"), nil
}

func (g *stubGateway) PrepareRebalance(ctx context.Context, pool *domain.Pool, dir domain.RebalanceDirection, amount *big.Int) (domain.UnsignedInstruction, error) {
	return g.prepare(pool, "rebalance"), nil
}

func (g *stubGateway) PrepareWithdrawalBatch(ctx context.Context, pool *domain.Pool, batchSize int) (domain.UnsignedInstruction, error) {
	return g.prepare(pool, "processWithdrawals"), nil
}

func (g *stubGateway) PreparePause(ctx context.Context, pool *domain.Pool) (domain.UnsignedInstruction, error) {
	if g.pauseErr != nil {
		return domain.UnsignedInstruction{}, g.pauseErr
	}
	return g.prepare(pool, "pause"), nil
}

func (g *stubGateway) PrepareMaturityReturn(ctx context.Context, pool *domain.Pool, amount *big.Int) (domain.UnsignedInstruction, error) {
	return g.prepare(pool, "returnMaturity"), nil
}

var _ domain.LedgerGateway = (*stubGateway)(nil)

// nopBus discards events.
type nopBus struct{}

func (nopBus) Publish(ctx context.Context, channel string, payload []byte) error { return nil }

func (nopBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

// memHealthCache is a map-backed HealthCache that honors TTLs.
type memHealthCache struct {
	mu      sync.Mutex
	entries map[string]memHealthEntry
}

type memHealthEntry struct {
	report    domain.HealthReport
	expiresAt time.Time
}

func newMemHealthCache() *memHealthCache {
	return &memHealthCache{entries: make(map[string]memHealthEntry)}
}

func (c *memHealthCache) SetReport(ctx context.Context, poolID string, report domain.HealthReport, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[poolID] = memHealthEntry{report: report, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *memHealthCache) GetReport(ctx context.Context, poolID string) (domain.HealthReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[poolID]
	if !ok || time.Now().After(entry.expiresAt) {
		return domain.HealthReport{}, domain.ErrNotFound
	}
	return entry.report, nil
}

// Pool fixtures. Amounts use whole units for readable arithmetic.

func stableYieldPool(status domain.PoolStatus) domain.Pool {
	now := time.Now().UTC()
	escrow := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	return domain.Pool{
		ID:       "pool-stable",
		ChainID:  8453,
		Address:  common.HexToAddress("0x0000000000000000000000000000000000000101"),
		Name:     "Stable Yield Fund I",
		Variant:  domain.VariantStableYield,
		Status:   status,
		IsActive: true,
		Asset: domain.Asset{
			Address:  common.HexToAddress("0x0000000000000000000000000000000000000055"),
			Symbol:   "USDC",
			Decimals: 6,
		},
		MinInvestment: big.NewInt(100),
		EscrowAddress: &escrow,
		SPVAddress:    common.HexToAddress("0x0000000000000000000000000000000000000077"),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func singleMaturityPool(status domain.PoolStatus) domain.Pool {
	now := time.Now().UTC()
	deadline := now.Add(-24 * time.Hour)
	maturity := now.Add(-1 * time.Hour)
	escrow := common.HexToAddress("0x00000000000000000000000000000000000000e6")
	return domain.Pool{
		ID:       "pool-single",
		ChainID:  8453,
		Address:  common.HexToAddress("0x0000000000000000000000000000000000000102"),
		Name:     "T-Bill Note 2026",
		Variant:  domain.VariantSingleMaturity,
		Status:   status,
		IsActive: true,
		Asset: domain.Asset{
			Address:  common.HexToAddress("0x0000000000000000000000000000000000000055"),
			Symbol:   "USDC",
			Decimals: 6,
		},
		MinInvestment:   big.NewInt(1000),
		TargetRaise:     big.NewInt(1_000_000),
		FundingDeadline: &deadline,
		MaturityDate:    &maturity,
		EscrowAddress:   &escrow,
		SPVAddress:      common.HexToAddress("0x0000000000000000000000000000000000000078"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func lockedTermPool(status domain.PoolStatus) domain.Pool {
	now := time.Now().UTC()
	escrow := common.HexToAddress("0x00000000000000000000000000000000000000e7")
	return domain.Pool{
		ID:       "pool-locked",
		ChainID:  8453,
		Address:  common.HexToAddress("0x0000000000000000000000000000000000000103"),
		Name:     "Locked Term Vault",
		Variant:  domain.VariantLockedTerm,
		Status:   status,
		IsActive: true,
		Asset: domain.Asset{
			Address:  common.HexToAddress("0x0000000000000000000000000000000000000055"),
			Symbol:   "USDC",
			Decimals: 6,
		},
		MinInvestment: big.NewInt(500),
		EscrowAddress: &escrow,
		SPVAddress:    common.HexToAddress("0x0000000000000000000000000000000000000079"),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
