package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// PoolStore implements domain.PoolStore using PostgreSQL.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a new PoolStore backed by the given connection pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

const poolSelectCols = `id, chain_id, address, name, variant, status, paused, is_active,
	asset_address, asset_symbol, asset_decimals,
	min_investment::text, target_raise::text, funding_deadline, maturity_date,
	escrow_address, spv_address, total_nav::text, nav_updated_at,
	projected_yield_bps, actual_yield_bps, created_at, updated_at`

func scanPoolRow(row pgx.Row) (domain.Pool, error) {
	var (
		p                                 domain.Pool
		address, assetAddr, spvAddr       string
		variant, status                   string
		minInvestment                     string
		targetRaise, totalNAV, escrowAddr *string
	)

	err := row.Scan(
		&p.ID, &p.ChainID, &address, &p.Name, &variant, &status, &p.Paused, &p.IsActive,
		&assetAddr, &p.Asset.Symbol, &p.Asset.Decimals,
		&minInvestment, &targetRaise, &p.FundingDeadline, &p.MaturityDate,
		&escrowAddr, &spvAddr, &totalNAV, &p.NAVUpdatedAt,
		&p.ProjectedYieldBps, &p.ActualYieldBps, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Pool{}, err
	}

	p.Address = common.HexToAddress(address)
	p.Variant = domain.PoolVariant(variant)
	p.Status = domain.PoolStatus(status)
	p.Asset.Address = common.HexToAddress(assetAddr)
	p.SPVAddress = common.HexToAddress(spvAddr)
	p.EscrowAddress = parseAddrPtr(escrowAddr)

	if p.MinInvestment, err = parseBig(minInvestment); err != nil {
		return domain.Pool{}, err
	}
	if p.TargetRaise, err = parseBigPtr(targetRaise); err != nil {
		return domain.Pool{}, err
	}
	if p.TotalNAV, err = parseBigPtr(totalNAV); err != nil {
		return domain.Pool{}, err
	}
	return p, nil
}

// Create inserts a new pool mirror row.
func (s *PoolStore) Create(ctx context.Context, p domain.Pool) error {
	const query = `
		INSERT INTO pools (
			id, chain_id, address, name, variant, status, paused, is_active,
			asset_address, asset_symbol, asset_decimals,
			min_investment, target_raise, funding_deadline, maturity_date,
			escrow_address, spv_address, total_nav, nav_updated_at,
			projected_yield_bps, actual_yield_bps, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, NOW(), NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.ChainID, addrArg(p.Address), p.Name, string(p.Variant), string(p.Status), p.Paused, p.IsActive,
		addrArg(p.Asset.Address), p.Asset.Symbol, p.Asset.Decimals,
		bigArg(p.MinInvestment), bigArg(p.TargetRaise), p.FundingDeadline, p.MaturityDate,
		addrPtrArg(p.EscrowAddress), addrArg(p.SPVAddress), bigArg(p.TotalNAV), p.NAVUpdatedAt,
		p.ProjectedYieldBps, p.ActualYieldBps,
	)
	if err != nil {
		return fmt.Errorf("postgres: create pool %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a pool.
func (s *PoolStore) Update(ctx context.Context, p domain.Pool) error {
	const query = `
		UPDATE pools SET
			name                = $2,
			status              = $3,
			paused              = $4,
			is_active           = $5,
			min_investment      = $6,
			target_raise        = $7,
			funding_deadline    = $8,
			maturity_date       = $9,
			escrow_address      = $10,
			spv_address         = $11,
			total_nav           = $12,
			nav_updated_at      = $13,
			projected_yield_bps = $14,
			actual_yield_bps    = $15,
			updated_at          = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Name, string(p.Status), p.Paused, p.IsActive,
		bigArg(p.MinInvestment), bigArg(p.TargetRaise), p.FundingDeadline, p.MaturityDate,
		addrPtrArg(p.EscrowAddress), addrArg(p.SPVAddress), bigArg(p.TotalNAV), p.NAVUpdatedAt,
		p.ProjectedYieldBps, p.ActualYieldBps,
	)
	if err != nil {
		return fmt.Errorf("postgres: update pool %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateAnalytics writes only the NAV and yield columns. Status, pause, and
// activity flags stay untouched so the indexer feed cannot undo a concurrent
// transition.
func (s *PoolStore) UpdateAnalytics(ctx context.Context, id string, nav *big.Int, navUpdatedAt time.Time, projectedYieldBps, actualYieldBps int64) error {
	const query = `
		UPDATE pools SET
			total_nav           = $2,
			nav_updated_at      = $3,
			projected_yield_bps = $4,
			actual_yield_bps    = $5,
			updated_at          = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, bigArg(nav), navUpdatedAt, projectedYieldBps, actualYieldBps)
	if err != nil {
		return fmt.Errorf("postgres: update pool analytics %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStatus performs a compare-and-set status transition so concurrent
// transitions cannot clobber each other.
func (s *PoolStore) UpdateStatus(ctx context.Context, id string, expectedFrom, to domain.PoolStatus) error {
	const query = `
		UPDATE pools SET
			status     = $3,
			is_active  = CASE WHEN $3 IN ('matured', 'cancelled', 'closed') THEN FALSE ELSE is_active END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query, id, string(expectedFrom), string(to))
	if err != nil {
		return fmt.Errorf("postgres: transition pool %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetPaused flips the pause flag.
func (s *PoolStore) SetPaused(ctx context.Context, id string, paused bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pools SET paused = $2, updated_at = NOW() WHERE id = $1`, id, paused)
	if err != nil {
		return fmt.Errorf("postgres: set pool %s paused: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetEscrowAddress backfills the escrow address. It only writes when the
// mirror field is still empty, which keeps reconciliation idempotent.
func (s *PoolStore) SetEscrowAddress(ctx context.Context, id string, escrow string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pools SET escrow_address = $2, updated_at = NOW()
		 WHERE id = $1 AND escrow_address IS NULL`, id, escrow)
	if err != nil {
		return fmt.Errorf("postgres: set pool %s escrow: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single pool by its ID.
func (s *PoolStore) GetByID(ctx context.Context, id string) (domain.Pool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+poolSelectCols+` FROM pools WHERE id = $1`, id)

	p, err := scanPoolRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, domain.ErrNotFound
		}
		return domain.Pool{}, fmt.Errorf("postgres: get pool %s: %w", id, err)
	}
	return p, nil
}

// GetByAddress retrieves a pool by its on-chain identity.
func (s *PoolStore) GetByAddress(ctx context.Context, chainID int64, address string) (domain.Pool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+poolSelectCols+` FROM pools WHERE chain_id = $1 AND address = $2`,
		chainID, common.HexToAddress(address).Hex())

	p, err := scanPoolRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, domain.ErrNotFound
		}
		return domain.Pool{}, fmt.Errorf("postgres: get pool %d:%s: %w", chainID, address, err)
	}
	return p, nil
}

func poolFilterClauses(filter domain.PoolFilter, args *[]any) string {
	query := ""
	if filter.Variant != "" {
		*args = append(*args, string(filter.Variant))
		query += fmt.Sprintf(" AND variant = $%d", len(*args))
	}
	if filter.Status != "" {
		*args = append(*args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(*args))
	}
	if filter.ActiveOnly {
		query += " AND is_active"
	}
	return query
}

// List returns pools matching the filter, newest first.
func (s *PoolStore) List(ctx context.Context, filter domain.PoolFilter, opts domain.ListOpts) ([]domain.Pool, error) {
	var args []any
	query := `SELECT ` + poolSelectCols + ` FROM pools WHERE 1=1` + poolFilterClauses(filter, &args)
	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		p, err := scanPoolRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// Count returns the number of pools matching the filter.
func (s *PoolStore) Count(ctx context.Context, filter domain.PoolFilter) (int64, error) {
	var args []any
	query := `SELECT COUNT(*) FROM pools WHERE 1=1` + poolFilterClauses(filter, &args)

	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count pools: %w", err)
	}
	return n, nil
}
