package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, tier_id, pool_id, investor, amount::text, state,
	deposited_at, matures_at, created_at, updated_at`

func scanPositionRow(row pgx.Row) (domain.LockedPosition, error) {
	var (
		p               domain.LockedPosition
		investor, state string
		amount          string
	)

	err := row.Scan(
		&p.ID, &p.TierID, &p.PoolID, &investor, &amount, &state,
		&p.DepositedAt, &p.MaturesAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.LockedPosition{}, err
	}

	p.Investor = common.HexToAddress(investor)
	p.State = domain.PositionState(state)
	if p.Amount, err = parseBig(amount); err != nil {
		return domain.LockedPosition{}, err
	}
	return p, nil
}

// Create inserts a new locked position.
func (s *PositionStore) Create(ctx context.Context, p domain.LockedPosition) error {
	const query = `
		INSERT INTO locked_positions (
			id, tier_id, pool_id, investor, amount, state,
			deposited_at, matures_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.TierID, p.PoolID, addrArg(p.Investor), bigArg(p.Amount), string(p.State),
		p.DepositedAt, p.MaturesAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.LockedPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM locked_positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LockedPosition{}, domain.ErrNotFound
		}
		return domain.LockedPosition{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// UpdateState performs a compare-and-set sub-state transition.
func (s *PositionStore) UpdateState(ctx context.Context, id string, expectedFrom, to domain.PositionState) error {
	const query = `
		UPDATE locked_positions SET
			state      = $3,
			updated_at = NOW()
		WHERE id = $1 AND state = $2`

	tag, err := s.pool.Exec(ctx, query, id, string(expectedFrom), string(to))
	if err != nil {
		return fmt.Errorf("postgres: transition position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByTier returns a tier's positions, oldest deposit first.
func (s *PositionStore) ListByTier(ctx context.Context, tierID string, opts domain.ListOpts) ([]domain.LockedPosition, error) {
	query := `SELECT ` + positionSelectCols + ` FROM locked_positions WHERE tier_id = $1 ORDER BY deposited_at ASC`
	args := []any{tierID}

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryPositions(ctx, query, args...)
}

// ListByPool returns a pool's positions, optionally filtered by state.
func (s *PositionStore) ListByPool(ctx context.Context, poolID string, state domain.PositionState, opts domain.ListOpts) ([]domain.LockedPosition, error) {
	query := `SELECT ` + positionSelectCols + ` FROM locked_positions WHERE pool_id = $1`
	args := []any{poolID}

	if state != "" {
		args = append(args, string(state))
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}

	query += " ORDER BY deposited_at ASC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryPositions(ctx, query, args...)
}

// CountActiveByPool counts positions opened since the cutoff, feeding the
// investor-activity health factor.
func (s *PositionStore) CountActiveByPool(ctx context.Context, poolID string, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM locked_positions
		WHERE pool_id = $1 AND deposited_at >= $2`, poolID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count positions for pool %s: %w", poolID, err)
	}
	return n, nil
}

func (s *PositionStore) queryPositions(ctx context.Context, query string, args ...any) ([]domain.LockedPosition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.LockedPosition
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
