package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// TierStore implements domain.TierStore using PostgreSQL.
type TierStore struct {
	pool *pgxpool.Pool
}

// NewTierStore creates a new TierStore backed by the given connection pool.
func NewTierStore(pool *pgxpool.Pool) *TierStore {
	return &TierStore{pool: pool}
}

const tierSelectCols = `id, pool_id, duration_seconds, apy_bps, early_exit_penalty_bps,
	min_deposit::text, active, created_at, updated_at`

func scanTierRow(row pgx.Row) (domain.LockTier, error) {
	var (
		t          domain.LockTier
		durationS  int64
		minDeposit string
	)

	err := row.Scan(
		&t.ID, &t.PoolID, &durationS, &t.APYBps, &t.EarlyExitPenaltyBps,
		&minDeposit, &t.Active, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.LockTier{}, err
	}

	t.Duration = time.Duration(durationS) * time.Second
	if t.MinDeposit, err = parseBig(minDeposit); err != nil {
		return domain.LockTier{}, err
	}
	return t, nil
}

// Create inserts a new lock tier.
func (s *TierStore) Create(ctx context.Context, t domain.LockTier) error {
	const query = `
		INSERT INTO lock_tiers (
			id, pool_id, duration_seconds, apy_bps, early_exit_penalty_bps,
			min_deposit, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.PoolID, int64(t.Duration/time.Second), t.APYBps, t.EarlyExitPenaltyBps,
		bigArg(t.MinDeposit), t.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres: create tier %s: %w", t.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a tier.
func (s *TierStore) Update(ctx context.Context, t domain.LockTier) error {
	const query = `
		UPDATE lock_tiers SET
			duration_seconds       = $2,
			apy_bps                = $3,
			early_exit_penalty_bps = $4,
			min_deposit            = $5,
			active                 = $6,
			updated_at             = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		t.ID, int64(t.Duration/time.Second), t.APYBps, t.EarlyExitPenaltyBps,
		bigArg(t.MinDeposit), t.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres: update tier %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single tier.
func (s *TierStore) GetByID(ctx context.Context, id string) (domain.LockTier, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tierSelectCols+` FROM lock_tiers WHERE id = $1`, id)

	t, err := scanTierRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LockTier{}, domain.ErrNotFound
		}
		return domain.LockTier{}, fmt.Errorf("postgres: get tier %s: %w", id, err)
	}
	return t, nil
}

// ListByPool returns a pool's tiers, shortest duration first.
func (s *TierStore) ListByPool(ctx context.Context, poolID string, activeOnly bool) ([]domain.LockTier, error) {
	query := `SELECT ` + tierSelectCols + ` FROM lock_tiers WHERE pool_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY duration_seconds ASC`

	rows, err := s.pool.Query(ctx, query, poolID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tiers for pool %s: %w", poolID, err)
	}
	defer rows.Close()

	var tiers []domain.LockTier
	for rows.Next() {
		t, err := scanTierRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan tier: %w", err)
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}
