package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// WithdrawalStore implements domain.WithdrawalStore using PostgreSQL.
type WithdrawalStore struct {
	pool *pgxpool.Pool
}

// NewWithdrawalStore creates a new WithdrawalStore backed by the given pool.
func NewWithdrawalStore(pool *pgxpool.Pool) *WithdrawalStore {
	return &WithdrawalStore{pool: pool}
}

const withdrawalSelectCols = `id, pool_id, investor, shares::text, estimated_value::text,
	status, batch_id, requested_at, processed_at, settled_at, created_at, updated_at`

func scanWithdrawalRow(row pgx.Row) (domain.WithdrawalRequest, error) {
	var (
		r                domain.WithdrawalRequest
		investor, status string
		shares, estValue string
	)

	err := row.Scan(
		&r.ID, &r.PoolID, &investor, &shares, &estValue,
		&status, &r.BatchID, &r.RequestedAt, &r.ProcessedAt, &r.SettledAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}

	r.Investor = common.HexToAddress(investor)
	r.Status = domain.WithdrawalStatus(status)
	if r.Shares, err = parseBig(shares); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if r.EstimatedValue, err = parseBig(estValue); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	return r, nil
}

// Create inserts a new queued redemption request.
func (s *WithdrawalStore) Create(ctx context.Context, r domain.WithdrawalRequest) error {
	const query = `
		INSERT INTO withdrawal_requests (
			id, pool_id, investor, shares, estimated_value,
			status, requested_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.PoolID, addrArg(r.Investor), bigArg(r.Shares), bigArg(r.EstimatedValue),
		string(r.Status), r.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create withdrawal %s: %w", r.ID, err)
	}
	return nil
}

// GetByID retrieves a single request.
func (s *WithdrawalStore) GetByID(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+withdrawalSelectCols+` FROM withdrawal_requests WHERE id = $1`, id)

	r, err := scanWithdrawalRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WithdrawalRequest{}, domain.ErrNotFound
		}
		return domain.WithdrawalRequest{}, fmt.Errorf("postgres: get withdrawal %s: %w", id, err)
	}
	return r, nil
}

// SelectForProcessing atomically selects the oldest QUEUED requests for the
// pool and marks them PROCESSING under batchID. The ordered sub-select and
// the status flip run in one UPDATE: concurrent callers lock disjoint rows
// (SKIP LOCKED), so no request can land in two in-flight batches.
func (s *WithdrawalStore) SelectForProcessing(ctx context.Context, poolID, batchID string, max int) ([]domain.WithdrawalRequest, error) {
	const query = `
		UPDATE withdrawal_requests SET
			status       = 'processing',
			batch_id     = $3,
			processed_at = NOW(),
			updated_at   = NOW()
		WHERE id IN (
			SELECT id FROM withdrawal_requests
			WHERE pool_id = $1 AND status = 'queued'
			ORDER BY requested_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + withdrawalSelectCols

	rows, err := s.pool.Query(ctx, query, poolID, max, batchID)
	if err != nil {
		return nil, fmt.Errorf("postgres: select withdrawal batch for pool %s: %w", poolID, err)
	}
	defer rows.Close()

	var selected []domain.WithdrawalRequest
	for rows.Next() {
		r, err := scanWithdrawalRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan withdrawal batch: %w", err)
		}
		selected = append(selected, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: select withdrawal batch rows: %w", err)
	}

	// RETURNING gives no ordering guarantee; restore FIFO order.
	sort.SliceStable(selected, func(i, j int) bool {
		if !selected[i].RequestedAt.Equal(selected[j].RequestedAt) {
			return selected[i].RequestedAt.Before(selected[j].RequestedAt)
		}
		return selected[i].ID < selected[j].ID
	})
	return selected, nil
}

// SettleBatch moves every PROCESSING request in the batch to the given
// terminal status and returns the number settled.
func (s *WithdrawalStore) SettleBatch(ctx context.Context, batchID string, status domain.WithdrawalStatus) (int64, error) {
	if !status.Terminal() {
		return 0, domain.Preconditionf("settlement status %s is not terminal", status)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_requests SET
			status     = $2,
			settled_at = NOW(),
			updated_at = NOW()
		WHERE batch_id = $1 AND status = 'processing'`,
		batchID, string(status))
	if err != nil {
		return 0, fmt.Errorf("postgres: settle batch %s: %w", batchID, err)
	}
	return tag.RowsAffected(), nil
}

// Cancel moves a single QUEUED request to CANCELLED. Requests already
// selected into a batch cannot be cancelled.
func (s *WithdrawalStore) Cancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_requests SET
			status     = 'cancelled',
			settled_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return fmt.Errorf("postgres: cancel withdrawal %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByPool returns a pool's requests, optionally filtered by status,
// oldest first.
func (s *WithdrawalStore) ListByPool(ctx context.Context, poolID string, status domain.WithdrawalStatus, opts domain.ListOpts) ([]domain.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalSelectCols + ` FROM withdrawal_requests WHERE pool_id = $1`
	args := []any{poolID}

	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND requested_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND requested_at <= $%d", len(args))
	}

	query += " ORDER BY requested_at ASC, id ASC"

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
		return nil, fmt.Errorf("postgres: list withdrawals for pool %s: %w", poolID, err)
	}
	defer rows.Close()

	var reqs []domain.WithdrawalRequest
	for rows.Next() {
		r, err := scanWithdrawalRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan withdrawal: %w", err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// Stats summarizes the pool's queue.
func (s *WithdrawalStore) Stats(ctx context.Context, poolID string) (domain.QueueStats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COALESCE(SUM(estimated_value) FILTER (WHERE status = 'queued'), 0)::text,
			MIN(requested_at) FILTER (WHERE status = 'queued')
		FROM withdrawal_requests WHERE pool_id = $1`

	var (
		stats  domain.QueueStats
		value  string
		oldest *time.Time
	)
	err := s.pool.QueryRow(ctx, query, poolID).Scan(
		&stats.QueuedCount, &stats.Processing, &value, &oldest)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("postgres: withdrawal stats for pool %s: %w", poolID, err)
	}

	stats.PoolID = poolID
	if stats.QueuedValue, err = parseBig(value); err != nil {
		return domain.QueueStats{}, err
	}
	if oldest != nil {
		stats.OldestQueued = *oldest
	}
	return stats, nil
}

// ListSettledBefore returns terminal requests settled before the cutoff, for
// cold archival.
func (s *WithdrawalStore) ListSettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.WithdrawalRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+withdrawalSelectCols+` FROM withdrawal_requests
		WHERE status IN ('completed', 'failed', 'cancelled') AND settled_at < $1
		ORDER BY settled_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled withdrawals: %w", err)
	}
	defer rows.Close()

	var reqs []domain.WithdrawalRequest
	for rows.Next() {
		r, err := scanWithdrawalRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan settled withdrawal: %w", err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// DeleteByIDs removes archived rows.
func (s *WithdrawalStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM withdrawal_requests WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete withdrawals: %w", err)
	}
	return tag.RowsAffected(), nil
}
