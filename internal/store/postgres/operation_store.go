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

// OperationStore implements domain.OperationStore using PostgreSQL.
type OperationStore struct {
	pool *pgxpool.Pool
}

// NewOperationStore creates a new OperationStore backed by the given pool.
func NewOperationStore(pool *pgxpool.Pool) *OperationStore {
	return &OperationStore{pool: pool}
}

const operationSelectCols = `id, pool_id, op_type, amount::text, status, initiator,
	notes, tx_ref, expires_at, created_at, updated_at`

func scanOperationRow(row pgx.Row) (domain.SPVOperation, error) {
	var (
		op             domain.SPVOperation
		opType, status string
		amount         string
	)

	err := row.Scan(
		&op.ID, &op.PoolID, &opType, &amount, &status, &op.Initiator,
		&op.Notes, &op.TxRef, &op.ExpiresAt, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return domain.SPVOperation{}, err
	}

	op.Type = domain.OperationType(opType)
	op.Status = domain.OperationStatus(status)
	if op.Amount, err = parseBig(amount); err != nil {
		return domain.SPVOperation{}, err
	}
	return op, nil
}

// Create inserts a new SPV operation record.
func (s *OperationStore) Create(ctx context.Context, op domain.SPVOperation) error {
	const query = `
		INSERT INTO spv_operations (
			id, pool_id, op_type, amount, status, initiator, notes, expires_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		op.ID, op.PoolID, string(op.Type), bigArg(op.Amount), string(op.Status),
		op.Initiator, op.Notes, op.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create operation %s: %w", op.ID, err)
	}
	return nil
}

// GetByID retrieves a single operation.
func (s *OperationStore) GetByID(ctx context.Context, id string) (domain.SPVOperation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+operationSelectCols+` FROM spv_operations WHERE id = $1`, id)

	op, err := scanOperationRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SPVOperation{}, domain.ErrNotFound
		}
		return domain.SPVOperation{}, fmt.Errorf("postgres: get operation %s: %w", id, err)
	}
	return op, nil
}

// UpdateStatus performs a compare-and-set status transition, optionally
// recording the confirming transaction reference.
func (s *OperationStore) UpdateStatus(ctx context.Context, id string, expectedFrom, to domain.OperationStatus, txRef *string) error {
	const query = `
		UPDATE spv_operations SET
			status     = $3,
			tx_ref     = COALESCE($4, tx_ref),
			updated_at = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query, id, string(expectedFrom), string(to), txRef)
	if err != nil {
		return fmt.Errorf("postgres: transition operation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ExpirePending sweeps PENDING operations whose expiry has passed.
func (s *OperationStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE spv_operations SET
			status     = 'expired',
			updated_at = NOW()
		WHERE status = 'pending' AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire pending operations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListByPool returns a pool's operations, newest first.
func (s *OperationStore) ListByPool(ctx context.Context, poolID string, opts domain.ListOpts) ([]domain.SPVOperation, error) {
	query := `SELECT ` + operationSelectCols + ` FROM spv_operations WHERE pool_id = $1 ORDER BY created_at DESC`
	args := []any{poolID}

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryOperations(ctx, query, args...)
}

// ListByStatus returns operations in the given status, oldest first.
func (s *OperationStore) ListByStatus(ctx context.Context, status domain.OperationStatus, opts domain.ListOpts) ([]domain.SPVOperation, error) {
	query := `SELECT ` + operationSelectCols + ` FROM spv_operations WHERE status = $1 ORDER BY created_at ASC`
	args := []any{string(status)}

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryOperations(ctx, query, args...)
}

func (s *OperationStore) queryOperations(ctx context.Context, query string, args ...any) ([]domain.SPVOperation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list operations: %w", err)
	}
	defer rows.Close()

	var ops []domain.SPVOperation
	for rows.Next() {
		op, err := scanOperationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
