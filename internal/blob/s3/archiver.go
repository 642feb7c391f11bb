package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/piron-finance/piron-backend/internal/domain"
)

// archiveBatchSize bounds how many settled requests one archive pass pulls
// from the database.
const archiveBatchSize = 5000

// ArchiveImpl implements domain.Archiver by querying the stores for old
// records, serializing them to JSONL, and uploading the result to S3.
// Settled withdrawal requests are deleted from the primary store only after
// the upload succeeds; audit entries are exported but never deleted, since
// the audit log is append-only.
type ArchiveImpl struct {
	writer      domain.BlobWriter
	withdrawals domain.WithdrawalStore
	audit       domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, withdrawals domain.WithdrawalStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:      writer,
		withdrawals: withdrawals,
		audit:       audit,
	}
}

// ArchiveWithdrawals uploads all settled withdrawal requests older than the
// cutoff to archive/withdrawals/YYYY-MM.jsonl and deletes them from the
// primary store. The archival event is recorded in the audit log and the
// count of archived records is returned.
func (a *ArchiveImpl) ArchiveWithdrawals(ctx context.Context, before time.Time) (int64, error) {
	requests, err := a.withdrawals.ListSettledBefore(ctx, before, archiveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive withdrawals query: %w", err)
	}
	if len(requests) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(requests)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive withdrawals marshal: %w", err)
	}

	path := archivePath("withdrawals", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive withdrawals upload: %w", err)
	}

	ids := make([]string, len(requests))
	for i, r := range requests {
		ids[i] = r.ID
	}
	deleted, err := a.withdrawals.DeleteByIDs(ctx, ids)
	if err != nil {
		// The upload succeeded, so the data is safe; report the purge
		// failure so the next pass retries the delete.
		return deleted, fmt.Errorf("s3blob: archive withdrawals purge: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.withdrawals", map[string]any{
		"path":   path,
		"count":  deleted,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return deleted, fmt.Errorf("s3blob: archive withdrawals audit log: %w", err)
	}

	return deleted, nil
}

// ArchiveAuditLog exports audit entries older than the cutoff to
// archive/audit/YYYY-MM.jsonl. The entries stay in the database.
func (a *ArchiveImpl) ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Limit: archiveBatchSize, Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	return int64(len(entries)), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/withdrawals/2026-08.jsonl
//	archive/audit/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON. Each
// element is one compact JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
