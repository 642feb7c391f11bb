package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a single object in blob storage.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	// PutMultipart streams large payloads in parts. partSize below the
	// backend minimum is clamped.
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves settled records from the database to cold storage.
type Archiver interface {
	ArchiveWithdrawals(ctx context.Context, before time.Time) (int64, error)
	ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error)
}
