// Package store defines internal persistence adapter ports used by the
// higher-level segment Store. These ports isolate the concrete metadata index
// (SQLite or Postgres) and blob storage (filesystem or S3) so they can be
// tested and evolved independently. Callers outside this package interact
// only with the app.SegmentStore implementation, not these internal details.
package store

import (
	"context"
	"time"

	"github.com/haukened/segvault/internal/domain"
)

// Index abstracts the metadata index: one row per segment key pointing at a
// byte range inside a blob.
type Index interface {
	// InsertRows bulk-inserts rows in one transaction. A row whose key already
	// exists is skipped; the first committed row for a key wins.
	InsertRows(ctx context.Context, rows []domain.MetadataRow) error
	// FindByKey returns the live (not archived) row for key or domain.ErrNotFound.
	FindByKey(ctx context.Context, key string) (domain.MetadataRow, error)
	// FindAnyByKey is FindByKey without the archive filter.
	FindAnyByKey(ctx context.Context, key string) (domain.MetadataRow, error)
	// FindByPrefix lists live rows whose key starts with prefix, ordered by key.
	FindByPrefix(ctx context.Context, prefix string, limit, offset int) ([]domain.MetadataRow, error)
	// FindByKeys returns live rows for the given keys, ordered by id.
	FindByKeys(ctx context.Context, keys []string) ([]domain.MetadataRow, error)
	// Archive tombstones the row and reports whether it exists.
	Archive(ctx context.Context, key string) (bool, error)
	// ClearDEK discards the wrapped key material of an archived key and returns
	// domain.ErrNotArchived for a live one.
	ClearDEK(ctx context.Context, key string) error
	// ListPendingZero returns archived rows whose bytes are not yet zeroed.
	ListPendingZero(ctx context.Context, limit int) ([]domain.MetadataRow, error)
	// MarkZeroed flags the row as zeroed and clears its DEK.
	MarkZeroed(ctx context.Context, id int64) error
	// ListFilenames returns every blob name referenced by at least one row.
	ListFilenames(ctx context.Context) ([]string, error)
}

// BlobStorage abstracts remote blob persistence. Upload is last-writer-wins
// per name.
type BlobStorage interface {
	Upload(ctx context.Context, name string, data []byte) error
	Download(ctx context.Context, name string) ([]byte, error)
	// ReadRange returns bytes [start, end] inclusive. end < start yields an empty slice.
	ReadRange(ctx context.Context, name string, start, end int64) ([]byte, error)
}

// Lister is implemented by blob backends without native object expiry
// (the filesystem). Backends with lifecycle rules (S3) rely on those instead.
type Lister interface {
	List(ctx context.Context) ([]BlobInfo, error)
	Delete(ctx context.Context, name string) error
}

// BlobInfo describes a stored blob for expiry and orphan scans.
type BlobInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}
