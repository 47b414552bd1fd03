// Package app defines the application layer "ports" (interfaces) that the
// read and redaction use-cases depend upon, plus the use-cases themselves.
// It follows a hexagonal (ports & adapters) design: this package declares
// what the core needs, while adapter packages (SQLite/Postgres index,
// filesystem/S3 blobs, HTTP layer, janitor jobs) provide implementations.
// No SQL or network concerns belong here.
package app

import (
	"context"
	"time"

	"github.com/haukened/segvault/internal/domain"
)

// Clock abstracts time to enable deterministic testing of TTL / expiry logic.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// SegmentStore is the storage port for packed segments. Implementations
// coordinate a metadata index with blob storage and guarantee that rows are
// only inserted after the blob they address has been uploaded.
type SegmentStore interface {
	// Upload writes one blob. Last writer wins per name.
	Upload(ctx context.Context, name string, payload []byte) error
	// InsertRows durably persists rows in bulk. Duplicate keys keep the
	// first committed row.
	InsertRows(ctx context.Context, rows []domain.MetadataRow) error
	// Commit uploads staged.Payload then inserts staged.Rows.
	Commit(ctx context.Context, staged domain.StagedCommit) error

	// Lookup returns the live row for key or domain.ErrNotFound.
	Lookup(ctx context.Context, key string) (domain.MetadataRow, error)
	// LookupAny is Lookup including archived rows.
	LookupAny(ctx context.Context, key string) (domain.MetadataRow, error)
	LookupPrefix(ctx context.Context, prefix string, limit, offset int) ([]domain.MetadataRow, error)
	LookupKeys(ctx context.Context, keys []string) ([]domain.MetadataRow, error)

	// ReadRow returns the stored bytes addressed by row.
	ReadRow(ctx context.Context, row domain.MetadataRow) ([]byte, error)
	DownloadBlob(ctx context.Context, name string) ([]byte, error)

	Archive(ctx context.Context, key string) (bool, error)
	// ClearKey drops the DEK of an archived row only.
	ClearKey(ctx context.Context, key string) error
	PendingZero(ctx context.Context, limit int) ([]domain.MetadataRow, error)
	MarkZeroed(ctx context.Context, id int64) error

	// ExpireBefore removes blobs written before t where the backend has no
	// native expiry, returning the count removed.
	ExpireBefore(ctx context.Context, t time.Time) (int, error)
	// Reconcile removes blobs no row references once they are old enough
	// that no in-flight flush can still be inserting rows for them.
	Reconcile(ctx context.Context) (int, error)
}

// Opener decrypts a stored ciphertext given its wrapped data key.
type Opener interface {
	Open(dek, ciphertext []byte) ([]byte, error)
}

// Recorder receives read and redaction events for observability. A nil
// Recorder is allowed.
type Recorder interface {
	DecryptionFailed()
	Redacted(stage string)
}
