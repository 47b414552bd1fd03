package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haukened/segvault/internal/byterange"
	"github.com/haukened/segvault/internal/domain"
)

// Reader resolves segment keys to rows, fetches their byte ranges and
// decrypts them.
type Reader struct {
	Store    SegmentStore
	Opener   Opener
	Recorder Recorder
	Logger   *slog.Logger
}

// FindByKey returns the live row for key. Archived rows are invisible.
func (r *Reader) FindByKey(ctx context.Context, key string) (domain.MetadataRow, error) {
	if key == "" {
		return domain.MetadataRow{}, domain.ErrInvalidKey
	}
	return r.Store.Lookup(ctx, key)
}

// FindByPrefix lists live rows whose key starts with prefix, ordered by key.
func (r *Reader) FindByPrefix(ctx context.Context, prefix string, limit, offset int) ([]domain.MetadataRow, error) {
	return r.Store.LookupPrefix(ctx, prefix, limit, offset)
}

// FindByKeys returns live rows for keys. Missing keys are omitted.
func (r *Reader) FindByKeys(ctx context.Context, keys []string) ([]domain.MetadataRow, error) {
	return r.Store.LookupKeys(ctx, keys)
}

// Fetch reads the row's byte range and, when the row carries a DEK,
// decrypts it. Rows without a DEK are returned as stored.
func (r *Reader) Fetch(ctx context.Context, row domain.MetadataRow) ([]byte, error) {
	raw, err := r.Store.ReadRow(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("read %s [%d,%d]: %w", row.Filename, row.Start, row.End, err)
	}
	if !row.Encrypted() {
		return raw, nil
	}
	if r.Opener == nil {
		return nil, errors.New("reader has no opener for encrypted row")
	}
	plain, err := r.Opener.Open(row.DEK, raw)
	if err != nil {
		if r.Recorder != nil {
			r.Recorder.DecryptionFailed()
		}
		r.logger().Warn("decrypt failed", "key", row.Key, "filename", row.Filename, "err", err)
		return nil, err
	}
	return plain, nil
}

// FetchRange fetches the row and applies a single-range header to the
// decrypted bytes. Parse errors wrap byterange.ErrMalformedRangeHeader and
// out-of-bounds ranges wrap byterange.ErrUnsatisfiableRange. The header is
// parsed before any I/O.
func (r *Reader) FetchRange(ctx context.Context, row domain.MetadataRow, header string) ([]byte, error) {
	rng, err := byterange.ParseSingle(header)
	if err != nil {
		return nil, err
	}
	data, err := r.Fetch(ctx, row)
	if err != nil {
		return nil, err
	}
	return rng.Read(data)
}

// Get is FindByKey followed by Fetch.
func (r *Reader) Get(ctx context.Context, key string) ([]byte, error) {
	row, err := r.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return r.Fetch(ctx, row)
}

func (r *Reader) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default().With("domain", "reader")
	}
	return r.Logger
}
