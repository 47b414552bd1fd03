// Package store provides the concrete implementation of the application
// SegmentStore port by composing lower-layer persistence ports (Index and
// BlobStorage). External packages should construct the store via New and
// interact only through the app.SegmentStore interface.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/segvault/internal/app"
	"github.com/haukened/segvault/internal/domain"
)

// Store composes an Index and BlobStorage to satisfy app.SegmentStore.
type Store struct {
	index       Index
	blobs       BlobStorage
	clock       app.Clock
	orphanGrace time.Duration
}

// New returns a Store implementation of app.SegmentStore. orphanGrace is the
// minimum age of an unreferenced blob before Reconcile removes it; it must
// exceed the longest upload-to-insert gap of a flush.
func New(index Index, blobs BlobStorage, clock app.Clock, orphanGrace time.Duration) *Store {
	return &Store{index: index, blobs: blobs, clock: clock, orphanGrace: orphanGrace}
}

var _ app.SegmentStore = (*Store)(nil)

func (s *Store) ready() error {
	if s == nil || s.index == nil || s.blobs == nil {
		return errors.New("store not properly initialized")
	}
	return nil
}

// Upload writes one blob payload.
func (s *Store) Upload(ctx context.Context, name string, payload []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.blobs.Upload(ctx, name, payload); err != nil {
		return fmt.Errorf("upload blob %s: %w", name, err)
	}
	return nil
}

// InsertRows persists rows in bulk.
func (s *Store) InsertRows(ctx context.Context, rows []domain.MetadataRow) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.index.InsertRows(ctx, rows); err != nil {
		return fmt.Errorf("insert %d rows: %w", len(rows), err)
	}
	return nil
}

// Commit uploads the staged payload and, only once that succeeds, inserts
// its rows. A failed insert leaves an unreferenced blob for expiry to reclaim.
func (s *Store) Commit(ctx context.Context, staged domain.StagedCommit) error {
	if err := s.Upload(ctx, staged.Filename, staged.Payload); err != nil {
		return err
	}
	return s.InsertRows(ctx, staged.Rows)
}

// Lookup returns the live row for key.
func (s *Store) Lookup(ctx context.Context, key string) (domain.MetadataRow, error) {
	if err := s.ready(); err != nil {
		return domain.MetadataRow{}, err
	}
	return s.index.FindByKey(ctx, key)
}

// LookupAny returns the row for key including archived rows.
func (s *Store) LookupAny(ctx context.Context, key string) (domain.MetadataRow, error) {
	if err := s.ready(); err != nil {
		return domain.MetadataRow{}, err
	}
	return s.index.FindAnyByKey(ctx, key)
}

// LookupPrefix lists live rows by key prefix.
func (s *Store) LookupPrefix(ctx context.Context, prefix string, limit, offset int) ([]domain.MetadataRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	return s.index.FindByPrefix(ctx, prefix, limit, offset)
}

// LookupKeys returns live rows for keys, one per key (lowest id wins).
func (s *Store) LookupKeys(ctx context.Context, keys []string) ([]domain.MetadataRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.index.FindByKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0]
	for _, r := range rows {
		if _, dup := seen[r.Key]; dup {
			continue
		}
		seen[r.Key] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// ReadRow fetches the raw (still encrypted) bytes addressed by row.
func (s *Store) ReadRow(ctx context.Context, row domain.MetadataRow) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if row.Len() == 0 {
		return []byte{}, nil
	}
	return s.blobs.ReadRange(ctx, row.Filename, row.Start, row.End)
}

// DownloadBlob returns a full blob.
func (s *Store) DownloadBlob(ctx context.Context, name string) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.blobs.Download(ctx, name)
}

// Archive tombstones the row for key.
func (s *Store) Archive(ctx context.Context, key string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	return s.index.Archive(ctx, key)
}

// ClearKey discards the wrapped DEK of an archived key.
func (s *Store) ClearKey(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.index.ClearDEK(ctx, key)
}

// PendingZero lists archived rows awaiting physical zeroing.
func (s *Store) PendingZero(ctx context.Context, limit int) ([]domain.MetadataRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.index.ListPendingZero(ctx, limit)
}

// MarkZeroed records that a row's bytes were overwritten.
func (s *Store) MarkZeroed(ctx context.Context, id int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.index.MarkZeroed(ctx, id)
}

// ExpireBefore removes blobs last written before t on backends that cannot
// expire objects themselves, and returns the count removed. Rows pointing at
// removed blobs become inert; reads of them report domain.ErrNotFound.
func (s *Store) ExpireBefore(ctx context.Context, t time.Time) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	lister, ok := s.blobs.(Lister)
	if !ok {
		return 0, nil
	}
	blobs, err := lister.List(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, b := range blobs {
		if !b.ModTime.Before(t) {
			continue
		}
		if err := lister.Delete(ctx, b.Name); err == nil { // best-effort
			count++
		}
	}
	return count, nil
}

// Reconcile removes unreferenced blobs older than the orphan grace period,
// i.e. blobs left behind by flushes whose metadata insert failed.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	lister, ok := s.blobs.(Lister)
	if !ok {
		return 0, nil
	}
	blobs, err := lister.List(ctx)
	if err != nil {
		return 0, err
	}
	names, err := s.index.ListFilenames(ctx)
	if err != nil {
		return 0, err
	}
	referenced := make(map[string]struct{}, len(names))
	for _, n := range names {
		referenced[n] = struct{}{}
	}
	cutoff := s.now().Add(-s.orphanGrace)
	count := 0
	for _, b := range blobs {
		if _, ok := referenced[b.Name]; ok {
			continue
		}
		if !b.ModTime.Before(cutoff) {
			continue
		}
		if err := lister.Delete(ctx, b.Name); err == nil {
			count++
		}
	}
	return count, nil
}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
