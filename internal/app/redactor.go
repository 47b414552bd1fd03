package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haukened/segvault/internal/domain"
)

// Redactor performs two-phase deletion: a logical archive that hides the row
// and discards its key, followed later by physically zeroing its bytes.
type Redactor struct {
	Store    SegmentStore
	Recorder Recorder
	Logger   *slog.Logger

	once  sync.Once
	locks *keyedLocker
}

// Archive tombstones key. Archiving an archived key is a no-op; a key that
// never existed yields domain.ErrNotFound.
func (r *Redactor) Archive(ctx context.Context, key string) error {
	ok, err := r.Store.Archive(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	r.record("archive")
	return nil
}

// ClearKey discards the wrapped DEK of an archived key, making its ciphertext
// unrecoverable without touching the blob. A live key yields
// domain.ErrNotArchived; a row without a DEK would otherwise read back as
// plaintext.
func (r *Redactor) ClearKey(ctx context.Context, key string) error {
	if err := r.Store.ClearKey(ctx, key); err != nil {
		return err
	}
	r.record("clear_key")
	return nil
}

// Redact archives key and clears its DEK. Physical zeroing is left to
// PurgeArchived.
func (r *Redactor) Redact(ctx context.Context, key string) error {
	if err := r.Archive(ctx, key); err != nil {
		return err
	}
	return r.ClearKey(ctx, key)
}

// ZeroAndReupload overwrites [row.Start, row.End] of the row's blob with
// zeros and re-uploads it under the same name. Calls are serialized per
// filename and are safe to retry.
func (r *Redactor) ZeroAndReupload(ctx context.Context, row domain.MetadataRow) error {
	skipped, err := r.zeroRows(ctx, row.Filename, []domain.MetadataRow{row})
	if err != nil {
		return err
	}
	if len(skipped) > 0 {
		return errOutOfRange(row)
	}
	return nil
}

// PurgeArchived zeroes up to limit archived rows that are not yet zeroed,
// one download/upload per blob, and marks them zeroed. Rows whose blob has
// already expired are marked zeroed without I/O. A row whose range lies
// outside its blob is left pending and does not hold back the rest of its
// blob. It returns the number of rows marked; failures are joined and do
// not stop the pass.
func (r *Redactor) PurgeArchived(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	rows, err := r.Store.PendingZero(ctx, limit)
	if err != nil {
		return 0, err
	}
	var (
		order  []string
		byFile = make(map[string][]domain.MetadataRow)
	)
	for _, row := range rows {
		if _, ok := byFile[row.Filename]; !ok {
			order = append(order, row.Filename)
		}
		byFile[row.Filename] = append(byFile[row.Filename], row)
	}
	var (
		marked int
		errs   []error
	)
	for _, name := range order {
		group := byFile[name]
		skipped, err := r.zeroRows(ctx, name, group)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			r.logger().Error("zero blob failed", "filename", name, "rows", len(group), "err", err)
			errs = append(errs, err)
			continue
		}
		bad := make(map[int64]bool, len(skipped))
		for _, row := range skipped {
			bad[row.ID] = true
			errs = append(errs, errOutOfRange(row))
		}
		for _, row := range group {
			if bad[row.ID] {
				continue
			}
			if err := r.Store.MarkZeroed(ctx, row.ID); err != nil {
				errs = append(errs, fmt.Errorf("mark zeroed %d: %w", row.ID, err))
				continue
			}
			marked++
		}
	}
	if marked > 0 {
		r.logger().Info("purged archived segments", "rows", marked, "blobs", len(order))
	}
	return marked, errors.Join(errs...)
}

// zeroRows zeroes rows in one download/upload of filename. Rows whose range
// falls outside the blob are logged and returned untouched.
func (r *Redactor) zeroRows(ctx context.Context, filename string, rows []domain.MetadataRow) ([]domain.MetadataRow, error) {
	unlock := r.locker().Lock(filename)
	defer unlock()

	blob, err := r.Store.DownloadBlob(ctx, filename)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", filename, err)
	}
	var skipped []domain.MetadataRow
	changed := false
	for _, row := range rows {
		if row.Len() == 0 {
			continue
		}
		if row.Start < 0 || row.End >= int64(len(blob)) {
			r.logger().Error("row outside blob; skipped", "id", row.ID, "filename", filename, "start", row.Start, "end", row.End, "size", len(blob))
			skipped = append(skipped, row)
			continue
		}
		for i := row.Start; i <= row.End; i++ {
			if blob[i] != 0 {
				blob[i] = 0
				changed = true
			}
		}
	}
	if !changed {
		return skipped, nil
	}
	if err := r.Store.Upload(ctx, filename, blob); err != nil {
		return nil, err
	}
	r.record("zero")
	return skipped, nil
}

func errOutOfRange(row domain.MetadataRow) error {
	return fmt.Errorf("row %d range [%d,%d] outside blob %s", row.ID, row.Start, row.End, row.Filename)
}

func (r *Redactor) locker() *keyedLocker {
	r.once.Do(func() {
		if r.locks == nil {
			r.locks = newKeyedLocker()
		}
	})
	return r.locks
}

func (r *Redactor) record(stage string) {
	if r.Recorder != nil {
		r.Recorder.Redacted(stage)
	}
}

func (r *Redactor) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default().With("domain", "redactor")
	}
	return r.Logger
}
