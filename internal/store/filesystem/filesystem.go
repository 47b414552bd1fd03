// Package filesystem provides a BlobStorage implementation backed by the local
// filesystem. Each blob holds the packed ciphertext of one flush.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/haukened/segvault/internal/domain"
	"github.com/haukened/segvault/internal/store"
)

var (
	_ store.BlobStorage = (*BlobStore)(nil)
	_ store.Lister      = (*BlobStore)(nil)
)

const suffix = ".blob"

// BlobStore implements store.BlobStorage using the local filesystem.
// Files are named by the blob name with a fixed suffix.
type BlobStore struct {
	root string
}

// New returns a filesystem-backed blob store rooted at dir. The directory
// must already exist with secure permissions (0700 recommended).
func New(root string) (*BlobStore, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("blob root is not a directory")
	}
	return &BlobStore{root: root}, nil
}

func (b *BlobStore) path(name string) string { return filepath.Join(b.root, name+suffix) }

// Upload writes data under name through a temp file and rename, so readers
// never observe a partial blob. An existing blob is replaced but keeps its
// mtime: expiry counts from the first write, not from a redaction rewrite.
func (b *BlobStore) Upload(ctx context.Context, name string, data []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var written time.Time
	if fi, err := os.Stat(b.path(name)); err == nil {
		written = fi.ModTime()
	}
	f, err := os.CreateTemp(b.root, ".upload-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err == nil {
		err = os.Chmod(tmp, 0o600)
	}
	if err == nil && !written.IsZero() {
		err = os.Chtimes(tmp, time.Time{}, written)
	}
	if err == nil {
		err = os.Rename(tmp, b.path(name))
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Download returns the whole blob.
func (b *BlobStore) Download(ctx context.Context, name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(name)) // #nosec G304 path constructed from a validated name
	if err != nil {
		return nil, notFound(name, err)
	}
	return data, nil
}

// ReadRange returns bytes [start, end] inclusive. A range past the end of
// the blob is an error rather than a short read.
func (b *BlobStore) ReadRange(ctx context.Context, name string, start, end int64) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if end < start {
		return []byte{}, nil
	}
	if start < 0 {
		return nil, fmt.Errorf("negative range start %d", start)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(b.path(name)) // #nosec G304 path constructed internally
	if err != nil {
		return nil, notFound(name, err)
	}
	defer f.Close()
	buf := make([]byte, end-start+1)
	if _, err := f.ReadAt(buf, start); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("range [%d,%d] exceeds blob %s: %w", start, end, name, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return buf, nil
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (b *BlobStore) Delete(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.Remove(b.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns every blob present together with its size and mtime.
// Temporary upload files and foreign files are skipped.
func (b *BlobStore) List(_ context.Context) ([]store.BlobInfo, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}
	var out []store.BlobInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != suffix {
			continue
		}
		name := e.Name()[:len(e.Name())-len(suffix)]
		if validateName(name) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed concurrently
		}
		out = append(out, store.BlobInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

func notFound(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob %s: %w", name, domain.ErrNotFound)
	}
	return err
}

// validateName enforces the canonical 32-character lowercase hex blob name,
// which also rules out path separators and traversal.
func validateName(name string) error {
	if _, err := domain.ParseBlobName(name); err != nil {
		return fmt.Errorf("blob %q: %w", name, err)
	}
	return nil
}
