package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haukened/segvault/internal/domain"
)

const (
	nameA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	nameB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newStore(t *testing.T) (*BlobStore, string) {
	t.Helper()
	dir := t.TempDir()
	bs, err := New(dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return bs, dir
}

func TestNewBlobBadRoot(t *testing.T) {
	if _, err := New("/path/does/not/exist"); err == nil {
		t.Fatalf("expected error for non-existent root")
	}
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(f); err == nil {
		t.Fatalf("expected error for non-directory root")
	}
}

func TestUploadDownload(t *testing.T) {
	bs, dir := newStore(t)
	ctx := context.Background()
	if err := bs.Upload(ctx, nameA, []byte("aaaaabbbbb")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	fi, err := os.Stat(filepath.Join(dir, nameA+".blob"))
	if err != nil {
		t.Fatalf("expected blob file: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected perms %v", fi.Mode().Perm())
	}
	got, err := bs.Download(ctx, nameA)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(got) != "aaaaabbbbb" {
		t.Fatalf("payload mismatch: %q", got)
	}
	// Overwrite is last-writer-wins.
	if err := bs.Upload(ctx, nameA, []byte("zzzzzbbbbb")); err != nil {
		t.Fatalf("re-Upload: %v", err)
	}
	got, _ = bs.Download(ctx, nameA)
	if string(got) != "zzzzzbbbbb" {
		t.Fatalf("overwrite mismatch: %q", got)
	}
}

func TestOverwriteKeepsModTime(t *testing.T) {
	bs, dir := newStore(t)
	ctx := context.Background()
	if err := bs.Upload(ctx, nameA, []byte("aaaaabbbbb")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	path := filepath.Join(dir, nameA+".blob")
	written := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	if err := os.Chtimes(path, written, written); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if err := bs.Upload(ctx, nameA, []byte("\x00\x00\x00\x00\x00bbbbb")); err != nil {
		t.Fatalf("re-Upload: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !fi.ModTime().Equal(written) {
		t.Fatalf("rewrite moved mtime from %v to %v", written, fi.ModTime())
	}
	infos, err := bs.List(ctx)
	if err != nil || len(infos) != 1 {
		t.Fatalf("List: %+v %v", infos, err)
	}
	if !infos[0].ModTime.Equal(written) {
		t.Fatalf("listed mtime %v, want %v", infos[0].ModTime, written)
	}
}

func TestReadRange(t *testing.T) {
	bs, _ := newStore(t)
	ctx := context.Background()
	if err := bs.Upload(ctx, nameA, []byte("aaaaabbbbb")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	cases := []struct {
		start, end int64
		want       string
	}{
		{0, 4, "aaaaa"},
		{5, 9, "bbbbb"},
		{4, 5, "ab"},
		{3, 2, ""},
	}
	for _, c := range cases {
		got, err := bs.ReadRange(ctx, nameA, c.start, c.end)
		if err != nil {
			t.Fatalf("ReadRange(%d,%d): %v", c.start, c.end, err)
		}
		if string(got) != c.want {
			t.Fatalf("ReadRange(%d,%d) = %q want %q", c.start, c.end, got, c.want)
		}
	}
	if _, err := bs.ReadRange(ctx, nameA, 8, 20); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected short read error, got %v", err)
	}
	if _, err := bs.ReadRange(ctx, nameA, -1, 2); err == nil {
		t.Fatalf("expected error for negative start")
	}
}

func TestMissingBlob(t *testing.T) {
	bs, _ := newStore(t)
	ctx := context.Background()
	if _, err := bs.Download(ctx, nameB); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := bs.ReadRange(ctx, nameB, 0, 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := bs.Delete(ctx, nameB); err != nil {
		t.Fatalf("deleting a missing blob should succeed: %v", err)
	}
}

func TestInvalidNames(t *testing.T) {
	bs, _ := newStore(t)
	ctx := context.Background()
	for _, name := range []string{"", "../etc/passwd", "ABCDEFABCDEFABCDEFABCDEFABCDEFAB", "short"} {
		if err := bs.Upload(ctx, name, []byte("x")); !errors.Is(err, domain.ErrInvalidBlobName) {
			t.Fatalf("Upload(%q): expected ErrInvalidBlobName, got %v", name, err)
		}
		if _, err := bs.Download(ctx, name); !errors.Is(err, domain.ErrInvalidBlobName) {
			t.Fatalf("Download(%q): expected ErrInvalidBlobName, got %v", name, err)
		}
		if err := bs.Delete(ctx, name); !errors.Is(err, domain.ErrInvalidBlobName) {
			t.Fatalf("Delete(%q): expected ErrInvalidBlobName, got %v", name, err)
		}
	}
}

func TestUploadCanceled(t *testing.T) {
	bs, dir := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bs.Upload(ctx, nameA, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files, got %d", len(entries))
	}
}

func TestListAndDelete(t *testing.T) {
	bs, dir := newStore(t)
	ctx := context.Background()
	if err := bs.Upload(ctx, nameA, []byte("12345")); err != nil {
		t.Fatalf("Upload A: %v", err)
	}
	if err := bs.Upload(ctx, nameB, []byte("1")); err != nil {
		t.Fatalf("Upload B: %v", err)
	}
	// Foreign files and directories are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write foreign: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bogus.blob"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write bogus: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, nameA+".blob"), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	infos, err := bs.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 blobs, got %+v", infos)
	}
	for _, in := range infos {
		switch in.Name {
		case nameA:
			if in.Size != 5 || !in.ModTime.Before(time.Now().Add(-30*time.Minute)) {
				t.Fatalf("unexpected info for A: %+v", in)
			}
		case nameB:
			if in.Size != 1 {
				t.Fatalf("unexpected info for B: %+v", in)
			}
		default:
			t.Fatalf("unexpected blob %q", in.Name)
		}
	}
	if err := bs.Delete(ctx, nameA); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	infos, _ = bs.List(ctx)
	if len(infos) != 1 || infos[0].Name != nameB {
		t.Fatalf("expected only B after delete, got %+v", infos)
	}
}

func TestListBadRoot(t *testing.T) {
	bs, dir := newStore(t)
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := bs.List(context.Background()); err == nil {
		t.Fatalf("expected error listing removed root")
	}
}
