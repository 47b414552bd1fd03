// Package sqlite provides a SQLite-backed implementation of the store.Index
// port for persisting segment metadata rows.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/haukened/segvault/internal/domain"
	"github.com/haukened/segvault/internal/store"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var _ store.Index = (*Index)(nil)

// maxInParams bounds IN (...) lists below SQLite's default variable limit.
const maxInParams = 500

const columns = `id, filename, key, start_offset, end_offset, dek, is_archived, is_zeroed`

// Index implements store.Index using SQLite (via database/sql). It is safe for
// concurrent use; database/sql manages connection pooling and serialization.
type Index struct{ db *sql.DB }

// New constructs an Index, initializing the required schema if absent.
func New(db *sql.DB) (*Index, error) {
	ix := &Index{db: db}
	if err := ix.init(); err != nil {
		return nil, err
	}
	return ix, nil
}

func (i *Index) init() error {
	schema := `CREATE TABLE IF NOT EXISTS segments (
id INTEGER PRIMARY KEY AUTOINCREMENT,
filename TEXT NOT NULL,
key TEXT NOT NULL UNIQUE,
start_offset INTEGER NOT NULL,
end_offset INTEGER NOT NULL,
dek BLOB,
is_archived INTEGER NOT NULL DEFAULT 0,
is_zeroed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS segments_filename ON segments (filename);
CREATE INDEX IF NOT EXISTS segments_pending_zero ON segments (is_archived, is_zeroed);`
	_, err := i.db.Exec(schema)
	return err
}

// InsertRows stores rows in a single transaction. Rows whose key is already
// present are skipped so the earliest committed row stays authoritative.
func (i *Index) InsertRows(ctx context.Context, rows []domain.MetadataRow) (err error) {
	if len(rows) == 0 {
		return nil
	}
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	const q = `INSERT INTO segments (filename, key, start_offset, end_offset, dek, is_archived, is_zeroed)
VALUES (?,?,?,?,?,?,?) ON CONFLICT(key) DO NOTHING`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err = stmt.ExecContext(ctx, r.Filename, r.Key, r.Start, r.End, r.DEK, boolInt(r.IsArchived), boolInt(r.IsZeroed)); err != nil {
			return fmt.Errorf("insert %q: %w", r.Key, err)
		}
	}
	return tx.Commit()
}

// FindByKey returns the live row for key.
func (i *Index) FindByKey(ctx context.Context, key string) (domain.MetadataRow, error) {
	return i.findOne(ctx, `SELECT `+columns+` FROM segments WHERE key=? AND is_archived=0 ORDER BY id LIMIT 1`, key)
}

// FindAnyByKey returns the row for key whether or not it is archived.
func (i *Index) FindAnyByKey(ctx context.Context, key string) (domain.MetadataRow, error) {
	return i.findOne(ctx, `SELECT `+columns+` FROM segments WHERE key=? ORDER BY id LIMIT 1`, key)
}

func (i *Index) findOne(ctx context.Context, q string, args ...any) (domain.MetadataRow, error) {
	r, err := scanRow(i.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MetadataRow{}, domain.ErrNotFound
	}
	return r, err
}

// FindByPrefix lists live rows whose key starts with prefix. The match is a
// range scan on the key index: key >= prefix AND key < successor(prefix).
func (i *Index) FindByPrefix(ctx context.Context, prefix string, limit, offset int) ([]domain.MetadataRow, error) {
	if upper, ok := successor(prefix); ok {
		const q = `SELECT ` + columns + ` FROM segments WHERE key >= ? AND key < ? AND is_archived=0 ORDER BY key LIMIT ? OFFSET ?`
		return i.query(ctx, q, prefix, upper, limit, offset)
	}
	const q = `SELECT ` + columns + ` FROM segments WHERE key >= ? AND is_archived=0 ORDER BY key LIMIT ? OFFSET ?`
	return i.query(ctx, q, prefix, limit, offset)
}

// FindByKeys returns the live rows for keys ordered by id.
func (i *Index) FindByKeys(ctx context.Context, keys []string) ([]domain.MetadataRow, error) {
	var out []domain.MetadataRow
	for len(keys) > 0 {
		n := min(len(keys), maxInParams)
		chunk := keys[:n]
		keys = keys[n:]
		args := make([]any, len(chunk))
		for j, k := range chunk {
			args[j] = k
		}
		q := `SELECT ` + columns + ` FROM segments WHERE is_archived=0 AND key IN (` + placeholders(len(chunk)) + `) ORDER BY id`
		rows, err := i.query(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// Archive sets is_archived on the row for key and reports whether it existed.
func (i *Index) Archive(ctx context.Context, key string) (bool, error) {
	res, err := i.db.ExecContext(ctx, `UPDATE segments SET is_archived=1 WHERE key=?`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearDEK nulls the wrapped data key of an archived key. A live key yields
// domain.ErrNotArchived and keeps its DEK.
func (i *Index) ClearDEK(ctx context.Context, key string) error {
	err := i.execOne(ctx, `UPDATE segments SET dek=NULL WHERE key=? AND is_archived=1`, key)
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if _, ferr := i.FindByKey(ctx, key); ferr == nil {
		return domain.ErrNotArchived
	}
	return err
}

// ListPendingZero returns archived rows whose bytes have not been zeroed.
func (i *Index) ListPendingZero(ctx context.Context, limit int) ([]domain.MetadataRow, error) {
	const q = `SELECT ` + columns + ` FROM segments WHERE is_archived=1 AND is_zeroed=0 ORDER BY id LIMIT ?`
	return i.query(ctx, q, limit)
}

// MarkZeroed flags row id as zeroed and drops its key material.
func (i *Index) MarkZeroed(ctx context.Context, id int64) error {
	return i.execOne(ctx, `UPDATE segments SET is_zeroed=1, dek=NULL WHERE id=?`, id)
}

// ListFilenames returns every distinct blob name referenced by a row.
func (i *Index) ListFilenames(ctx context.Context) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, `SELECT DISTINCT filename FROM segments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err = rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

func (i *Index) execOne(ctx context.Context, q string, args ...any) error {
	res, err := i.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (i *Index) query(ctx context.Context, q string, args ...any) ([]domain.MetadataRow, error) {
	rows, err := i.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.MetadataRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanRow(s scanner) (domain.MetadataRow, error) {
	var (
		r                domain.MetadataRow
		archived, zeroed int
	)
	if err := s.Scan(&r.ID, &r.Filename, &r.Key, &r.Start, &r.End, &r.DEK, &archived, &zeroed); err != nil {
		return domain.MetadataRow{}, err
	}
	r.IsArchived = archived == 1
	r.IsZeroed = zeroed == 1
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// successor returns the smallest string greater than every string with the
// given prefix, or false when no such bound exists.
func successor(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
