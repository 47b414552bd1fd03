// Package postgres provides a PostgreSQL-backed implementation of the
// store.Index port, using pgx through database/sql.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/haukened/segvault/internal/domain"
	"github.com/haukened/segvault/internal/store"
)

var _ store.Index = (*Index)(nil)

const columns = `id, filename, key, start_offset, end_offset, dek, is_archived, is_zeroed`

const schema = `CREATE TABLE IF NOT EXISTS segments (
id BIGSERIAL PRIMARY KEY,
filename TEXT NOT NULL,
key TEXT NOT NULL UNIQUE,
start_offset BIGINT NOT NULL,
end_offset BIGINT NOT NULL,
dek BYTEA,
is_archived BOOLEAN NOT NULL DEFAULT FALSE,
is_zeroed BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS segments_filename ON segments (filename);
CREATE INDEX IF NOT EXISTS segments_pending_zero ON segments (id) WHERE is_archived AND NOT is_zeroed;`

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Index implements store.Index on PostgreSQL.
type Index struct{ db *sql.DB }

// New constructs an Index, creating the schema if absent.
func New(ctx context.Context, db *sql.DB) (*Index, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Index{db: db}, nil
}

// InsertRows stores rows in one transaction, skipping keys already present.
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
VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (key) DO NOTHING`
	for _, r := range rows {
		if _, err = tx.ExecContext(ctx, q, r.Filename, r.Key, r.Start, r.End, r.DEK, r.IsArchived, r.IsZeroed); err != nil {
			return fmt.Errorf("insert %q: %w", r.Key, err)
		}
	}
	return tx.Commit()
}

func (i *Index) FindByKey(ctx context.Context, key string) (domain.MetadataRow, error) {
	return i.findOne(ctx, `SELECT `+columns+` FROM segments WHERE key=$1 AND NOT is_archived ORDER BY id LIMIT 1`, key)
}

func (i *Index) FindAnyByKey(ctx context.Context, key string) (domain.MetadataRow, error) {
	return i.findOne(ctx, `SELECT `+columns+` FROM segments WHERE key=$1 ORDER BY id LIMIT 1`, key)
}

func (i *Index) findOne(ctx context.Context, q string, args ...any) (domain.MetadataRow, error) {
	r, err := scanRow(i.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MetadataRow{}, domain.ErrNotFound
	}
	return r, err
}

func (i *Index) FindByPrefix(ctx context.Context, prefix string, limit, offset int) ([]domain.MetadataRow, error) {
	const q = `SELECT ` + columns + ` FROM segments WHERE starts_with(key, $1) AND NOT is_archived ORDER BY key LIMIT $2 OFFSET $3`
	return i.query(ctx, q, prefix, limit, offset)
}

func (i *Index) FindByKeys(ctx context.Context, keys []string) ([]domain.MetadataRow, error) {
	const q = `SELECT ` + columns + ` FROM segments WHERE key = ANY($1) AND NOT is_archived ORDER BY id`
	return i.query(ctx, q, keys)
}

func (i *Index) Archive(ctx context.Context, key string) (bool, error) {
	res, err := i.db.ExecContext(ctx, `UPDATE segments SET is_archived=TRUE WHERE key=$1`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearDEK only touches archived rows; see the sqlite Index.
func (i *Index) ClearDEK(ctx context.Context, key string) error {
	err := i.execOne(ctx, `UPDATE segments SET dek=NULL WHERE key=$1 AND is_archived`, key)
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if _, ferr := i.FindByKey(ctx, key); ferr == nil {
		return domain.ErrNotArchived
	}
	return err
}

func (i *Index) ListPendingZero(ctx context.Context, limit int) ([]domain.MetadataRow, error) {
	const q = `SELECT ` + columns + ` FROM segments WHERE is_archived AND NOT is_zeroed ORDER BY id LIMIT $1`
	return i.query(ctx, q, limit)
}

func (i *Index) MarkZeroed(ctx context.Context, id int64) error {
	return i.execOne(ctx, `UPDATE segments SET is_zeroed=TRUE, dek=NULL WHERE id=$1`, id)
}

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
	return names, rows.Err()
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
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanRow(s scanner) (domain.MetadataRow, error) {
	var r domain.MetadataRow
	if err := s.Scan(&r.ID, &r.Filename, &r.Key, &r.Start, &r.End, &r.DEK, &r.IsArchived, &r.IsZeroed); err != nil {
		return domain.MetadataRow{}, err
	}
	return r, nil
}
