package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// SQLBackend persists documents in a single table keyed by
// ("user", project, path), one row per document, holding both the rendered
// text and the opaque replica-state snapshot alongside a content hash and
// byte size. It is driver-agnostic: callers supply an already-opened
// *sql.DB, so this package never imports a concrete SQL driver and the
// dialect stays the caller's concern.
type SQLBackend struct {
	db      *sql.DB
	table   string
	user    string
	project string
}

// NewSQLBackend wraps db, scoping every row to (user, project) and
// creating table if it does not already exist. The DDL, the ? placeholders
// and the upsert's ON CONFLICT clause use SQLite syntax; Postgres accepts
// neither the BLOB column type nor ? placeholders. "user" is quoted
// throughout because it is a reserved word in several dialects.
func NewSQLBackend(ctx context.Context, db *sql.DB, table, user, project string) (*SQLBackend, error) {
	b := &SQLBackend{db: db, table: table, user: user, project: project}
	if err := b.createTable(ctx); err != nil {
		return nil, fmt.Errorf("storage: create table %s: %w", table, err)
	}
	return b, nil
}

func (b *SQLBackend) createTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			"user"       TEXT NOT NULL,
			project      TEXT NOT NULL,
			path         TEXT NOT NULL,
			opaque_state BLOB,
			content_text TEXT,
			content_hash TEXT,
			byte_size    INTEGER,
			updated_at   TIMESTAMP,
			PRIMARY KEY ("user", project, path)
		)
	`, b.table)
	_, err := b.db.ExecContext(ctx, query)
	return err
}

func (b *SQLBackend) ReadText(ctx context.Context, name string) (string, bool, error) {
	var text sql.NullString
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT content_text FROM %s WHERE "user" = ? AND project = ? AND path = ?`, b.table),
		b.user, b.project, name,
	).Scan(&text)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("storage: read %s: %w", name, err)
	}
	if !text.Valid {
		return "", false, nil
	}
	return text.String, true, nil
}

// WriteText upserts the row for name in a single statement, recomputing
// the content hash and byte size alongside the text.
func (b *SQLBackend) WriteText(ctx context.Context, name string, text string) error {
	sum := sha256.Sum256([]byte(text))
	query := fmt.Sprintf(`
		INSERT INTO %s ("user", project, path, content_text, content_hash, byte_size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT ("user", project, path) DO UPDATE SET
			content_text = excluded.content_text,
			content_hash = excluded.content_hash,
			byte_size    = excluded.byte_size,
			updated_at   = excluded.updated_at
	`, b.table)
	_, err := b.db.ExecContext(ctx, query,
		b.user, b.project, name, text, hex.EncodeToString(sum[:]), len(text), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: write %s: %w", name, err)
	}
	return nil
}

func (b *SQLBackend) ReadSnapshot(ctx context.Context, name string) ([]byte, bool, error) {
	var state []byte
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT opaque_state FROM %s WHERE "user" = ? AND project = ? AND path = ?`, b.table),
		b.user, b.project, name,
	).Scan(&state)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: read snapshot %s: %w", name, err)
	}
	return state, state != nil, nil
}

func (b *SQLBackend) WriteSnapshot(ctx context.Context, name string, snapshot []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s ("user", project, path, opaque_state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT ("user", project, path) DO UPDATE SET
			opaque_state = excluded.opaque_state,
			updated_at   = excluded.updated_at
	`, b.table)
	_, err := b.db.ExecContext(ctx, query, b.user, b.project, name, snapshot, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: write snapshot %s: %w", name, err)
	}
	return nil
}

func (b *SQLBackend) Close() error { return nil }
