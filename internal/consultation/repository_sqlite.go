package consultation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type sqliteRepo struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

// NewSQLiteRepository opens (or creates) a SQLite database at path. Use
// ":memory:" for a throwaway database.
func NewSQLiteRepository(path string) (Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	r := &sqliteRepo{db: db}
	if err := r.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *sqliteRepo) ensureSchema() error {
	r.schemaOnce.Do(func() {
		_, r.schemaErr = r.db.Exec(`
CREATE TABLE IF NOT EXISTS user_sessions (
  session_id TEXT PRIMARY KEY,
  owner_id TEXT NULL,
  state_blob TEXT NOT NULL,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_sessions_owner_id ON user_sessions (owner_id);
`)
		if r.schemaErr != nil {
			r.schemaErr = fmt.Errorf("ensure sqlite schema: %w", r.schemaErr)
		}
	})
	return r.schemaErr
}

func (r *sqliteRepo) Get(ctx context.Context, sessionID string) (*Record, error) {
	var rec Record
	var owner sql.NullString
	var blob string
	err := r.db.QueryRowContext(ctx,
		`SELECT session_id, owner_id, state_blob, created_at, updated_at FROM user_sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&rec.SessionID, &owner, &blob, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	rec.Blob = []byte(blob)
	if owner.Valid {
		rec.OwnerID = &owner.String
	}
	return &rec, nil
}

func (r *sqliteRepo) Put(ctx context.Context, sessionID string, blob []byte, ownerID string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO user_sessions (session_id, owner_id, state_blob, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
  owner_id = COALESCE(excluded.owner_id, user_sessions.owner_id),
  state_blob = excluded.state_blob,
  updated_at = excluded.updated_at`,
		sessionID, nullString(ownerID), string(blob), now, now,
	)
	if err != nil {
		return fmt.Errorf("put session %s: %w", sessionID, err)
	}
	return nil
}

func (r *sqliteRepo) ListByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, owner_id, created_at, updated_at FROM user_sessions WHERE owner_id = ? ORDER BY updated_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *sqliteRepo) Close() error {
	return r.db.Close()
}
