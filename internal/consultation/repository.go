package consultation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("consultation: session not found")

// Record is one persisted session row.
type Record struct {
	SessionID string
	OwnerID   *string
	Blob      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository persists opaque state blobs keyed by session id. Put is an
// unconditional whole-blob overwrite; an empty ownerID keeps the stored owner.
type Repository interface {
	Get(ctx context.Context, sessionID string) (*Record, error)
	Put(ctx context.Context, sessionID string, blob []byte, ownerID string) error
	ListByOwner(ctx context.Context, ownerID string) ([]Record, error)
	Close() error
}

type postgresRepo struct {
	db *sql.DB
}

// NewPostgresRepository expects the user_sessions table from migrations/.
func NewPostgresRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db}
}

func (r *postgresRepo) Get(ctx context.Context, sessionID string) (*Record, error) {
	query := `SELECT session_id, owner_id, state_blob, created_at, updated_at FROM user_sessions WHERE session_id = $1`

	var rec Record
	var owner sql.NullString
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.SessionID,
		&owner,
		&rec.Blob,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if owner.Valid {
		rec.OwnerID = &owner.String
	}
	return &rec, nil
}

func (r *postgresRepo) Put(ctx context.Context, sessionID string, blob []byte, ownerID string) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO user_sessions (session_id, owner_id, state_blob, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			owner_id = COALESCE(EXCLUDED.owner_id, user_sessions.owner_id),
			state_blob = EXCLUDED.state_blob,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, sessionID, nullString(ownerID), string(blob), now); err != nil {
		return fmt.Errorf("put session %s: %w", sessionID, err)
	}
	return nil
}

func (r *postgresRepo) ListByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	query := `SELECT session_id, owner_id, created_at, updated_at FROM user_sessions WHERE owner_id = $1 ORDER BY updated_at DESC`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *postgresRepo) Close() error {
	return r.db.Close()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var owner sql.NullString
		if err := rows.Scan(&rec.SessionID, &owner, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if owner.Valid {
			rec.OwnerID = &owner.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
