package authpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seolmap/seolauth/internal/authcore"
)

// PostgresSessionStore persists refresh-token sessions in PostgreSQL using
// raw SQL. Rotation is a single conditional UPDATE, so linearizability comes
// from the database: one caller's row match wins, everyone else misses.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionStore constructs a Postgres-backed session store.
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

// Put inserts a new session row.
func (store *PostgresSessionStore) Put(ctx context.Context, record authcore.SessionRecord) error {
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO refresh_sessions (session_id, subject, rotation_counter, issued_at_unix, expires_unix, revoked_at_unix)
VALUES ($1, $2, $3, $4, $5, $6)
`, record.SessionID, record.Subject, record.RotationCounter, record.IssuedAtUnix, record.ExpiresUnix, record.RevokedAtUnix)
	if execErr != nil {
		return fmt.Errorf("session_store.put.pg: %w", execErr)
	}
	return nil
}

// Get loads a session row by ID.
func (store *PostgresSessionStore) Get(ctx context.Context, sessionID string) (authcore.SessionRecord, error) {
	var record authcore.SessionRecord
	row := store.pool.QueryRow(ctx, `
SELECT session_id, subject, rotation_counter, issued_at_unix, expires_unix, revoked_at_unix
FROM refresh_sessions
WHERE session_id = $1
`, sessionID)
	scanErr := row.Scan(&record.SessionID, &record.Subject, &record.RotationCounter,
		&record.IssuedAtUnix, &record.ExpiresUnix, &record.RevokedAtUnix)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authcore.SessionRecord{}, fmt.Errorf("session_store.get.pg: %w", authcore.ErrSessionNotFound)
		}
		return authcore.SessionRecord{}, fmt.Errorf("session_store.get.pg: %w", scanErr)
	}
	return record, nil
}

// Rotate advances the counter only when the stored one matches. A miss
// revokes the session and reports ErrRotationConflict.
func (store *PostgresSessionStore) Rotate(ctx context.Context, sessionID string, expectedCounter uint64, newExpiresUnix int64) (authcore.SessionRecord, error) {
	var record authcore.SessionRecord
	row := store.pool.QueryRow(ctx, `
UPDATE refresh_sessions
SET rotation_counter = rotation_counter + 1, expires_unix = $1
WHERE session_id = $2 AND rotation_counter = $3 AND revoked_at_unix = 0
RETURNING session_id, subject, rotation_counter, issued_at_unix, expires_unix, revoked_at_unix
`, newExpiresUnix, sessionID, expectedCounter)
	scanErr := row.Scan(&record.SessionID, &record.Subject, &record.RotationCounter,
		&record.IssuedAtUnix, &record.ExpiresUnix, &record.RevokedAtUnix)
	if scanErr == nil {
		return record, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return authcore.SessionRecord{}, fmt.Errorf("session_store.rotate.pg: %w", scanErr)
	}

	existing, getErr := store.Get(ctx, sessionID)
	if getErr != nil {
		return authcore.SessionRecord{}, getErr
	}
	if existing.Revoked() {
		return authcore.SessionRecord{}, fmt.Errorf("session_store.rotate.pg: %w", authcore.ErrSessionRevoked)
	}
	if revokeErr := store.Revoke(ctx, sessionID); revokeErr != nil {
		return authcore.SessionRecord{}, revokeErr
	}
	return authcore.SessionRecord{}, fmt.Errorf("session_store.rotate.pg: %w", authcore.ErrRotationConflict)
}

// Revoke marks a session revoked; missing or already-revoked rows are a no-op.
func (store *PostgresSessionStore) Revoke(ctx context.Context, sessionID string) error {
	_, execErr := store.pool.Exec(ctx, `
UPDATE refresh_sessions
SET revoked_at_unix = $1
WHERE session_id = $2 AND revoked_at_unix = 0
`, time.Now().UTC().Unix(), sessionID)
	if execErr != nil {
		return fmt.Errorf("session_store.revoke.pg: %w", execErr)
	}
	return nil
}

// RevokeAllForSubject revokes every live session owned by the subject.
func (store *PostgresSessionStore) RevokeAllForSubject(ctx context.Context, subject string) error {
	_, execErr := store.pool.Exec(ctx, `
UPDATE refresh_sessions
SET revoked_at_unix = $1
WHERE subject = $2 AND revoked_at_unix = 0
`, time.Now().UTC().Unix(), subject)
	if execErr != nil {
		return fmt.Errorf("session_store.revoke_all.pg: %w", execErr)
	}
	return nil
}
