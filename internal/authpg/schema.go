package authpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS refresh_sessions (
    session_id TEXT PRIMARY KEY,
    subject TEXT NOT NULL,
    rotation_counter BIGINT NOT NULL DEFAULT 0,
    issued_at_unix BIGINT NOT NULL,
    expires_unix BIGINT NOT NULL,
    revoked_at_unix BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_refresh_sessions_subject ON refresh_sessions (subject);

CREATE TABLE IF NOT EXISTS pending_exchanges (
    state TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    code_verifier TEXT NOT NULL,
    created_at_unix BIGINT NOT NULL,
    expires_unix BIGINT NOT NULL
);
`)
	return err
}
