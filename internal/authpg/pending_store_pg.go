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

// PostgresPendingExchangeStore holds in-flight OAuth2 exchanges in
// PostgreSQL, so any instance behind a load balancer can complete a callback
// started by another. DELETE ... RETURNING makes consumption single-use even
// under concurrent callbacks.
type PostgresPendingExchangeStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPendingExchangeStore constructs a Postgres-backed pending store.
func NewPostgresPendingExchangeStore(pool *pgxpool.Pool) *PostgresPendingExchangeStore {
	return &PostgresPendingExchangeStore{pool: pool}
}

// Begin stores a new pending exchange keyed by its state value.
func (store *PostgresPendingExchangeStore) Begin(ctx context.Context, exchange authcore.PendingExchange) error {
	if exchange.State == "" {
		return fmt.Errorf("pending_store.begin.pg: %w", authcore.ErrStateMismatch)
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO pending_exchanges (state, provider, code_verifier, created_at_unix, expires_unix)
VALUES ($1, $2, $3, $4, $5)
`, exchange.State, exchange.Provider, exchange.CodeVerifier, exchange.CreatedAt.Unix(), exchange.ExpiresAt.Unix())
	if execErr != nil {
		return fmt.Errorf("pending_store.begin.pg: %w", execErr)
	}
	return nil
}

// Consume deletes and returns the exchange for the state in one statement.
func (store *PostgresPendingExchangeStore) Consume(ctx context.Context, state string) (authcore.PendingExchange, error) {
	var provider string
	var codeVerifier string
	var createdAtUnix int64
	var expiresUnix int64
	row := store.pool.QueryRow(ctx, `
DELETE FROM pending_exchanges
WHERE state = $1
RETURNING provider, code_verifier, created_at_unix, expires_unix
`, state)
	scanErr := row.Scan(&provider, &codeVerifier, &createdAtUnix, &expiresUnix)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authcore.PendingExchange{}, fmt.Errorf("pending_store.consume.pg: %w", authcore.ErrStateMismatch)
		}
		return authcore.PendingExchange{}, fmt.Errorf("pending_store.consume.pg: %w", scanErr)
	}
	exchange := authcore.PendingExchange{
		State:        state,
		Provider:     provider,
		CodeVerifier: codeVerifier,
		CreatedAt:    time.Unix(createdAtUnix, 0).UTC(),
		ExpiresAt:    time.Unix(expiresUnix, 0).UTC(),
	}
	if time.Now().UTC().After(exchange.ExpiresAt) {
		return authcore.PendingExchange{}, fmt.Errorf("pending_store.consume.pg: %w", authcore.ErrStateExpired)
	}
	return exchange, nil
}

// PurgeExpired deletes exchanges whose expiry passed. Housekeeping only.
func (store *PostgresPendingExchangeStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, execErr := store.pool.Exec(ctx, `
DELETE FROM pending_exchanges
WHERE expires_unix < $1
`, time.Now().UTC().Unix())
	if execErr != nil {
		return 0, fmt.Errorf("pending_store.purge.pg: %w", execErr)
	}
	return tag.RowsAffected(), nil
}
