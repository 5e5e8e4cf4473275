package authpg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	poolMinConns          = 1
	poolMaxConns          = 8
	poolMaxConnLifetime   = 30 * time.Minute
	poolHealthCheckPeriod = 30 * time.Second
	connectPingTimeout    = 5 * time.Second
)

// Connect parses the database URL, applies the pool sizing this service runs
// with, and verifies the database answers before handing the pool out. A
// store built on an unreachable pool would otherwise fail only on first use.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, parseErr := pgxpool.ParseConfig(databaseURL)
	if parseErr != nil {
		return nil, fmt.Errorf("authpg.parse_config: %w", parseErr)
	}
	config.MinConns = poolMinConns
	config.MaxConns = poolMaxConns
	config.MaxConnLifetime = poolMaxConnLifetime
	config.HealthCheckPeriod = poolHealthCheckPeriod

	pool, poolErr := pgxpool.NewWithConfig(ctx, config)
	if poolErr != nil {
		return nil, fmt.Errorf("authpg.new_pool: %w", poolErr)
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectPingTimeout)
	defer cancel()
	if pingErr := pool.Ping(pingCtx); pingErr != nil {
		pool.Close()
		return nil, fmt.Errorf("authpg.ping: %w", pingErr)
	}
	return pool, nil
}
