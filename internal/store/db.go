// Package store implements the ChannelLookup and MessageStore external
// collaborators (§6) against Postgres via pgx, adapted from the teacher's
// database.DB pool wrapper and *Repository query conventions
// (internal/database/db.go, conversation_repo.go).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the connection pool shared by ChannelLookup and MessageStore.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a connection pool sized for the coordinator's access
// pattern: frequent short reads (channel resolution) and frequent short
// writes (message append), never long-running transactions.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	cfg.MaxConns = 25
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() { db.Pool.Close() }

// Health checks if the database is reachable.
func (db *DB) Health(ctx context.Context) error { return db.Pool.Ping(ctx) }
