// internal/database/db.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/config"
)

// Sentinel errors surfaced by the store. Callers branch on these instead of
// SQLSTATE codes.
var (
	ErrNotFound      = errors.New("database: row not found")
	ErrDuplicateCode = errors.New("database: lobby code already exists")
	ErrCapacity      = errors.New("database: lobby is at capacity")
)

// Store wraps the pgx pool with the durable contract the orchestrator
// consumes: lobby CRUD, membership, and result recording. It is constructed
// once at startup and injected wherever persistence is needed.
type Store struct {
	pool *pgxpool.Pool
}

// Connect builds a pool from DATABASE_URL (or the discrete POSTGRES_* vars)
// and verifies connectivity.
func Connect(ctx context.Context) (*Store, error) {
	connStr := config.GetEnv("DATABASE_URL", "")
	if connStr == "" {
		connStr = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s",
			config.GetEnv("POSTGRES_USER", "postgres"),
			config.GetEnv("POSTGRES_PASSWORD", ""),
			config.GetEnv("PG_HOST", "localhost"),
			config.GetEnv("PG_PORT", "5432"),
			config.GetEnv("PG_DATABASE", "tigertype"),
		)
	}

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
