package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound wraps every row lookup miss so callers can branch with
// errors.Is instead of matching error text.
var ErrNotFound = errors.New("not found")

// PoolInterface defines the pool operations the repositories use. It is
// satisfied by *pgxpool.Pool in production and by pgxmock pools in tests.
type PoolInterface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// DB wraps the PostgreSQL connection pool
type DB struct {
	pool    PoolInterface
	pgxPool *pgxpool.Pool
}

// New creates a new database connection pool. The DATABASE_URL environment
// variable overrides the configured DSN when set.
func New(ctx context.Context, dsn string, maxConns int32) (*DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		dsn = url
	}
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is not configured and DATABASE_URL is not set")
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	config.MaxConns = maxConns
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Int32("max_conns", maxConns).Msg("Database connection pool created successfully")

	return &DB{pool: pool, pgxPool: pool}, nil
}

// NewWithPool wraps an existing pool. Used by tests with pgxmock and by the
// testcontainers helpers.
func NewWithPool(pool PoolInterface) *DB {
	db := &DB{pool: pool}
	if p, ok := pool.(*pgxpool.Pool); ok {
		db.pgxPool = p
	}
	return db
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.pgxPool != nil {
		db.pgxPool.Close()
		log.Info().Msg("Database connection pool closed")
	}
}

// Pool returns the underlying connection pool
func (db *DB) Pool() PoolInterface {
	return db.pool
}

// Health checks database connectivity
func (db *DB) Health(ctx context.Context) error {
	var one int
	if err := db.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity (alias for Health)
func (db *DB) Ping(ctx context.Context) error {
	return db.Health(ctx)
}
