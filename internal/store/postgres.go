package store

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is embedded so the ingestor can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

const (
	connectAttempts = 5
	connectDelay    = 2 * time.Second
)

// Options tunes the connection pool and the loader.
type Options struct {
	MaxConns          int32
	MinConns          int32
	FallbackChunkSize int
	// RunID is stamped on every checkpoint written through this store.
	RunID  uuid.UUID
	Logger *slog.Logger
}

// PostgresStore is the durable persistence layer for events and ingestion progress.
type PostgresStore struct {
	pool      *pgxpool.Pool
	chunkSize int
	runID     uuid.UUID
	logger    *slog.Logger
}

// NewPostgresStore creates a connection pool and fails if the DB stays unreachable
// after a few attempts.
func NewPostgresStore(ctx context.Context, dbURL string, opts Options) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse DB_URL: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= cfg.MaxConns {
		cfg.MinConns = opts.MinConns
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pool, err = connect(ctx, cfg)
		if err == nil {
			break
		}
		logger.Warn("database not reachable", "attempt", attempt, "max_attempts", connectAttempts, "error", err)
		if attempt == connectAttempts {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectDelay):
		}
	}

	return newStore(pool, opts, logger), nil
}

func newStore(pool *pgxpool.Pool, opts Options, logger *slog.Logger) *PostgresStore {
	chunk := opts.FallbackChunkSize
	if chunk <= 0 {
		chunk = DefaultFallbackChunkSize
	}
	return &PostgresStore{
		pool:      pool,
		chunkSize: chunk,
		runID:     opts.RunID,
		logger:    logger.With("component", "store"),
	}
}

func connect(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping is used by the readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}
