// Package pgxutil provides pool-creation helpers shared by every package
// that talks to Postgres (the job queue and the storage adapter).
package pgxutil

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOpts configures a pgx connection pool.
type PoolOpts struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPoolOpts returns the defaults used when a field is left zero.
func DefaultPoolOpts(dsn string) PoolOpts {
	return PoolOpts{
		DSN:             dsn,
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// NewPool parses opts into a pgxpool.Config, applies defaults for any zero
// field, and opens a pool, pinging it once to fail fast on misconfiguration.
func NewPool(ctx context.Context, opts PoolOpts) (*pgxpool.Pool, error) {
	defaults := DefaultPoolOpts(opts.DSN)
	if opts.MaxConns <= 0 {
		opts.MaxConns = defaults.MaxConns
	}
	if opts.MinConns <= 0 {
		opts.MinConns = defaults.MinConns
	}
	if opts.MaxConnLifetime <= 0 {
		opts.MaxConnLifetime = defaults.MaxConnLifetime
	}
	if opts.MaxConnIdleTime <= 0 {
		opts.MaxConnIdleTime = defaults.MaxConnIdleTime
	}

	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxutil: parse dsn: %w", err)
	}
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.MaxConnLifetime = opts.MaxConnLifetime
	cfg.MaxConnIdleTime = opts.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxutil: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgxutil: ping: %w", err)
	}
	return pool, nil
}
