// Package store is the single relational façade over PostgreSQL: fuel mix
// rows, derived carbon intensity, weather observations, ingestion events and
// pipeline metrics snapshots, all keyed on natural timestamps with
// idempotent upserts.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/clock"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/config"
)

// activeWindow is how recent the newest intensity row must be for the
// ingestion status to count as active.
const activeWindow = 10 * time.Minute

// StoreError marks a database-layer failure. The pipeline treats it as
// transient and retries persist operations.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Store wraps a pgx connection pool. Safe for concurrent use; writers should
// run at concurrency 1 per pipeline to avoid contention on the natural keys.
type Store struct {
	pool     *pgxpool.Pool
	timezone string
	clk      clock.Clock
}

// Option customizes a Store.
type Option func(*Store)

// WithTimezone sets the region timezone used for hour-of-day and day-of-week
// extraction in profile queries.
func WithTimezone(tz string) Option {
	return func(s *Store) { s.timezone = tz }
}

// WithClock substitutes the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// New opens a connection pool against the configured database.
func New(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, &StoreError{Op: "configure", Err: err}
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}

	s := &Store{
		pool:     pool,
		timezone: "America/New_York",
		clk:      clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}

	klog.V(2).InfoS("Connected to store",
		"url", config.RedactDSN(cfg.URL),
		"minConns", cfg.MinConns,
		"maxConns", cfg.MaxConns,
		"timezone", s.timezone)

	return s, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// nullable maps empty strings to SQL NULL.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
