// Package postgres provides a PostgreSQL implementation of the gousage.SnapshotStore interface.
// Snapshots are upserted in one statement that keeps the newer of the stored and the incoming row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Storage implements gousage.SnapshotStore using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	SnapshotTTL     time.Duration // Snapshots older than this are deleted
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		SnapshotTTL:     30 * 24 * time.Hour,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_snapshots (
	business_id        TEXT PRIMARY KEY,
	conversations      BIGINT NOT NULL DEFAULT 0,
	experts            BIGINT NOT NULL DEFAULT 0,
	departments        BIGINT NOT NULL DEFAULT 0,
	projects           BIGINT NOT NULL DEFAULT 0,
	included           TEXT[],
	as_of              TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// New creates a new PostgreSQL snapshot store
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{
		pool:   pool,
		config: config,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.SnapshotTTL > 0 {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the snapshot table when it does not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close stops the cleanup worker and closes the pool
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// LoadSnapshot implements gousage.SnapshotStore
func (s *Storage) LoadSnapshot(ctx context.Context, businessID string) (*gousage.UsageSnapshot, error) {
	var (
		snap     gousage.UsageSnapshot
		included []string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT conversations, experts, departments, projects, included, as_of
			FROM usage_snapshots WHERE business_id = $1`,
		businessID).Scan(
		&snap.ConversationsCount,
		&snap.ExpertsCount,
		&snap.DepartmentsCount,
		&snap.ProjectsCount,
		&included,
		&snap.AsOf,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if included != nil {
		snap.Included = make([]gousage.Metric, 0, len(included))
		for _, m := range included {
			snap.Included = append(snap.Included, gousage.Metric(m))
		}
	}
	snap.AsOf = snap.AsOf.UTC()
	return &snap, nil
}

// SaveSnapshot implements gousage.SnapshotStore
func (s *Storage) SaveSnapshot(ctx context.Context, businessID string, snapshot gousage.UsageSnapshot) error {
	if businessID == "" {
		return fmt.Errorf("business id is required")
	}

	var included []string
	if snapshot.Included != nil {
		included = make([]string, 0, len(snapshot.Included))
		for _, m := range snapshot.Included {
			included = append(included, string(m))
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_snapshots (business_id, conversations, experts, departments, projects, included, as_of, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (business_id) DO UPDATE SET
				conversations = EXCLUDED.conversations,
				experts = EXCLUDED.experts,
				departments = EXCLUDED.departments,
				projects = EXCLUDED.projects,
				included = EXCLUDED.included,
				as_of = EXCLUDED.as_of,
				updated_at = now()
			WHERE usage_snapshots.as_of <= EXCLUDED.as_of`,
		businessID,
		snapshot.ConversationsCount,
		snapshot.ExpertsCount,
		snapshot.DepartmentsCount,
		snapshot.ProjectsCount,
		included,
		snapshot.AsOf.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Delete removes the stored snapshot of a business
func (s *Storage) Delete(ctx context.Context, businessID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM usage_snapshots WHERE business_id = $1`, businessID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are retried on the next tick.
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes snapshots that were not updated within SnapshotTTL
func (s *Storage) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.SnapshotTTL)
	if _, err := s.pool.Exec(ctx, `DELETE FROM usage_snapshots WHERE updated_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup snapshots: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
