// Package db provides PostgreSQL database access for scrobble-vault.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Optimize refreshes planner statistics on the tables a bulk import churns.
func (db *DB) Optimize(ctx context.Context) error {
	for _, table := range []string{"tracks", "listening_events", "scrobbles_archive"} {
		if _, err := db.pool.Exec(ctx, "ANALYZE "+table); err != nil {
			return fmt.Errorf("analyzing %s: %w", table, err)
		}
	}
	return nil
}

// Tracks returns a TrackRepository.
func (db *DB) Tracks() *TrackRepository {
	return &TrackRepository{pool: db.pool}
}

// Events returns an EventRepository.
func (db *DB) Events() *EventRepository {
	return &EventRepository{pool: db.pool}
}

// Archive returns an ArchiveRepository.
func (db *DB) Archive() *ArchiveRepository {
	return &ArchiveRepository{pool: db.pool}
}

// ImportRuns returns an ImportRunRepository.
func (db *DB) ImportRuns() *ImportRunRepository {
	return &ImportRunRepository{pool: db.pool}
}

// Settings returns a SettingsRepository.
func (db *DB) Settings() *SettingsRepository {
	return &SettingsRepository{pool: db.pool}
}
