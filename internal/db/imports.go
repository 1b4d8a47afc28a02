package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ImportRunRepository handles import run lifecycle persistence.
type ImportRunRepository struct {
	pool *pgxpool.Pool
}

const importRunColumns = `id, username, tier, top_tracks_count, recent_months, status,
	page_cursor, total_pages, events_imported, tracks_created, archived_tracks,
	duplicates_skipped, sync_cursor, error_message, started_at, updated_at, completed_at`

func scanImportRun(row pgx.Row) (*ImportRun, error) {
	var run ImportRun
	err := row.Scan(
		&run.ID,
		&run.Username,
		&run.Tier,
		&run.TopTracksCount,
		&run.RecentMonths,
		&run.Status,
		&run.PageCursor,
		&run.TotalPages,
		&run.EventsImported,
		&run.TracksCreated,
		&run.ArchivedTracks,
		&run.DuplicatesSkipped,
		&run.SyncCursor,
		&run.ErrorMessage,
		&run.StartedAt,
		&run.UpdatedAt,
		&run.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning import run: %w", err)
	}
	return &run, nil
}

// Create inserts a new import run.
func (r *ImportRunRepository) Create(ctx context.Context, run *ImportRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	query := `
		INSERT INTO import_runs
			(id, username, tier, top_tracks_count, recent_months, status,
			 page_cursor, total_pages, events_imported, tracks_created,
			 archived_tracks, duplicates_skipped, sync_cursor, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		RETURNING started_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		run.ID,
		run.Username,
		run.Tier,
		run.TopTracksCount,
		run.RecentMonths,
		run.Status,
		run.PageCursor,
		run.TotalPages,
		run.EventsImported,
		run.TracksCreated,
		run.ArchivedTracks,
		run.DuplicatesSkipped,
		run.SyncCursor,
	).Scan(&run.StartedAt, &run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting import run: %w", err)
	}
	return nil
}

// Update persists all mutable fields of a run.
func (r *ImportRunRepository) Update(ctx context.Context, run *ImportRun) error {
	query := `
		UPDATE import_runs
		SET status = $2, page_cursor = $3, total_pages = $4, events_imported = $5,
		    tracks_created = $6, archived_tracks = $7, duplicates_skipped = $8,
		    sync_cursor = $9, error_message = $10, completed_at = $11, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		run.ID,
		run.Status,
		run.PageCursor,
		run.TotalPages,
		run.EventsImported,
		run.TracksCreated,
		run.ArchivedTracks,
		run.DuplicatesSkipped,
		run.SyncCursor,
		run.ErrorMessage,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("updating import run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a run by id.
func (r *ImportRunRepository) Get(ctx context.Context, id uuid.UUID) (*ImportRun, error) {
	return scanImportRun(r.pool.QueryRow(ctx,
		`SELECT `+importRunColumns+` FROM import_runs WHERE id = $1`, id))
}

// GetUnfinished returns the run currently in a non-terminal state, if any.
// At most one can exist at a time.
func (r *ImportRunRepository) GetUnfinished(ctx context.Context) (*ImportRun, error) {
	return scanImportRun(r.pool.QueryRow(ctx, `
		SELECT `+importRunColumns+`
		FROM import_runs
		WHERE status IN ($1, $2, $3)
		ORDER BY started_at DESC
		LIMIT 1
	`, RunPending, RunDiscovering, RunInProgress))
}

// LastFailed returns the user's most recent failed run.
func (r *ImportRunRepository) LastFailed(ctx context.Context, username string) (*ImportRun, error) {
	return scanImportRun(r.pool.QueryRow(ctx, `
		SELECT `+importRunColumns+`
		FROM import_runs
		WHERE status = $1 AND username = $2
		ORDER BY started_at DESC
		LIMIT 1
	`, RunFailed, username))
}

// LastCompleted returns the most recent successfully completed run.
func (r *ImportRunRepository) LastCompleted(ctx context.Context) (*ImportRun, error) {
	return scanImportRun(r.pool.QueryRow(ctx, `
		SELECT `+importRunColumns+`
		FROM import_runs
		WHERE status = $1
		ORDER BY completed_at DESC
		LIMIT 1
	`, RunCompleted))
}
