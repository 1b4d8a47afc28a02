package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepository handles active-tier listening event operations.
type EventRepository struct {
	pool *pgxpool.Pool
}

// InsertBatch writes a batch of events, skipping rows that collide with the
// (track_id, played_at) uniqueness constraint. Returns the number actually
// inserted; the difference from len(events) is the duplicate count.
func (r *EventRepository) InsertBatch(ctx context.Context, events []ListeningEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO listening_events (track_id, played_at, duration_ms, completion_pct, source, is_replay, session_id)
		SELECT * FROM unnest($1::bigint[], $2::timestamptz[], $3::int[], $4::int[], $5::text[], $6::boolean[], $7::uuid[])
		ON CONFLICT (track_id, played_at) DO NOTHING
	`

	trackIDs := make([]int64, len(events))
	playedAts := make([]time.Time, len(events))
	durations := make([]int, len(events))
	completions := make([]int, len(events))
	sources := make([]string, len(events))
	replays := make([]bool, len(events))
	sessionIDs := make([]*uuid.UUID, len(events))

	for i, e := range events {
		trackIDs[i] = e.TrackID
		playedAts[i] = e.PlayedAt
		durations[i] = e.DurationMS
		completions[i] = e.CompletionPct
		sources[i] = e.Source
		replays[i] = e.IsReplay
		sessionIDs[i] = e.SessionID
	}

	result, err := r.pool.Exec(ctx, query,
		trackIDs, playedAts, durations, completions, sources, replays, sessionIDs)
	if err != nil {
		return 0, fmt.Errorf("batch inserting events: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// CountForTrack returns the number of active-tier events for a track.
func (r *EventRepository) CountForTrack(ctx context.Context, trackID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM listening_events WHERE track_id = $1`, trackID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}
