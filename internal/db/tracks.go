package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TrackRepository handles active-tier track database operations.
type TrackRepository struct {
	pool *pgxpool.Pool
}

// GetByKey retrieves a track by its normalized key.
func (r *TrackRepository) GetByKey(ctx context.Context, normKey string) (*Track, error) {
	query := `
		SELECT id, title, artist, album, norm_key, duration_ms, artwork_url, loved, created_at
		FROM tracks
		WHERE norm_key = $1
	`
	var track Track
	err := r.pool.QueryRow(ctx, query, normKey).Scan(
		&track.ID,
		&track.Title,
		&track.Artist,
		&track.Album,
		&track.NormKey,
		&track.DurationMS,
		&track.ArtworkURL,
		&track.Loved,
		&track.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying track: %w", err)
	}
	return &track, nil
}

// GetOrCreate resolves a track by normalized key, creating it if absent.
// Returns true when a new row was created. The track's ID is filled either way.
func (r *TrackRepository) GetOrCreate(ctx context.Context, track *Track) (bool, error) {
	if track.NormKey == "" {
		track.NormKey = NormalizedKey(track.Title, track.Artist)
	}

	insert := `
		INSERT INTO tracks (title, artist, album, norm_key, artwork_url, loved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (norm_key) DO NOTHING
		RETURNING id, created_at
	`
	err := r.pool.QueryRow(ctx, insert,
		track.Title,
		track.Artist,
		track.Album,
		track.NormKey,
		track.ArtworkURL,
		track.Loved,
	).Scan(&track.ID, &track.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("inserting track: %w", err)
	}

	// Row already existed; a concurrent insert cannot happen mid-import, so
	// a plain lookup is sufficient.
	existing, err := r.GetByKey(ctx, track.NormKey)
	if err != nil {
		return false, err
	}
	*track = *existing
	return false, nil
}

// UpdateMetadata fills enrichment results for a track.
func (r *TrackRepository) UpdateMetadata(ctx context.Context, id int64, durationMS *int, artworkURL *string) error {
	query := `
		UPDATE tracks
		SET duration_ms = COALESCE($2, duration_ms),
		    artwork_url = COALESCE($3, artwork_url)
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, durationMS, artworkURL)
	if err != nil {
		return fmt.Errorf("updating track metadata: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TrackPlayCount pairs a track with its active-tier play count.
type TrackPlayCount struct {
	Track
	PlayCount int
}

// Search finds tracks matching a free-text query on title, artist, or album,
// with their active-tier play counts, ordered by play count descending.
func (r *TrackRepository) Search(ctx context.Context, q string, limit int) ([]TrackPlayCount, error) {
	query := `
		SELECT t.id, t.title, t.artist, t.album, t.norm_key, t.duration_ms,
		       t.artwork_url, t.loved, t.created_at, COUNT(e.id) AS play_count
		FROM tracks t
		LEFT JOIN listening_events e ON e.track_id = t.id
		WHERE t.title ILIKE $1 OR t.artist ILIKE $1 OR t.album ILIKE $1
		GROUP BY t.id
		ORDER BY play_count DESC, t.title
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, "%"+q+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("searching tracks: %w", err)
	}
	defer rows.Close()

	var results []TrackPlayCount
	for rows.Next() {
		var tc TrackPlayCount
		if err := rows.Scan(
			&tc.ID,
			&tc.Title,
			&tc.Artist,
			&tc.Album,
			&tc.NormKey,
			&tc.DurationMS,
			&tc.ArtworkURL,
			&tc.Loved,
			&tc.CreatedAt,
			&tc.PlayCount,
		); err != nil {
			return nil, fmt.Errorf("scanning track: %w", err)
		}
		results = append(results, tc)
	}
	return results, rows.Err()
}
