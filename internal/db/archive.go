package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-scrobble-vault/internal/codec"
)

// ArchiveRepository handles archive-tier storage of compressed play history.
type ArchiveRepository struct {
	pool *pgxpool.Pool
}

const archiveColumns = `id, key_hash, title, artist, album, timestamps, play_count,
	first_played_at, last_played_at, loved, artwork_url, import_run_id, updated_at`

func scanArchiveEntry(row pgx.Row) (*ArchiveEntry, error) {
	var entry ArchiveEntry
	err := row.Scan(
		&entry.ID,
		&entry.KeyHash,
		&entry.Title,
		&entry.Artist,
		&entry.Album,
		&entry.Timestamps,
		&entry.PlayCount,
		&entry.FirstPlayedAt,
		&entry.LastPlayedAt,
		&entry.Loved,
		&entry.ArtworkURL,
		&entry.ImportRunID,
		&entry.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning archive entry: %w", err)
	}
	return &entry, nil
}

// UpsertMerge inserts an archive entry, or merges its timestamps into the
// existing row for the same hash key. The merge is a set union, so exact
// duplicate timestamps across batches or repeated imports are absorbed.
// The entry's ID and PlayCount are updated to the stored row's values;
// created reports whether a new row was inserted rather than merged into.
func (r *ArchiveRepository) UpsertMerge(ctx context.Context, entry *ArchiveEntry) (created bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanArchiveEntry(tx.QueryRow(ctx,
		`SELECT `+archiveColumns+` FROM scrobbles_archive WHERE key_hash = $1 FOR UPDATE`,
		entry.KeyHash))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}

	if errors.Is(err, ErrNotFound) {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO scrobbles_archive
				(key_hash, title, artist, album, timestamps, play_count,
				 first_played_at, last_played_at, loved, artwork_url, import_run_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
			RETURNING id
		`,
			entry.KeyHash,
			entry.Title,
			entry.Artist,
			entry.Album,
			entry.Timestamps,
			entry.PlayCount,
			entry.FirstPlayedAt,
			entry.LastPlayedAt,
			entry.Loved,
			entry.ArtworkURL,
			entry.ImportRunID,
		).Scan(&id)
		if err != nil {
			return false, fmt.Errorf("inserting archive entry: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("committing archive insert: %w", err)
		}
		entry.ID = id
		return true, nil
	}

	merged, err := MergeTimestamps(existing.Timestamps, entry.Timestamps)
	if err != nil {
		return false, err
	}

	first := time.UnixMilli(merged[0]).UTC()
	last := time.UnixMilli(merged[len(merged)-1]).UTC()
	_, err = tx.Exec(ctx, `
		UPDATE scrobbles_archive
		SET timestamps = $2, play_count = $3, first_played_at = $4, last_played_at = $5,
		    loved = loved OR $6, updated_at = NOW()
		WHERE id = $1
	`, existing.ID, codec.Encode(merged), len(merged), first, last, entry.Loved)
	if err != nil {
		return false, fmt.Errorf("merging archive entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing archive merge: %w", err)
	}
	entry.ID = existing.ID
	entry.PlayCount = len(merged)
	return false, nil
}

// MergeTimestamps decodes two blobs and unions them into one sorted,
// deduplicated timestamp list.
func MergeTimestamps(a, b []byte) ([]int64, error) {
	tsA, err := codec.Decode(a)
	if err != nil {
		return nil, fmt.Errorf("decoding stored timestamps: %w", err)
	}
	tsB, err := codec.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decoding incoming timestamps: %w", err)
	}

	set := make(map[int64]struct{}, len(tsA)+len(tsB))
	for _, ts := range tsA {
		set[ts] = struct{}{}
	}
	for _, ts := range tsB {
		set[ts] = struct{}{}
	}

	merged := make([]int64, 0, len(set))
	for ts := range set {
		merged = append(merged, ts)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	return merged, nil
}

// Get retrieves an archive entry by id.
func (r *ArchiveRepository) Get(ctx context.Context, id int64) (*ArchiveEntry, error) {
	return scanArchiveEntry(r.pool.QueryRow(ctx,
		`SELECT `+archiveColumns+` FROM scrobbles_archive WHERE id = $1`, id))
}

// Delete removes an archive entry.
func (r *ArchiveRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM scrobbles_archive WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting archive entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilter narrows an archive listing.
type ListFilter struct {
	Query  string // free text over title, artist, album
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// List returns archive entries matching the filter, ordered by play count
// descending.
func (r *ArchiveRepository) List(ctx context.Context, filter ListFilter) ([]ArchiveEntry, error) {
	query := `
		SELECT ` + archiveColumns + `
		FROM scrobbles_archive
		WHERE ($1 = '' OR title ILIKE $2 OR artist ILIKE $2 OR album ILIKE $2)
		  AND ($3::timestamptz IS NULL OR last_played_at >= $3)
		  AND ($4::timestamptz IS NULL OR first_played_at <= $4)
		ORDER BY play_count DESC, artist, title
		LIMIT $5 OFFSET $6
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var from, to *time.Time
	if !filter.From.IsZero() {
		from = &filter.From
	}
	if !filter.To.IsZero() {
		to = &filter.To
	}

	rows, err := r.pool.Query(ctx, query,
		filter.Query, "%"+filter.Query+"%", from, to, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing archive entries: %w", err)
	}
	defer rows.Close()

	return collectArchiveEntries(rows)
}

// PromotionCandidates returns archive entries with at least minPlayCount
// plays, most-played first.
func (r *ArchiveRepository) PromotionCandidates(ctx context.Context, minPlayCount, limit int) ([]ArchiveEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+archiveColumns+`
		FROM scrobbles_archive
		WHERE play_count >= $1
		ORDER BY play_count DESC
		LIMIT $2
	`, minPlayCount, limit)
	if err != nil {
		return nil, fmt.Errorf("listing promotion candidates: %w", err)
	}
	defer rows.Close()

	return collectArchiveEntries(rows)
}

func collectArchiveEntries(rows pgx.Rows) ([]ArchiveEntry, error) {
	var entries []ArchiveEntry
	for rows.Next() {
		entry, err := scanArchiveEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Stats summarizes archive-tier storage.
type Stats struct {
	Entries    int
	TotalPlays int
	BlobBytes  int64
}

// Stats reports entry count, total archived plays, and blob storage size.
func (r *ArchiveRepository) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(play_count), 0), COALESCE(SUM(LENGTH(timestamps)), 0)
		FROM scrobbles_archive
	`).Scan(&stats.Entries, &stats.TotalPlays, &stats.BlobBytes)
	if err != nil {
		return nil, fmt.Errorf("computing archive stats: %w", err)
	}
	return &stats, nil
}
