// Package library presents the two storage tiers as one searchable
// collection.
package library

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/justestif/go-scrobble-vault/internal/db"
)

// Tier labels for search results.
const (
	TierActive  = "active"
	TierArchive = "archive"
)

// DefaultLimit bounds a search when the caller does not.
const DefaultLimit = 50

// TrackSearcher is the active-tier search surface.
type TrackSearcher interface {
	Search(ctx context.Context, q string, limit int) ([]db.TrackPlayCount, error)
}

// ArchiveSearcher is the archive-tier search surface.
type ArchiveSearcher interface {
	List(ctx context.Context, filter db.ListFilter) ([]db.ArchiveEntry, error)
}

// Result is one unified search hit from either tier.
type Result struct {
	Title     string  `json:"title"`
	Artist    string  `json:"artist"`
	Album     *string `json:"album,omitempty"`
	PlayCount int     `json:"play_count"`
	Loved     bool    `json:"loved"`
	Tier      string  `json:"tier"`

	// Exactly one of these is set, depending on the tier.
	TrackID   int64 `json:"track_id,omitempty"`
	ArchiveID int64 `json:"archive_id,omitempty"`
}

// Facade answers queries across both tiers without the caller knowing which
// tier holds a given track.
type Facade struct {
	tracks  TrackSearcher
	archive ArchiveSearcher
	log     *zap.Logger
}

// NewFacade creates a Facade over the two tier stores.
func NewFacade(tracks TrackSearcher, archive ArchiveSearcher, log *zap.Logger) *Facade {
	return &Facade{tracks: tracks, archive: archive, log: log}
}

// Search runs the query against both tiers and merges the hits. When the
// same title+artist exists in both tiers the active hit wins, since a row
// in the active tier is the fresher representation. Results come back
// ordered by play count, bounded by limit.
func (f *Facade) Search(ctx context.Context, q string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	active, err := f.tracks.Search(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("searching active tier: %w", err)
	}

	archived, err := f.archive.List(ctx, db.ListFilter{Query: q, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("searching archive tier: %w", err)
	}

	results := make([]Result, 0, len(active)+len(archived))
	activeKeys := make(map[string]struct{}, len(active))
	for _, t := range active {
		activeKeys[t.NormKey] = struct{}{}
		results = append(results, Result{
			Title:     t.Title,
			Artist:    t.Artist,
			Album:     t.Album,
			PlayCount: t.PlayCount,
			Loved:     t.Loved,
			Tier:      TierActive,
			TrackID:   t.ID,
		})
	}

	for _, e := range archived {
		if _, shadowed := activeKeys[db.NormalizedKey(e.Title, e.Artist)]; shadowed {
			continue
		}
		results = append(results, Result{
			Title:     e.Title,
			Artist:    e.Artist,
			Album:     e.Album,
			PlayCount: e.PlayCount,
			Loved:     e.Loved,
			Tier:      TierArchive,
			ArchiveID: e.ID,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].PlayCount > results[j].PlayCount
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
