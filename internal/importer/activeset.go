package importer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/justestif/go-scrobble-vault/internal/db"
)

// ActiveSet holds the normalized keys that classify as active regardless of
// recency: every loved track, plus the top-N most played.
type ActiveSet struct {
	keys  map[string]struct{}
	loved map[string]struct{}

	// TopPlayCount accumulates the play counts of the admitted top tracks.
	// Diagnostic only; it drives coverage reporting, not classification.
	TopPlayCount int
}

func newActiveSet() *ActiveSet {
	return &ActiveSet{
		keys:  make(map[string]struct{}),
		loved: make(map[string]struct{}),
	}
}

// Contains reports whether a normalized key is in the active set.
func (a *ActiveSet) Contains(key string) bool {
	_, ok := a.keys[key]
	return ok
}

// Loved reports whether a normalized key came from the loved-tracks list.
func (a *ActiveSet) Loved(key string) bool {
	_, ok := a.loved[key]
	return ok
}

// Len returns the number of keys in the set.
func (a *ActiveSet) Len() int {
	return len(a.keys)
}

// ActiveSetBuilder establishes which tracks are important before
// classification begins.
type ActiveSetBuilder struct {
	remote Remote
	log    *zap.Logger
}

// NewActiveSetBuilder creates a builder over the given remote.
func NewActiveSetBuilder(remote Remote, log *zap.Logger) *ActiveSetBuilder {
	return &ActiveSetBuilder{remote: remote, log: log}
}

// Build fetches all loved tracks, then top-tracks pages until the count of
// top tracks not already loved reaches tier.TopTracksCount. A failure on the
// first page of either phase fails the build; later-page failures degrade to
// whatever was gathered so far. onPage, if non-nil, is invoked after each
// successful page for progress reporting.
func (b *ActiveSetBuilder) Build(ctx context.Context, user string, tier Tier, onPage func(phase string, page, totalPages int)) (*ActiveSet, error) {
	set := newActiveSet()

	for page := 1; ; page++ {
		lp, err := b.remote.LovedTracks(ctx, user, page)
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("fetching loved tracks: %w", err)
			}
			b.log.Warn("loved tracks page failed, continuing with partial set",
				zap.Int("page", page), zap.Error(err))
			break
		}

		for _, t := range lp.Tracks {
			key := db.NormalizedKey(t.Title, t.Artist)
			set.keys[key] = struct{}{}
			set.loved[key] = struct{}{}
		}

		if onPage != nil {
			onPage("loved", page, lp.TotalPages)
		}
		if page >= lp.TotalPages || len(lp.Tracks) == 0 {
			break
		}
	}

	topAdded := 0
	for page := 1; topAdded < tier.TopTracksCount; page++ {
		tp, err := b.remote.TopTracks(ctx, user, page)
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("fetching top tracks: %w", err)
			}
			b.log.Warn("top tracks page failed, continuing with partial set",
				zap.Int("page", page), zap.Error(err))
			break
		}

		for _, t := range tp.Tracks {
			key := db.NormalizedKey(t.Title, t.Artist)
			if set.Loved(key) {
				continue
			}
			if _, seen := set.keys[key]; seen {
				continue
			}
			set.keys[key] = struct{}{}
			set.TopPlayCount += t.PlayCount
			topAdded++
			if topAdded >= tier.TopTracksCount {
				break
			}
		}

		if onPage != nil {
			onPage("top", page, tp.TotalPages)
		}
		if page >= tp.TotalPages || len(tp.Tracks) == 0 {
			break
		}
	}

	b.log.Info("active set built",
		zap.Int("keys", set.Len()),
		zap.Int("loved", len(set.loved)),
		zap.Int("top_play_count", set.TopPlayCount))
	return set, nil
}
