package importer

import (
	"context"
	"errors"
	"testing"

	"github.com/justestif/go-scrobble-vault/internal/db"
	"github.com/justestif/go-scrobble-vault/internal/lastfm"
)

func TestBuildIncludesAllLovedTracks(t *testing.T) {
	remote := newFakeRemote()
	remote.loved[1] = &lastfm.LovedTracksPage{
		Tracks: []lastfm.LovedTrack{
			{Title: "A", Artist: "One"},
			{Title: "B", Artist: "Two"},
		},
		Page: 1, TotalPages: 2,
	}
	remote.loved[2] = &lastfm.LovedTracksPage{
		Tracks: []lastfm.LovedTrack{{Title: "C", Artist: "Three"}},
		Page:   2, TotalPages: 2,
	}

	builder := NewActiveSetBuilder(remote, testLogger())
	set, err := builder.Build(context.Background(), "listener", Tier{Name: "QUICK"}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, want := range []struct{ title, artist string }{
		{"A", "One"}, {"B", "Two"}, {"C", "Three"},
	} {
		key := db.NormalizedKey(want.title, want.artist)
		if !set.Contains(key) {
			t.Errorf("loved track %s/%s missing from set", want.title, want.artist)
		}
		if !set.Loved(key) {
			t.Errorf("loved track %s/%s not flagged loved", want.title, want.artist)
		}
	}
}

func TestBuildStopsAtTopTracksTarget(t *testing.T) {
	remote := newFakeRemote()
	remote.top[1] = &lastfm.TopTracksPage{
		Tracks: []lastfm.TopTrack{
			{Title: "T1", Artist: "X", PlayCount: 50},
			{Title: "T2", Artist: "X", PlayCount: 40},
			{Title: "T3", Artist: "X", PlayCount: 30},
		},
		Page: 1, TotalPages: 10,
	}

	builder := NewActiveSetBuilder(remote, testLogger())
	set, err := builder.Build(context.Background(), "listener", Tier{Name: "TINY", TopTracksCount: 2}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if set.Len() != 2 {
		t.Errorf("set size = %d, want 2", set.Len())
	}
	if set.Contains(db.NormalizedKey("T3", "X")) {
		t.Error("track past the tier target admitted")
	}
	if set.TopPlayCount != 90 {
		t.Errorf("top play count = %d, want 90", set.TopPlayCount)
	}
}

func TestBuildTopTracksSkipAlreadyLoved(t *testing.T) {
	remote := newFakeRemote()
	remote.loved[1] = &lastfm.LovedTracksPage{
		Tracks: []lastfm.LovedTrack{{Title: "Both", Artist: "X"}},
		Page:   1, TotalPages: 1,
	}
	remote.top[1] = &lastfm.TopTracksPage{
		Tracks: []lastfm.TopTrack{
			{Title: "Both", Artist: "X", PlayCount: 99},
			{Title: "Fresh", Artist: "X", PlayCount: 10},
		},
		Page: 1, TotalPages: 1,
	}

	builder := NewActiveSetBuilder(remote, testLogger())
	set, err := builder.Build(context.Background(), "listener", Tier{Name: "TINY", TopTracksCount: 1}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// The loved track does not consume a top-tracks slot.
	if !set.Contains(db.NormalizedKey("Fresh", "X")) {
		t.Error("top slot was consumed by an already-loved track")
	}
	if set.TopPlayCount != 10 {
		t.Errorf("top play count = %d, want 10", set.TopPlayCount)
	}
}

func TestBuildFirstPageFailureIsFatal(t *testing.T) {
	remote := newFakeRemote()
	remote.lovedErr[1] = lastfm.ErrServiceUnavailable

	builder := NewActiveSetBuilder(remote, testLogger())
	if _, err := builder.Build(context.Background(), "listener", TierQuick, nil); !errors.Is(err, lastfm.ErrServiceUnavailable) {
		t.Errorf("err = %v, want wrapped ErrServiceUnavailable", err)
	}
}

func TestBuildLaterPageFailureDegradesToPartialSet(t *testing.T) {
	remote := newFakeRemote()
	remote.loved[1] = &lastfm.LovedTracksPage{
		Tracks: []lastfm.LovedTrack{{Title: "A", Artist: "One"}},
		Page:   1, TotalPages: 3,
	}
	remote.lovedErr[2] = lastfm.ErrServiceUnavailable

	builder := NewActiveSetBuilder(remote, testLogger())
	set, err := builder.Build(context.Background(), "listener", Tier{Name: "QUICK"}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if set.Len() != 1 {
		t.Errorf("set size = %d, want the partial page-1 contents", set.Len())
	}
}

func TestBuildReportsPageProgress(t *testing.T) {
	remote := newFakeRemote()
	remote.loved[1] = &lastfm.LovedTracksPage{
		Tracks: []lastfm.LovedTrack{{Title: "A", Artist: "One"}},
		Page:   1, TotalPages: 1,
	}
	remote.top[1] = &lastfm.TopTracksPage{
		Tracks: []lastfm.TopTrack{{Title: "T", Artist: "X", PlayCount: 5}},
		Page:   1, TotalPages: 1,
	}

	var phases []string
	builder := NewActiveSetBuilder(remote, testLogger())
	_, err := builder.Build(context.Background(), "listener", Tier{Name: "TINY", TopTracksCount: 1},
		func(phase string, page, totalPages int) {
			phases = append(phases, phase)
		})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := []string{"loved", "top"}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for n := range want {
		if phases[n] != want[n] {
			t.Errorf("phase[%d] = %s, want %s", n, phases[n], want[n])
		}
	}
}
