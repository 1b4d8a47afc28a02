package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/justestif/go-scrobble-vault/internal/codec"
	"github.com/justestif/go-scrobble-vault/internal/db"
	"github.com/justestif/go-scrobble-vault/internal/lastfm"
)

// classifier consumes the paginated play stream, deciding tier per play and
// performing batched, deduplicating writes to each tier.
type classifier struct {
	tracks  TrackStore
	events  EventStore
	archive ArchiveStore
	log     *zap.Logger

	// onProgress fires every progressEvery processed plays.
	onProgress func(ctx context.Context, s *session) error
}

// isActive decides the tier for a play: active when its key is in the
// active set or its timestamp falls inside the tier's recent window.
func (c *classifier) isActive(s *session, key string, playedAt time.Time) bool {
	if s.activeSet != nil && s.activeSet.Contains(key) {
		return true
	}
	return !playedAt.Before(s.cutoff)
}

// process classifies one page of plays and accumulates writes. Plays with
// no resolvable timestamp or missing title/artist, and now-playing rows,
// are skipped.
func (c *classifier) process(ctx context.Context, s *session, plays []lastfm.Play) error {
	for _, play := range plays {
		if play.NowPlaying || play.Timestamp == 0 || play.Title == "" || play.Artist == "" {
			continue
		}

		if play.Timestamp > s.newestSeen {
			s.newestSeen = play.Timestamp
		}

		key := db.NormalizedKey(play.Title, play.Artist)
		playedAt := time.UnixMilli(play.Timestamp).UTC()

		if c.isActive(s, key, playedAt) {
			if err := c.addActive(ctx, s, key, play, playedAt); err != nil {
				return err
			}
		} else {
			if err := c.addArchive(ctx, s, key, play); err != nil {
				return err
			}
		}

		s.processed++
		if s.processed%progressEvery == 0 && c.onProgress != nil {
			if err := c.onProgress(ctx, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// addActive resolves the backing track through the session cache and queues
// the event, flushing when the batch is full.
func (c *classifier) addActive(ctx context.Context, s *session, key string, play lastfm.Play, playedAt time.Time) error {
	track, err := c.resolveTrack(ctx, s, key, play)
	if err != nil {
		return err
	}

	durationMS := defaultDurationMS
	if track.DurationMS != nil && *track.DurationMS > 0 {
		durationMS = *track.DurationMS
	}

	s.pendingEvents = append(s.pendingEvents, db.ListeningEvent{
		TrackID:       track.ID,
		PlayedAt:      playedAt,
		DurationMS:    durationMS,
		CompletionPct: 100,
		Source:        sourceImport,
		IsReplay:      s.hasPendingReplay(track.ID, playedAt),
	})

	if len(s.pendingEvents) >= eventBatchSize {
		return c.flushEvents(ctx, s)
	}
	return nil
}

// resolveTrack returns the active track for a key, consulting the cache
// first. Misses are cached too, so each unknown key costs one store lookup.
func (c *classifier) resolveTrack(ctx context.Context, s *session, key string, play lastfm.Play) (*db.Track, error) {
	if cached, ok := s.trackCache[key]; ok {
		if cached.found {
			return cached.track, nil
		}
		// Known miss: skip the store lookup and create directly.
	} else {
		existing, err := c.tracks.GetByKey(ctx, key)
		if err == nil {
			s.trackCache[key] = cachedTrack{track: existing, found: true}
			return existing, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("resolving track: %w", err)
		}
		s.trackCache[key] = cachedTrack{found: false}
	}

	track := &db.Track{
		Title:   play.Title,
		Artist:  play.Artist,
		NormKey: key,
		Loved:   s.activeSet != nil && s.activeSet.Loved(key),
	}
	if play.Album != "" {
		track.Album = &play.Album
	}
	if play.ArtworkURL != "" {
		track.ArtworkURL = &play.ArtworkURL
	}

	created, err := c.tracks.GetOrCreate(ctx, track)
	if err != nil {
		return nil, fmt.Errorf("creating track: %w", err)
	}
	if created {
		s.run.TracksCreated++
		s.createdTracks = append(s.createdTracks, *track)
	}

	s.trackCache[key] = cachedTrack{track: track, found: true}
	return track, nil
}

// addArchive groups the play into the in-memory accumulator, flushing once
// the accumulator holds the bounded number of distinct keys.
func (c *classifier) addArchive(ctx context.Context, s *session, key string, play lastfm.Play) error {
	acc, ok := s.pendingArch[key]
	if !ok {
		if len(s.pendingArch) >= archiveBatchKeys {
			if err := c.flushArchive(ctx, s); err != nil {
				return err
			}
		}
		acc = &archiveAccum{
			title:      play.Title,
			artist:     play.Artist,
			album:      play.Album,
			artworkURL: play.ArtworkURL,
			loved:      s.activeSet != nil && s.activeSet.Loved(key),
		}
		s.pendingArch[key] = acc
	}
	acc.timestamps = append(acc.timestamps, play.Timestamp)
	return nil
}

// flushEvents writes the pending event batch with dedup and updates counters.
func (c *classifier) flushEvents(ctx context.Context, s *session) error {
	if len(s.pendingEvents) == 0 {
		return nil
	}

	inserted, err := c.events.InsertBatch(ctx, s.pendingEvents)
	if err != nil {
		return fmt.Errorf("flushing event batch: %w", err)
	}

	s.run.EventsImported += inserted
	s.run.DuplicatesSkipped += len(s.pendingEvents) - inserted
	s.pendingEvents = s.pendingEvents[:0]
	return nil
}

// flushArchive merges every accumulated key into the archive store.
func (c *classifier) flushArchive(ctx context.Context, s *session) error {
	if len(s.pendingArch) == 0 {
		return nil
	}

	for key, acc := range s.pendingArch {
		sort.Slice(acc.timestamps, func(i, j int) bool { return acc.timestamps[i] < acc.timestamps[j] })

		entry := &db.ArchiveEntry{
			KeyHash:       db.KeyHash(acc.title, acc.artist),
			Title:         acc.title,
			Artist:        acc.artist,
			Timestamps:    codec.Encode(acc.timestamps),
			PlayCount:     len(acc.timestamps),
			FirstPlayedAt: time.UnixMilli(acc.timestamps[0]).UTC(),
			LastPlayedAt:  time.UnixMilli(acc.timestamps[len(acc.timestamps)-1]).UTC(),
			Loved:         acc.loved,
		}
		if acc.album != "" {
			entry.Album = &acc.album
		}
		if acc.artworkURL != "" {
			entry.ArtworkURL = &acc.artworkURL
		}
		if s.run != nil {
			id := s.run.ID
			entry.ImportRunID = &id
		}

		created, err := c.archive.UpsertMerge(ctx, entry)
		if err != nil {
			return fmt.Errorf("flushing archive key %s: %w", key, err)
		}
		// Merges into an existing row (a key recurring across flushes or
		// runs) must not inflate the count of archived tracks.
		if created {
			s.run.ArchivedTracks++
		}
	}

	s.pendingArch = make(map[string]*archiveAccum)
	return nil
}

// flushAll drains both accumulators at stream end.
func (c *classifier) flushAll(ctx context.Context, s *session) error {
	if err := c.flushEvents(ctx, s); err != nil {
		return err
	}
	return c.flushArchive(ctx, s)
}
