// Package enrich backfills track metadata after an import: duration and
// artwork come from per-track lookups that are too expensive to do inline
// during history paging.
package enrich

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/justestif/go-scrobble-vault/internal/db"
	"github.com/justestif/go-scrobble-vault/internal/lastfm"
)

// Default concurrency for batch enrichment.
const DefaultConcurrency = 5

// MetadataFetcher abstracts the remote track-info lookup for testing.
type MetadataFetcher interface {
	TrackInfo(ctx context.Context, artist, title string) (*lastfm.TrackInfo, error)
}

// TrackUpdater abstracts the metadata write-back for testing.
type TrackUpdater interface {
	UpdateMetadata(ctx context.Context, id int64, durationMS *int, artworkURL *string) error
}

// Service fetches metadata for newly created tracks with a bounded worker
// pool. Per-track failures are logged and skipped; they never fail the batch.
type Service struct {
	fetcher     MetadataFetcher
	tracks      TrackUpdater
	log         *zap.Logger
	concurrency int

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithConcurrency sets the number of concurrent metadata lookups.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewService creates an enrichment service.
func NewService(fetcher MetadataFetcher, tracks TrackUpdater, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		fetcher:     fetcher,
		tracks:      tracks,
		log:         log,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run enriches the given tracks synchronously and reports how many were
// updated. Tracks that already carry a duration are skipped.
func (s *Service) Run(ctx context.Context, tracks []db.Track) int {
	if len(tracks) == 0 {
		return 0
	}

	type workItem struct {
		track db.Track
	}
	workCh := make(chan workItem, len(tracks))
	for _, t := range tracks {
		if t.DurationMS != nil && *t.DurationMS > 0 {
			continue
		}
		workCh <- workItem{track: t}
	}
	close(workCh)

	var updated int64
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for work := range workCh {
				if ctx.Err() != nil {
					continue
				}
				if s.enrichOne(ctx, work.track) {
					mu.Lock()
					updated++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	s.log.Info("enrichment pass finished",
		zap.Int("tracks", len(tracks)),
		zap.Int64("updated", updated))
	return int(updated)
}

func (s *Service) enrichOne(ctx context.Context, track db.Track) bool {
	info, err := s.fetcher.TrackInfo(ctx, track.Artist, track.Title)
	if err != nil {
		s.log.Debug("metadata lookup failed",
			zap.String("title", track.Title),
			zap.String("artist", track.Artist),
			zap.Error(err))
		return false
	}

	var durationMS *int
	if info.DurationMS > 0 {
		d := info.DurationMS
		durationMS = &d
	}
	var artworkURL *string
	if info.ArtworkURL != "" && track.ArtworkURL == nil {
		u := info.ArtworkURL
		artworkURL = &u
	}
	if durationMS == nil && artworkURL == nil {
		return false
	}

	if err := s.tracks.UpdateMetadata(ctx, track.ID, durationMS, artworkURL); err != nil {
		s.log.Warn("writing metadata failed",
			zap.Int64("track_id", track.ID), zap.Error(err))
		return false
	}
	return true
}

// Schedule runs enrichment in the background. It never blocks the caller;
// the work is detached from any import context on purpose since it should
// finish even when the import request has been answered.
func (s *Service) Schedule(tracks []db.Track) {
	if len(tracks) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(context.Background(), tracks)
	}()
}

// Wait blocks until all scheduled background passes have finished. Used at
// shutdown and in tests.
func (s *Service) Wait() {
	s.wg.Wait()
}
