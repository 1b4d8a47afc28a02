package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justestif/go-scrobble-vault/internal/codec"
	"github.com/justestif/go-scrobble-vault/internal/db"
	"github.com/justestif/go-scrobble-vault/internal/lastfm"
)

var (
	// ErrImportInProgress is returned when a run is started while another is
	// still unfinished.
	ErrImportInProgress = errors.New("an import is already in progress")

	// ErrNoCompletedImport is returned by SyncRecent when no historical
	// import has ever completed.
	ErrNoCompletedImport = errors.New("no completed import to sync from")
)

// Result summarizes the outcome of a run.
type Result struct {
	RunID             uuid.UUID
	EventsImported    int
	TracksCreated     int
	ArchivedTracks    int
	DuplicatesSkipped int

	// Partial is true when the run stopped before exhausting history but
	// persisted everything fetched so far.
	Partial bool
}

// Importer orchestrates the full history import: discovery, page-by-page
// classification, batched persistence, and run lifecycle bookkeeping.
type Importer struct {
	remote    Remote
	stores    Stores
	optimizer Optimizer
	enricher  Enricher
	tracker   *Tracker
	log       *zap.Logger
	now       func() time.Time
}

// Option configures an Importer.
type Option func(*Importer)

// WithOptimizer sets the post-import housekeeping hook.
func WithOptimizer(o Optimizer) Option {
	return func(i *Importer) { i.optimizer = o }
}

// WithEnricher sets the background metadata enrichment hook.
func WithEnricher(e Enricher) Option {
	return func(i *Importer) { i.enricher = e }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Importer) { i.now = now }
}

// New creates an Importer over the given remote and stores.
func New(remote Remote, stores Stores, log *zap.Logger, opts ...Option) *Importer {
	i := &Importer{
		remote:  remote,
		stores:  stores,
		tracker: NewTracker(),
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Tracker exposes the progress tracker for subscribers.
func (i *Importer) Tracker() *Tracker {
	return i.tracker
}

// Run executes a full historical import for the given user at the given
// tier. Exactly one run may be unfinished at a time. Cancellation is honored
// at page boundaries; already-flushed batches stay persisted and the run can
// later be resumed from its page cursor.
func (i *Importer) Run(ctx context.Context, username string, tier Tier) (*Result, error) {
	if _, err := i.stores.Runs.GetUnfinished(ctx); err == nil {
		return nil, ErrImportInProgress
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("checking for unfinished run: %w", err)
	}

	run, err := i.resumableRun(ctx, username, tier)
	if err != nil {
		return nil, err
	}
	if run == nil {
		run = &db.ImportRun{
			Username:       username,
			Tier:           tier.Name,
			TopTracksCount: tier.TopTracksCount,
			RecentMonths:   tier.RecentMonths,
			Status:         db.RunPending,
			StartedAt:      i.now().UTC(),
		}
		if err := i.stores.Runs.Create(ctx, run); err != nil {
			return nil, fmt.Errorf("creating import run: %w", err)
		}
	}

	info, err := i.remote.UserInfo(ctx, username)
	if err != nil {
		return nil, i.fail(ctx, run, fmt.Errorf("verifying user: %w", err))
	}
	i.log.Info("import starting",
		zap.String("username", username),
		zap.String("tier", tier.Name),
		zap.Int("reported_play_count", info.PlayCount))

	run.Status = db.RunDiscovering
	i.updateRun(ctx, run)
	i.tracker.Publish(Progress{Stage: StageDiscovering, Tier: tier.Name, Message: "building active set"})

	builder := NewActiveSetBuilder(i.remote, i.log)
	activeSet, err := builder.Build(ctx, username, tier, func(phase string, page, totalPages int) {
		i.tracker.Publish(Progress{
			Stage:       StageDiscovering,
			Tier:        tier.Name,
			Phase:       phase,
			CurrentPage: page,
			TotalPages:  totalPages,
		})
	})
	if err != nil {
		return nil, i.fail(ctx, run, fmt.Errorf("building active set: %w", err))
	}

	run.Status = db.RunInProgress
	i.updateRun(ctx, run)

	s := newSession(run, activeSet, tier.RecencyCutoff(i.now().UTC()))
	return i.importPages(ctx, s, time.Time{}, 0)
}

// resumableRun returns the user's latest failed full-history run when it can
// continue from its page cursor, reset to PENDING, or nil when the import
// must start fresh. Failed sync runs (recognized by their carried-over sync
// cursor) page a from-bounded listing whose numbering does not line up with
// full history, so they are never resumed here.
func (i *Importer) resumableRun(ctx context.Context, username string, tier Tier) (*db.ImportRun, error) {
	prev, err := i.stores.Runs.LastFailed(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("checking for resumable run: %w", err)
	}
	if prev.Tier != tier.Name || prev.SyncCursor != nil || prev.PageCursor == 0 {
		return nil, nil
	}

	prev.Status = db.RunPending
	prev.ErrorMessage = nil
	i.updateRun(ctx, prev)
	i.log.Info("resuming failed import",
		zap.String("run_id", prev.ID.String()),
		zap.Int("page_cursor", prev.PageCursor),
		zap.Int("total_pages", prev.TotalPages))
	return prev, nil
}

// SyncRecent fetches plays newer than the last completed run's cursor and
// classifies them by recency alone, reusing that run's tier. It is bounded to
// maxSyncPages per invocation.
func (i *Importer) SyncRecent(ctx context.Context) (*Result, error) {
	last, err := i.stores.Runs.LastCompleted(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNoCompletedImport
	} else if err != nil {
		return nil, fmt.Errorf("loading last completed run: %w", err)
	}

	if _, err := i.stores.Runs.GetUnfinished(ctx); err == nil {
		return nil, ErrImportInProgress
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("checking for unfinished run: %w", err)
	}

	tier, err := TierByName(last.Tier)
	if err != nil {
		tier = TierStandard
	}

	var from time.Time
	if last.SyncCursor != nil {
		from = *last.SyncCursor
	}

	run := &db.ImportRun{
		Username:       last.Username,
		Tier:           tier.Name,
		TopTracksCount: tier.TopTracksCount,
		RecentMonths:   tier.RecentMonths,
		Status:         db.RunInProgress,
		SyncCursor:     last.SyncCursor,
		StartedAt:      i.now().UTC(),
	}
	if err := i.stores.Runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("creating sync run: %w", err)
	}

	// Recency-only classification: everything newer than the cursor counts
	// as active, so the active set stays empty and the cutoff does the work.
	s := newSession(run, newActiveSet(), tier.RecencyCutoff(i.now().UTC()))
	return i.importPages(ctx, s, from, maxSyncPages)
}

// importPages drives the history page loop shared by Run and SyncRecent.
// maxPages of zero means no page bound beyond the remote's own total.
func (i *Importer) importPages(ctx context.Context, s *session, from time.Time, maxPages int) (*Result, error) {
	run := s.run
	cl := &classifier{
		tracks:  i.stores.Tracks,
		events:  i.stores.Events,
		archive: i.stores.Archive,
		log:     i.log,
		onProgress: func(ctx context.Context, s *session) error {
			i.updateRun(ctx, s.run)
			i.publishImporting(s)
			return nil
		},
	}

	failures := 0
	fetched := 0
	for page := run.PageCursor + 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return i.abort(ctx, cl, s, err)
		}
		if run.TotalPages > 0 && page > run.TotalPages {
			break
		}
		if maxPages > 0 && fetched >= maxPages {
			break
		}

		rp, err := i.remote.RecentTracks(ctx, run.Username, page, from)
		if err != nil {
			failures++
			i.log.Warn("history page failed",
				zap.Int("page", page), zap.Int("consecutive", failures), zap.Error(err))

			var rl *lastfm.RateLimitError
			if errors.As(err, &rl) {
				i.tracker.Publish(Progress{
					Stage:       StageRateLimited,
					Tier:        run.Tier,
					CurrentPage: page,
					TotalPages:  run.TotalPages,
					RetryAfter:  rl.RetryAfter,
					Message:     "rate limited by remote",
				})
			}
			if failures >= maxConsecutivePageFailures || !lastfm.Retryable(err) {
				return i.abort(ctx, cl, s, fmt.Errorf("fetching history page %d: %w", page, err))
			}
			// The client has exhausted its own retries by this point, so
			// honor the server's retry-after hint before the next attempt.
			if rl != nil && rl.RetryAfter > 0 {
				select {
				case <-ctx.Done():
					return i.abort(ctx, cl, s, ctx.Err())
				case <-time.After(rl.RetryAfter):
				}
			}
			page--
			continue
		}
		failures = 0
		fetched++

		if run.TotalPages == 0 {
			run.TotalPages = rp.TotalPages
		}

		if err := cl.process(ctx, s, rp.Plays); err != nil {
			return i.abort(ctx, cl, s, err)
		}

		run.PageCursor = page
		i.updateRun(ctx, run)
		i.publishImporting(s)

		if len(rp.Plays) == 0 || page >= rp.TotalPages {
			break
		}
	}

	if err := cl.flushAll(ctx, s); err != nil {
		return i.abort(ctx, cl, s, err)
	}
	return i.finalize(ctx, s)
}

// finalize advances the cursor, marks the run completed, and kicks off the
// post-import hooks.
func (i *Importer) finalize(ctx context.Context, s *session) (*Result, error) {
	run := s.run
	if s.newestSeen > 0 {
		cursor := time.UnixMilli(s.newestSeen).UTC()
		run.SyncCursor = &cursor
	}
	run.Status = db.RunCompleted
	done := i.now().UTC()
	run.CompletedAt = &done
	if err := i.stores.Runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("completing run: %w", err)
	}

	if err := i.stores.Settings.Set(ctx, db.SettingConnectedUser, run.Username); err != nil {
		i.log.Warn("saving connected username failed", zap.Error(err))
	}

	if i.optimizer != nil {
		if err := i.optimizer.Optimize(ctx); err != nil {
			i.log.Warn("post-import optimization failed", zap.Error(err))
		}
	}
	if i.enricher != nil && len(s.createdTracks) > 0 {
		i.enricher.Schedule(s.createdTracks)
	}

	i.tracker.Publish(Progress{
		Stage:             StageCompleted,
		Tier:              run.Tier,
		Processed:         s.processed,
		EventsCreated:     run.EventsImported,
		TracksCreated:     run.TracksCreated,
		Archived:          run.ArchivedTracks,
		DuplicatesSkipped: run.DuplicatesSkipped,
	})
	i.log.Info("import completed",
		zap.String("run_id", run.ID.String()),
		zap.Int("events", run.EventsImported),
		zap.Int("tracks", run.TracksCreated),
		zap.Int("archived", run.ArchivedTracks),
		zap.Int("duplicates", run.DuplicatesSkipped))

	return i.result(run, false), nil
}

// abort flushes pending batches, marks the run failed, and returns a partial
// result alongside the error. The flush keeps the persisted data consistent
// with the page cursor so a later resume re-fetches nothing that was kept.
// It runs on a detached context since the cause may be the cancellation itself.
func (i *Importer) abort(ctx context.Context, cl *classifier, s *session, cause error) (*Result, error) {
	flushCtx := context.WithoutCancel(ctx)
	if err := cl.flushAll(flushCtx, s); err != nil {
		i.log.Warn("flushing partial batches failed", zap.Error(err))
	}
	err := i.fail(flushCtx, s.run, cause)
	return i.result(s.run, true), err
}

// fail transitions the run to FAILED, recording the cause and whether a
// retry could succeed.
func (i *Importer) fail(ctx context.Context, run *db.ImportRun, cause error) error {
	msg := cause.Error()
	run.Status = db.RunFailed
	run.ErrorMessage = &msg
	i.updateRun(ctx, run)

	i.tracker.Publish(Progress{
		Stage:       StageFailed,
		Tier:        run.Tier,
		Err:         cause,
		Recoverable: lastfm.Retryable(cause) || errors.Is(cause, context.Canceled),
		Message:     msg,
	})
	return cause
}

func (i *Importer) result(run *db.ImportRun, partial bool) *Result {
	return &Result{
		RunID:             run.ID,
		EventsImported:    run.EventsImported,
		TracksCreated:     run.TracksCreated,
		ArchivedTracks:    run.ArchivedTracks,
		DuplicatesSkipped: run.DuplicatesSkipped,
		Partial:           partial,
	}
}

// updateRun persists run state, logging rather than failing on error so a
// transient bookkeeping hiccup cannot kill an import mid-page.
func (i *Importer) updateRun(ctx context.Context, run *db.ImportRun) {
	run.UpdatedAt = i.now().UTC()
	if err := i.stores.Runs.Update(ctx, run); err != nil {
		i.log.Warn("persisting run state failed",
			zap.String("run_id", run.ID.String()), zap.Error(err))
	}
}

func (i *Importer) publishImporting(s *session) {
	i.tracker.Publish(Progress{
		Stage:             StageImporting,
		Tier:              s.run.Tier,
		Phase:             "history",
		CurrentPage:       s.run.PageCursor,
		TotalPages:        s.run.TotalPages,
		Processed:         s.processed,
		EventsCreated:     s.run.EventsImported,
		TracksCreated:     s.run.TracksCreated,
		Archived:          s.run.ArchivedTracks,
		DuplicatesSkipped: s.run.DuplicatesSkipped,
	})
}

// Promote moves one archive entry into the active tier: its compressed
// timestamps become full listening events against a real track row, and the
// archive row is removed.
func (i *Importer) Promote(ctx context.Context, archiveID int64) (*db.Track, int, error) {
	entry, err := i.stores.Archive.Get(ctx, archiveID)
	if err != nil {
		return nil, 0, fmt.Errorf("loading archive entry: %w", err)
	}

	timestamps, err := codec.Decode(entry.Timestamps)
	if err != nil {
		return nil, 0, fmt.Errorf("decoding archived timestamps: %w", err)
	}

	track := &db.Track{
		Title:      entry.Title,
		Artist:     entry.Artist,
		Album:      entry.Album,
		NormKey:    db.NormalizedKey(entry.Title, entry.Artist),
		ArtworkURL: entry.ArtworkURL,
		Loved:      entry.Loved,
	}
	if _, err := i.stores.Tracks.GetOrCreate(ctx, track); err != nil {
		return nil, 0, fmt.Errorf("promoting track: %w", err)
	}

	events := make([]db.ListeningEvent, 0, len(timestamps))
	var prev time.Time
	for idx, ts := range timestamps {
		playedAt := time.UnixMilli(ts).UTC()
		events = append(events, db.ListeningEvent{
			TrackID:       track.ID,
			PlayedAt:      playedAt,
			DurationMS:    defaultDurationMS,
			CompletionPct: 100,
			Source:        sourceImport,
			IsReplay:      idx > 0 && playedAt.Sub(prev) < replayWindow,
		})
		prev = playedAt
	}

	inserted, err := i.stores.Events.InsertBatch(ctx, events)
	if err != nil {
		return nil, 0, fmt.Errorf("writing promoted events: %w", err)
	}

	if err := i.stores.Archive.Delete(ctx, entry.ID); err != nil {
		return nil, 0, fmt.Errorf("removing archive entry: %w", err)
	}

	i.log.Info("archive entry promoted",
		zap.String("title", entry.Title),
		zap.String("artist", entry.Artist),
		zap.Int("events", inserted))
	return track, inserted, nil
}

// Prune removes archive entries that have become redundant: entries whose
// title+artist now has an active track carrying at least half as many events
// as the archive recorded plays.
func (i *Importer) Prune(ctx context.Context) (int, error) {
	pruned := 0
	const pageSize = 200

	for offset := 0; ; {
		entries, err := i.stores.Archive.List(ctx, db.ListFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return pruned, fmt.Errorf("listing archive: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			track, err := i.stores.Tracks.GetByKey(ctx, db.NormalizedKey(entry.Title, entry.Artist))
			if errors.Is(err, db.ErrNotFound) {
				offset++
				continue
			} else if err != nil {
				return pruned, fmt.Errorf("resolving active track: %w", err)
			}

			count, err := i.stores.Events.CountForTrack(ctx, track.ID)
			if err != nil {
				return pruned, fmt.Errorf("counting active events: %w", err)
			}

			if count >= (entry.PlayCount+1)/2 {
				if err := i.stores.Archive.Delete(ctx, entry.ID); err != nil {
					return pruned, fmt.Errorf("pruning archive entry: %w", err)
				}
				pruned++
			} else {
				offset++
			}
		}
	}

	if pruned > 0 {
		i.log.Info("archive pruned", zap.Int("entries", pruned))
	}
	return pruned, nil
}
