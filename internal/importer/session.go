package importer

import (
	"time"

	"github.com/justestif/go-scrobble-vault/internal/db"
)

const (
	// eventBatchSize bounds the pending active-event batch before a flush.
	eventBatchSize = 80

	// archiveBatchKeys bounds the distinct keys held in the archive
	// accumulator before a flush.
	archiveBatchKeys = 500

	// replayWindow is the gap under which a second play of the same track
	// counts as a replay.
	replayWindow = 5 * time.Minute

	// progressEvery is the reporting/persistence cadence in processed plays.
	progressEvery = 100

	// maxConsecutivePageFailures aborts the run with a partial result.
	maxConsecutivePageFailures = 5

	// defaultDurationMS estimates event duration when the track's real
	// duration is unknown.
	defaultDurationMS = 210000

	// sourceImport tags events created by historical import.
	sourceImport = "import"

	// maxSyncPages caps pages fetched by one incremental sync invocation.
	maxSyncPages = 50
)

// cachedTrack is a track-cache entry; found=false records a miss so the
// persistent store is not probed again for the same key.
type cachedTrack struct {
	track *db.Track
	found bool
}

// archiveAccum gathers one key's archived timestamps until the next flush.
type archiveAccum struct {
	title      string
	artist     string
	album      string
	artworkURL string
	loved      bool
	timestamps []int64
}

// session owns all mutable state of one import run. It is created at run
// start, passed through the pipeline, and discarded at run end; nothing in
// it is shared between runs, which is what enforces the one-import-at-a-time
// model structurally.
type session struct {
	run       *db.ImportRun
	activeSet *ActiveSet
	cutoff    time.Time

	trackCache    map[string]cachedTrack
	pendingEvents []db.ListeningEvent
	pendingArch   map[string]*archiveAccum

	createdTracks []db.Track

	processed  int
	newestSeen int64 // ms; feeds the run's sync cursor
}

func newSession(run *db.ImportRun, activeSet *ActiveSet, cutoff time.Time) *session {
	return &session{
		run:         run,
		activeSet:   activeSet,
		cutoff:      cutoff,
		trackCache:  make(map[string]cachedTrack),
		pendingArch: make(map[string]*archiveAccum),
	}
}

// hasPendingReplay reports whether the in-flight batch already holds a play
// of the same track within the replay window. Scanning only the current
// batch trades replay accuracy for throughput; the flag is informational.
func (s *session) hasPendingReplay(trackID int64, playedAt time.Time) bool {
	for _, e := range s.pendingEvents {
		if e.TrackID != trackID {
			continue
		}
		gap := playedAt.Sub(e.PlayedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap < replayWindow {
			return true
		}
	}
	return false
}
