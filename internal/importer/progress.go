package importer

import (
	"sync"
	"time"
)

// Stage identifies where an import currently is in its lifecycle.
type Stage int

const (
	StageIdle Stage = iota
	StageDiscovering
	StageImporting
	StageRateLimited
	StageCompleted
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageDiscovering:
		return "discovering"
	case StageImporting:
		return "importing"
	case StageRateLimited:
		return "rate_limited"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is one snapshot of import state for UI/CLI consumption.
type Progress struct {
	Stage   Stage
	Message string

	// Phase names the paging phase in flight: "loved", "top", or "history".
	Phase       string
	CurrentPage int
	TotalPages  int

	Processed         int
	EventsCreated     int
	TracksCreated     int
	Archived          int
	DuplicatesSkipped int

	Tier string

	// RetryAfter is set when Stage is StageRateLimited.
	RetryAfter time.Duration

	// Err and Recoverable are set when Stage is StageFailed.
	Err         error
	Recoverable bool
}

// Tracker holds the current progress snapshot and fans updates out to a
// single subscriber channel. Publishing never blocks the importer: if the
// subscriber lags, intermediate snapshots are dropped and the latest state
// remains available via Current.
type Tracker struct {
	mu      sync.Mutex
	current Progress
	updates chan Progress
}

// NewTracker creates a tracker in the idle state.
func NewTracker() *Tracker {
	return &Tracker{
		current: Progress{Stage: StageIdle},
		updates: make(chan Progress, 16),
	}
}

// Publish records a new snapshot and notifies the subscriber if it is keeping up.
func (t *Tracker) Publish(p Progress) {
	t.mu.Lock()
	t.current = p
	t.mu.Unlock()

	select {
	case t.updates <- p:
	default:
	}
}

// Current returns the latest snapshot.
func (t *Tracker) Current() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Updates returns the subscriber channel.
func (t *Tracker) Updates() <-chan Progress {
	return t.updates
}
