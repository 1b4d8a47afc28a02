package importer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/justestif/go-scrobble-vault/internal/db"
	"github.com/justestif/go-scrobble-vault/internal/lastfm"
)

// Remote is the paginated scrobble API surface the importer consumes.
type Remote interface {
	RecentTracks(ctx context.Context, user string, page int, from time.Time) (*lastfm.RecentTracksPage, error)
	LovedTracks(ctx context.Context, user string, page int) (*lastfm.LovedTracksPage, error)
	TopTracks(ctx context.Context, user string, page int) (*lastfm.TopTracksPage, error)
	UserInfo(ctx context.Context, user string) (*lastfm.UserInfo, error)
}

// TrackStore is the active-tier track surface the importer writes through.
type TrackStore interface {
	GetByKey(ctx context.Context, normKey string) (*db.Track, error)
	GetOrCreate(ctx context.Context, track *db.Track) (bool, error)
}

// EventStore writes active-tier play events.
type EventStore interface {
	InsertBatch(ctx context.Context, events []db.ListeningEvent) (int, error)
	CountForTrack(ctx context.Context, trackID int64) (int, error)
}

// ArchiveStore persists compressed archive-tier entries.
type ArchiveStore interface {
	UpsertMerge(ctx context.Context, entry *db.ArchiveEntry) (bool, error)
	Get(ctx context.Context, id int64) (*db.ArchiveEntry, error)
	List(ctx context.Context, filter db.ListFilter) ([]db.ArchiveEntry, error)
	Delete(ctx context.Context, id int64) error
}

// RunStore persists import run lifecycle state.
type RunStore interface {
	Create(ctx context.Context, run *db.ImportRun) error
	Update(ctx context.Context, run *db.ImportRun) error
	Get(ctx context.Context, id uuid.UUID) (*db.ImportRun, error)
	GetUnfinished(ctx context.Context) (*db.ImportRun, error)
	LastCompleted(ctx context.Context) (*db.ImportRun, error)
	LastFailed(ctx context.Context, username string) (*db.ImportRun, error)
}

// SettingsStore persists user preferences.
type SettingsStore interface {
	Set(ctx context.Context, key, value string) error
}

// Optimizer is the opaque post-import housekeeping hook, invoked once per
// successful import.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// Enricher schedules background metadata enrichment for newly created active
// tracks. Implementations must not block the caller.
type Enricher interface {
	Schedule(tracks []db.Track)
}

// Stores bundles the persistence surfaces an import needs.
type Stores struct {
	Tracks   TrackStore
	Events   EventStore
	Archive  ArchiveStore
	Runs     RunStore
	Settings SettingsStore
}

// NewStores adapts a database handle into the importer's store bundle.
func NewStores(database *db.DB) Stores {
	return Stores{
		Tracks:   database.Tracks(),
		Events:   database.Events(),
		Archive:  database.Archive(),
		Runs:     database.ImportRuns(),
		Settings: database.Settings(),
	}
}
