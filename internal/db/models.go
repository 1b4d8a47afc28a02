package db

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Import run lifecycle statuses.
const (
	RunPending     = "PENDING"
	RunDiscovering = "DISCOVERING"
	RunInProgress  = "IN_PROGRESS"
	RunCompleted   = "COMPLETED"
	RunFailed      = "FAILED"
)

// Track is the durable identity for a title+artist pair in the active tier.
type Track struct {
	ID         int64
	Title      string
	Artist     string
	Album      *string // nullable
	NormKey    string
	DurationMS *int    // nullable, filled by enrichment
	ArtworkURL *string // nullable
	Loved      bool
	CreatedAt  time.Time
}

// ListeningEvent is one fully structured play record in the active tier.
// Immutable once written.
type ListeningEvent struct {
	ID            int64
	TrackID       int64
	PlayedAt      time.Time
	DurationMS    int
	CompletionPct int
	Source        string
	IsReplay      bool
	SessionID     *uuid.UUID // nil for imported data
}

// ArchiveEntry aggregates all archived plays of one title+artist pair into
// a compressed timestamp blob.
type ArchiveEntry struct {
	ID            int64
	KeyHash       string
	Title         string
	Artist        string
	Album         *string // nullable
	Timestamps    []byte
	PlayCount     int
	FirstPlayedAt time.Time
	LastPlayedAt  time.Time
	Loved         bool
	ArtworkURL    *string // nullable
	ImportRunID   *uuid.UUID
	UpdatedAt     time.Time
}

// ImportRun records the progress and outcome of one import attempt.
type ImportRun struct {
	ID                uuid.UUID
	Username          string
	Tier              string
	TopTracksCount    int
	RecentMonths      int
	Status            string
	PageCursor        int
	TotalPages        int
	EventsImported    int
	TracksCreated     int
	ArchivedTracks    int
	DuplicatesSkipped int
	SyncCursor        *time.Time // last-seen play timestamp, for incremental sync
	ErrorMessage      *string
	StartedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// NormalizedKey builds the lower-cased, trimmed "title|artist" identity key
// used for deduplication and active-set membership.
func NormalizedKey(title, artist string) string {
	return strings.ToLower(strings.TrimSpace(title)) + "|" + strings.ToLower(strings.TrimSpace(artist))
}

// KeyHash derives the archive table's stable hash key from a title+artist pair.
func KeyHash(title, artist string) string {
	sum := sha256.Sum256([]byte(NormalizedKey(title, artist)))
	return hex.EncodeToString(sum[:])
}
