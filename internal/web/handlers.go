package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/justestif/go-scrobble-vault/internal/db"
	"github.com/justestif/go-scrobble-vault/internal/importer"
	"github.com/justestif/go-scrobble-vault/internal/library"
)

// ImportService is the import surface the handlers drive.
type ImportService interface {
	Run(ctx context.Context, username string, tier importer.Tier) (*importer.Result, error)
	SyncRecent(ctx context.Context) (*importer.Result, error)
	Promote(ctx context.Context, archiveID int64) (*db.Track, int, error)
	Prune(ctx context.Context) (int, error)
	Tracker() *importer.Tracker
}

// Searcher answers unified library queries.
type Searcher interface {
	Search(ctx context.Context, q string, limit int) ([]library.Result, error)
}

// ArchiveReader reads archive-tier entries and storage accounting.
type ArchiveReader interface {
	List(ctx context.Context, filter db.ListFilter) ([]db.ArchiveEntry, error)
	PromotionCandidates(ctx context.Context, minPlayCount, limit int) ([]db.ArchiveEntry, error)
	Stats(ctx context.Context) (*db.Stats, error)
}

// Handlers holds the HTTP handlers for the API.
type Handlers struct {
	imports ImportService
	search  Searcher
	archive ArchiveReader
	log     *zap.Logger

	// importing guards against racing two background imports from this
	// process; the run store enforces the same rule durably.
	importing atomic.Bool
}

// NewHandlers creates the handler set.
func NewHandlers(imports ImportService, search Searcher, archive ArchiveReader, log *zap.Logger) *Handlers {
	return &Handlers{
		imports: imports,
		search:  search,
		archive: archive,
		log:     log,
	}
}

type startImportRequest struct {
	Username string `json:"username"`
	Tier     string `json:"tier"`
}

// StartImport kicks off a historical import in the background and answers
// immediately; progress is polled via CurrentImport.
func (h *Handlers) StartImport(w http.ResponseWriter, r *http.Request) {
	var req startImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		respondError(w, http.StatusBadRequest, "username is required")
		return
	}

	tier := importer.TierStandard
	if req.Tier != "" {
		var err error
		tier, err = importer.TierByName(req.Tier)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if !h.importing.CompareAndSwap(false, true) {
		respondError(w, http.StatusConflict, importer.ErrImportInProgress.Error())
		return
	}

	go func() {
		defer h.importing.Store(false)
		// The import outlives the HTTP request by design.
		if _, err := h.imports.Run(context.Background(), req.Username, tier); err != nil {
			h.log.Error("background import failed", zap.Error(err))
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":   "started",
		"username": req.Username,
		"tier":     tier.Name,
	})
}

type progressResponse struct {
	Stage             string  `json:"stage"`
	Message           string  `json:"message,omitempty"`
	Phase             string  `json:"phase,omitempty"`
	CurrentPage       int     `json:"current_page"`
	TotalPages        int     `json:"total_pages"`
	Processed         int     `json:"processed"`
	EventsCreated     int     `json:"events_created"`
	TracksCreated     int     `json:"tracks_created"`
	Archived          int     `json:"archived"`
	DuplicatesSkipped int     `json:"duplicates_skipped"`
	Tier              string  `json:"tier,omitempty"`
	RetryAfterSec     float64 `json:"retry_after_sec,omitempty"`
	Error             string  `json:"error,omitempty"`
	Recoverable       bool    `json:"recoverable,omitempty"`
}

// CurrentImport reports the latest progress snapshot.
func (h *Handlers) CurrentImport(w http.ResponseWriter, r *http.Request) {
	p := h.imports.Tracker().Current()
	resp := progressResponse{
		Stage:             p.Stage.String(),
		Message:           p.Message,
		Phase:             p.Phase,
		CurrentPage:       p.CurrentPage,
		TotalPages:        p.TotalPages,
		Processed:         p.Processed,
		EventsCreated:     p.EventsCreated,
		TracksCreated:     p.TracksCreated,
		Archived:          p.Archived,
		DuplicatesSkipped: p.DuplicatesSkipped,
		Tier:              p.Tier,
		RetryAfterSec:     p.RetryAfter.Seconds(),
		Recoverable:       p.Recoverable,
	}
	if p.Err != nil {
		resp.Error = p.Err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

type resultResponse struct {
	RunID             string `json:"run_id"`
	EventsImported    int    `json:"events_imported"`
	TracksCreated     int    `json:"tracks_created"`
	ArchivedTracks    int    `json:"archived_tracks"`
	DuplicatesSkipped int    `json:"duplicates_skipped"`
	Partial           bool   `json:"partial,omitempty"`
}

// Sync runs an incremental sync synchronously; it is bounded so the request
// finishes in reasonable time.
func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.imports.SyncRecent(r.Context())
	switch {
	case errors.Is(err, importer.ErrNoCompletedImport):
		respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, importer.ErrImportInProgress):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.log.Error("sync failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	respondJSON(w, http.StatusOK, resultResponse{
		RunID:             res.RunID.String(),
		EventsImported:    res.EventsImported,
		TracksCreated:     res.TracksCreated,
		ArchivedTracks:    res.ArchivedTracks,
		DuplicatesSkipped: res.DuplicatesSkipped,
		Partial:           res.Partial,
	})
}

// Search answers a unified query across both tiers.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := queryInt(r, "limit", 0)

	results, err := h.search.Search(r.Context(), q, limit)
	if err != nil {
		h.log.Error("search failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "search failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

type tierResponse struct {
	Name              string `json:"name"`
	TopTracksCount    int    `json:"top_tracks_count"`
	RecentMonths      int    `json:"recent_months"`
	EstimatedCoverage int    `json:"estimated_coverage_pct"`
}

// Tiers lists the available import presets.
func (h *Handlers) Tiers(w http.ResponseWriter, r *http.Request) {
	tiers := importer.Tiers()
	resp := make([]tierResponse, 0, len(tiers))
	for _, t := range tiers {
		resp = append(resp, tierResponse{
			Name:              t.Name,
			TopTracksCount:    t.TopTracksCount,
			RecentMonths:      t.RecentMonths,
			EstimatedCoverage: t.EstimatedCoverage,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"tiers": resp})
}

type archiveEntryResponse struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	Artist        string    `json:"artist"`
	Album         *string   `json:"album,omitempty"`
	PlayCount     int       `json:"play_count"`
	FirstPlayedAt time.Time `json:"first_played_at"`
	LastPlayedAt  time.Time `json:"last_played_at"`
	Loved         bool      `json:"loved"`
}

// ListArchive pages through archive-tier entries.
func (h *Handlers) ListArchive(w http.ResponseWriter, r *http.Request) {
	filter := db.ListFilter{
		Query:  r.URL.Query().Get("q"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		filter.From = t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		filter.To = t
	}

	entries, err := h.archive.List(r.Context(), filter)
	if err != nil {
		h.log.Error("archive list failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "archive list failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": archiveResponses(entries)})
}

func archiveResponses(entries []db.ArchiveEntry) []archiveEntryResponse {
	resp := make([]archiveEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, archiveEntryResponse{
			ID:            e.ID,
			Title:         e.Title,
			Artist:        e.Artist,
			Album:         e.Album,
			PlayCount:     e.PlayCount,
			FirstPlayedAt: e.FirstPlayedAt,
			LastPlayedAt:  e.LastPlayedAt,
			Loved:         e.Loved,
		})
	}
	return resp
}

// Promotion-candidate listing defaults.
const (
	defaultCandidateMinPlays = 10
	defaultCandidateLimit    = 20
)

// PromotionCandidates lists the archive entries most worth expanding into
// the active tier, most-played first.
func (h *Handlers) PromotionCandidates(w http.ResponseWriter, r *http.Request) {
	minPlays := queryInt(r, "min_plays", defaultCandidateMinPlays)
	limit := queryInt(r, "limit", defaultCandidateLimit)

	entries, err := h.archive.PromotionCandidates(r.Context(), minPlays, limit)
	if err != nil {
		h.log.Error("candidate list failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "candidate list failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"candidates": archiveResponses(entries)})
}

// ArchiveStats reports archive-tier entry, play, and storage totals.
func (h *Handlers) ArchiveStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.archive.Stats(r.Context())
	if err != nil {
		h.log.Error("archive stats failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "archive stats failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"entries":     stats.Entries,
		"total_plays": stats.TotalPlays,
		"blob_bytes":  stats.BlobBytes,
	})
}

// PromoteArchive expands one archive entry into the active tier.
func (h *Handlers) PromoteArchive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid archive id")
		return
	}

	track, events, err := h.imports.Promote(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		respondError(w, http.StatusNotFound, "archive entry not found")
		return
	case err != nil:
		h.log.Error("promotion failed", zap.Int64("archive_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "promotion failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"track_id":       track.ID,
		"title":          track.Title,
		"artist":         track.Artist,
		"events_created": events,
	})
}

// PruneArchive removes archive entries already covered by the active tier.
func (h *Handlers) PruneArchive(w http.ResponseWriter, r *http.Request) {
	pruned, err := h.imports.Prune(r.Context())
	if err != nil {
		h.log.Error("prune failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "prune failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"pruned": pruned})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
