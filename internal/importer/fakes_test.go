package importer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/justestif/go-scrobble-vault/internal/codec"
	"github.com/justestif/go-scrobble-vault/internal/db"
	"github.com/justestif/go-scrobble-vault/internal/lastfm"
)

// fakeRemote serves canned pages and scripted failures.
type fakeRemote struct {
	mu sync.Mutex

	user    *lastfm.UserInfo
	userErr error

	loved    map[int]*lastfm.LovedTracksPage
	lovedErr map[int]error

	top    map[int]*lastfm.TopTracksPage
	topErr map[int]error

	recent map[int]*lastfm.RecentTracksPage
	// recentFails holds the number of errors to serve for a page before
	// succeeding; -1 fails forever.
	recentFails map[int]int
	recentErr   error

	recentCalls int
	lastFrom    time.Time

	// onRecent, if set, fires before each history page is served.
	onRecent func(page int)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		user:        &lastfm.UserInfo{Name: "listener", PlayCount: 1000},
		loved:       make(map[int]*lastfm.LovedTracksPage),
		lovedErr:    make(map[int]error),
		top:         make(map[int]*lastfm.TopTracksPage),
		topErr:      make(map[int]error),
		recent:      make(map[int]*lastfm.RecentTracksPage),
		recentFails: make(map[int]int),
	}
}

func (f *fakeRemote) UserInfo(ctx context.Context, user string) (*lastfm.UserInfo, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	return f.user, nil
}

func (f *fakeRemote) LovedTracks(ctx context.Context, user string, page int) (*lastfm.LovedTracksPage, error) {
	if err := f.lovedErr[page]; err != nil {
		return nil, err
	}
	if p, ok := f.loved[page]; ok {
		return p, nil
	}
	return &lastfm.LovedTracksPage{Page: page, TotalPages: page}, nil
}

func (f *fakeRemote) TopTracks(ctx context.Context, user string, page int) (*lastfm.TopTracksPage, error) {
	if err := f.topErr[page]; err != nil {
		return nil, err
	}
	if p, ok := f.top[page]; ok {
		return p, nil
	}
	return &lastfm.TopTracksPage{Page: page, TotalPages: page}, nil
}

func (f *fakeRemote) RecentTracks(ctx context.Context, user string, page int, from time.Time) (*lastfm.RecentTracksPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recentCalls++
	f.lastFrom = from
	if f.onRecent != nil {
		f.onRecent(page)
	}

	if n := f.recentFails[page]; n != 0 {
		if n > 0 {
			f.recentFails[page] = n - 1
		}
		if f.recentErr != nil {
			return nil, f.recentErr
		}
		return nil, lastfm.ErrServiceUnavailable
	}
	if p, ok := f.recent[page]; ok {
		return p, nil
	}
	return &lastfm.RecentTracksPage{Page: page, TotalPages: page}, nil
}

// fakeTrackStore is an in-memory TrackStore keyed by normalized key.
type fakeTrackStore struct {
	mu     sync.Mutex
	byKey  map[string]*db.Track
	nextID int64
}

func newFakeTrackStore() *fakeTrackStore {
	return &fakeTrackStore{byKey: make(map[string]*db.Track)}
}

func (f *fakeTrackStore) GetByKey(ctx context.Context, normKey string) (*db.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.byKey[normKey]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeTrackStore) GetOrCreate(ctx context.Context, track *db.Track) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.byKey[track.NormKey]; ok {
		*track = *existing
		return false, nil
	}
	f.nextID++
	track.ID = f.nextID
	cp := *track
	f.byKey[track.NormKey] = &cp
	return true, nil
}

// fakeEventStore dedups on (track, played_at) like the unique index would.
type fakeEventStore struct {
	mu     sync.Mutex
	events []db.ListeningEvent
	seen   map[string]struct{}
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{seen: make(map[string]struct{})}
}

func (f *fakeEventStore) InsertBatch(ctx context.Context, events []db.ListeningEvent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inserted := 0
	for _, e := range events {
		key := fmt.Sprintf("%d|%d", e.TrackID, e.PlayedAt.UnixMilli())
		if _, dup := f.seen[key]; dup {
			continue
		}
		f.seen[key] = struct{}{}
		f.events = append(f.events, e)
		inserted++
	}
	return inserted, nil
}

func (f *fakeEventStore) CountForTrack(ctx context.Context, trackID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.TrackID == trackID {
			n++
		}
	}
	return n, nil
}

// fakeArchiveStore merges timestamp blobs the same way the real store does.
type fakeArchiveStore struct {
	mu      sync.Mutex
	byID    map[int64]*db.ArchiveEntry
	nextID  int64
	deletes int
}

func newFakeArchiveStore() *fakeArchiveStore {
	return &fakeArchiveStore{byID: make(map[int64]*db.ArchiveEntry)}
}

func (f *fakeArchiveStore) UpsertMerge(ctx context.Context, entry *db.ArchiveEntry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, existing := range f.byID {
		if existing.KeyHash != entry.KeyHash {
			continue
		}
		merged, err := db.MergeTimestamps(existing.Timestamps, entry.Timestamps)
		if err != nil {
			return false, err
		}
		existing.Timestamps = codec.Encode(merged)
		existing.PlayCount = len(merged)
		if entry.FirstPlayedAt.Before(existing.FirstPlayedAt) {
			existing.FirstPlayedAt = entry.FirstPlayedAt
		}
		if entry.LastPlayedAt.After(existing.LastPlayedAt) {
			existing.LastPlayedAt = entry.LastPlayedAt
		}
		existing.Loved = existing.Loved || entry.Loved
		entry.ID = id
		entry.PlayCount = existing.PlayCount
		return false, nil
	}
	f.nextID++
	cp := *entry
	cp.ID = f.nextID
	f.byID[cp.ID] = &cp
	entry.ID = cp.ID
	return true, nil
}

func (f *fakeArchiveStore) Get(ctx context.Context, id int64) (*db.ArchiveEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.byID[id]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeArchiveStore) List(ctx context.Context, filter db.ListFilter) ([]db.ArchiveEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []db.ArchiveEntry
	for _, e := range f.byID {
		all = append(all, *e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].PlayCount != all[j].PlayCount {
			return all[i].PlayCount > all[j].PlayCount
		}
		return all[i].ID < all[j].ID
	})
	if filter.Offset >= len(all) {
		return nil, nil
	}
	all = all[filter.Offset:]
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, nil
}

func (f *fakeArchiveStore) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return db.ErrNotFound
	}
	delete(f.byID, id)
	f.deletes++
	return nil
}

func (f *fakeArchiveStore) entryByKey(title, artist string) *db.ArchiveEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := db.KeyHash(title, artist)
	for _, e := range f.byID {
		if e.KeyHash == hash {
			cp := *e
			return &cp
		}
	}
	return nil
}

// fakeRunStore keeps run rows in memory.
type fakeRunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*db.ImportRun
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[uuid.UUID]*db.ImportRun)}
}

func (f *fakeRunStore) Create(ctx context.Context, run *db.ImportRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeRunStore) Update(ctx context.Context, run *db.ImportRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeRunStore) Get(ctx context.Context, id uuid.UUID) (*db.ImportRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeRunStore) GetUnfinished(ctx context.Context) (*db.ImportRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		switch r.Status {
		case db.RunPending, db.RunDiscovering, db.RunInProgress:
			cp := *r
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeRunStore) LastFailed(ctx context.Context, username string) (*db.ImportRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *db.ImportRun
	for _, r := range f.runs {
		if r.Status != db.RunFailed || r.Username != username {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, db.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeRunStore) LastCompleted(ctx context.Context) (*db.ImportRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *db.ImportRun
	for _, r := range f.runs {
		if r.Status != db.RunCompleted {
			continue
		}
		if latest == nil || (r.CompletedAt != nil && latest.CompletedAt != nil && r.CompletedAt.After(*latest.CompletedAt)) {
			latest = r
		}
	}
	if latest == nil {
		return nil, db.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{values: make(map[string]string)}
}

func (f *fakeSettings) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

type fakeOptimizer struct {
	calls int
}

func (f *fakeOptimizer) Optimize(ctx context.Context) error {
	f.calls++
	return nil
}

type fakeEnricher struct {
	mu        sync.Mutex
	scheduled []db.Track
}

func (f *fakeEnricher) Schedule(tracks []db.Track) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, tracks...)
}

// testHarness wires an Importer over all fakes.
type testHarness struct {
	remote    *fakeRemote
	tracks    *fakeTrackStore
	events    *fakeEventStore
	archive   *fakeArchiveStore
	runs      *fakeRunStore
	settings  *fakeSettings
	optimizer *fakeOptimizer
	enricher  *fakeEnricher
	importer  *Importer
	now       time.Time
}

func newTestHarness() *testHarness {
	h := &testHarness{
		remote:    newFakeRemote(),
		tracks:    newFakeTrackStore(),
		events:    newFakeEventStore(),
		archive:   newFakeArchiveStore(),
		runs:      newFakeRunStore(),
		settings:  newFakeSettings(),
		optimizer: &fakeOptimizer{},
		enricher:  &fakeEnricher{},
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	stores := Stores{
		Tracks:   h.tracks,
		Events:   h.events,
		Archive:  h.archive,
		Runs:     h.runs,
		Settings: h.settings,
	}
	h.importer = New(h.remote, stores, testLogger(),
		WithOptimizer(h.optimizer),
		WithEnricher(h.enricher),
		WithClock(func() time.Time { return h.now }))
	return h
}

func play(title, artist string, ts time.Time) lastfm.Play {
	return lastfm.Play{Title: title, Artist: artist, Timestamp: ts.UnixMilli()}
}
