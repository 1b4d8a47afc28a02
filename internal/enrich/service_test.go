package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/justestif/go-scrobble-vault/internal/db"
	"github.com/justestif/go-scrobble-vault/internal/lastfm"
)

type mockFetcher struct {
	mu sync.Mutex
	// info maps "artist:title" to metadata
	info map[string]*lastfm.TrackInfo
	// errors maps "artist:title" to errors
	errors    map[string]error
	callCount atomic.Int32
	delay     time.Duration
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		info:   make(map[string]*lastfm.TrackInfo),
		errors: make(map[string]error),
	}
}

func (m *mockFetcher) addInfo(artist, title string, info *lastfm.TrackInfo) {
	m.info[artist+":"+title] = info
}

func (m *mockFetcher) addError(artist, title string, err error) {
	m.errors[artist+":"+title] = err
}

func (m *mockFetcher) TrackInfo(ctx context.Context, artist, title string) (*lastfm.TrackInfo, error) {
	m.callCount.Add(1)

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := artist + ":" + title
	if err, ok := m.errors[key]; ok {
		return nil, err
	}
	if info, ok := m.info[key]; ok {
		return info, nil
	}
	return &lastfm.TrackInfo{Title: title, Artist: artist}, nil
}

type mockUpdater struct {
	mu      sync.Mutex
	updates map[int64]struct {
		durationMS *int
		artworkURL *string
	}
	err error
}

func newMockUpdater() *mockUpdater {
	return &mockUpdater{updates: make(map[int64]struct {
		durationMS *int
		artworkURL *string
	})}
}

func (m *mockUpdater) UpdateMetadata(ctx context.Context, id int64, durationMS *int, artworkURL *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.updates[id] = struct {
		durationMS *int
		artworkURL *string
	}{durationMS, artworkURL}
	return nil
}

func track(id int64, title, artist string) db.Track {
	return db.Track{ID: id, Title: title, Artist: artist}
}

func TestRun_Empty(t *testing.T) {
	svc := NewService(newMockFetcher(), newMockUpdater(), zap.NewNop())
	if updated := svc.Run(context.Background(), nil); updated != 0 {
		t.Errorf("updated = %d, want 0", updated)
	}
}

func TestRun_WritesDurationAndArtwork(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.addInfo("Radiohead", "Creep", &lastfm.TrackInfo{
		Title: "Creep", Artist: "Radiohead", DurationMS: 238000, ArtworkURL: "https://img/creep.png",
	})
	updater := newMockUpdater()

	svc := NewService(fetcher, updater, zap.NewNop())
	updated := svc.Run(context.Background(), []db.Track{track(1, "Creep", "Radiohead")})
	if updated != 1 {
		t.Fatalf("updated = %d, want 1", updated)
	}

	got, ok := updater.updates[1]
	if !ok {
		t.Fatal("track 1 not updated")
	}
	if got.durationMS == nil || *got.durationMS != 238000 {
		t.Errorf("duration = %v, want 238000", got.durationMS)
	}
	if got.artworkURL == nil || *got.artworkURL != "https://img/creep.png" {
		t.Errorf("artwork = %v, want the fetched URL", got.artworkURL)
	}
}

func TestRun_SkipsTracksWithKnownDuration(t *testing.T) {
	fetcher := newMockFetcher()
	updater := newMockUpdater()
	svc := NewService(fetcher, updater, zap.NewNop())

	known := 180000
	tr := track(1, "Known", "Artist")
	tr.DurationMS = &known

	if updated := svc.Run(context.Background(), []db.Track{tr}); updated != 0 {
		t.Errorf("updated = %d, want 0", updated)
	}
	if fetcher.callCount.Load() != 0 {
		t.Errorf("fetch calls = %d, want 0", fetcher.callCount.Load())
	}
}

func TestRun_KeepsExistingArtwork(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.addInfo("Artist", "Song", &lastfm.TrackInfo{
		DurationMS: 200000, ArtworkURL: "https://img/new.png",
	})
	updater := newMockUpdater()
	svc := NewService(fetcher, updater, zap.NewNop())

	existing := "https://img/original.png"
	tr := track(1, "Song", "Artist")
	tr.ArtworkURL = &existing

	if updated := svc.Run(context.Background(), []db.Track{tr}); updated != 1 {
		t.Fatalf("updated = %d, want 1", updated)
	}
	if got := updater.updates[1]; got.artworkURL != nil {
		t.Errorf("artwork overwritten with %q", *got.artworkURL)
	}
}

func TestRun_IndividualFailuresDoNotFailBatch(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.addInfo("Good", "Song", &lastfm.TrackInfo{DurationMS: 150000})
	fetcher.addError("Bad", "Song", errors.New("lookup failed"))
	updater := newMockUpdater()

	svc := NewService(fetcher, updater, zap.NewNop())
	updated := svc.Run(context.Background(), []db.Track{
		track(1, "Song", "Good"),
		track(2, "Song", "Bad"),
	})

	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}
	if _, ok := updater.updates[2]; ok {
		t.Error("failed track was written anyway")
	}
}

func TestRun_NoUsefulMetadataSkipsWrite(t *testing.T) {
	fetcher := newMockFetcher()
	// Default mock response carries neither duration nor artwork.
	updater := newMockUpdater()
	svc := NewService(fetcher, updater, zap.NewNop())

	if updated := svc.Run(context.Background(), []db.Track{track(1, "Song", "Artist")}); updated != 0 {
		t.Errorf("updated = %d, want 0", updated)
	}
	if len(updater.updates) != 0 {
		t.Errorf("writes = %d, want 0", len(updater.updates))
	}
}

func TestRun_ConcurrentExecution(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.delay = 10 * time.Millisecond
	updater := newMockUpdater()

	tracks := make([]db.Track, 20)
	for i := range tracks {
		tracks[i] = track(int64(i+1), "Track", "Artist")
		fetcher.addInfo("Artist", "Track", &lastfm.TrackInfo{DurationMS: 100000})
	}

	svc := NewService(fetcher, updater, zap.NewNop(), WithConcurrency(10))

	start := time.Now()
	svc.Run(context.Background(), tracks)
	elapsed := time.Since(start)

	// 20 lookups at 10ms across 10 workers is 2 waves; sequential would
	// take 200ms.
	if elapsed > 100*time.Millisecond {
		t.Errorf("expected concurrent execution, took %v", elapsed)
	}
	if fetcher.callCount.Load() != 20 {
		t.Errorf("fetch calls = %d, want 20", fetcher.callCount.Load())
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.delay = 50 * time.Millisecond
	updater := newMockUpdater()

	tracks := make([]db.Track, 10)
	for i := range tracks {
		tracks[i] = track(int64(i+1), "Track", "Artist")
	}

	svc := NewService(fetcher, updater, zap.NewNop(), WithConcurrency(2))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(25 * time.Millisecond)
		cancel()
	}()

	updated := svc.Run(ctx, tracks)
	if updated != 0 {
		t.Errorf("updated = %d after cancellation, want 0", updated)
	}
}

func TestScheduleRunsInBackground(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.addInfo("Artist", "Track", &lastfm.TrackInfo{DurationMS: 100000})
	updater := newMockUpdater()
	svc := NewService(fetcher, updater, zap.NewNop())

	svc.Schedule([]db.Track{track(1, "Track", "Artist")})
	svc.Wait()

	if _, ok := updater.updates[1]; !ok {
		t.Error("scheduled enrichment did not run")
	}
}

func TestWithConcurrency(t *testing.T) {
	tests := []struct {
		name     string
		input    int
		expected int
	}{
		{"positive value", 10, 10},
		{"zero uses default", 0, DefaultConcurrency},
		{"negative uses default", -1, DefaultConcurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(newMockFetcher(), newMockUpdater(), zap.NewNop(), WithConcurrency(tt.input))
			if svc.concurrency != tt.expected {
				t.Errorf("concurrency = %d, want %d", svc.concurrency, tt.expected)
			}
		})
	}
}
