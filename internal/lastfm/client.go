// Package lastfm provides the paginated client for the remote scrobble API,
// including the retry/backoff controller and failure taxonomy.
package lastfm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://ws.audioscrobbler.com/2.0/"
	userAgent      = "scrobble-vault/1.0"

	// PageSize is the number of plays requested per history page.
	PageSize = 200

	defaultBackoffBase     = 1 * time.Second
	maxBackoffInterval     = 60 * time.Second
	defaultMaxRetries      = 3
	defaultRequestInterval = 250 * time.Millisecond
)

// Config holds client configuration.
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint; used by tests.
	BaseURL string

	// RequestInterval is the fixed delay between requests, independent of
	// backoff, keeping the client under the service rate limit.
	RequestInterval time.Duration

	// BackoffBase is the initial retry delay; it doubles per attempt up to
	// a 60-second cap.
	BackoffBase time.Duration

	// MaxRetries bounds retries per request for retryable failures.
	MaxRetries uint64
}

// Client is a paginated scrobble API client with rate limiting and retry.
type Client struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	backoffBase time.Duration
	maxRetries  uint64
}

// NewClient creates a new client from the provided configuration.
func NewClient(cfg *Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	interval := cfg.RequestInterval
	if interval <= 0 {
		interval = defaultRequestInterval
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}

	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		backoffBase: base,
		maxRetries:  retries,
	}
}

// RecentTracks fetches one page of the user's play history, oldest-last.
// A non-zero from restricts results to plays after that instant, which is
// how incremental sync avoids re-reading the whole history.
func (c *Client) RecentTracks(ctx context.Context, user string, page int, from time.Time) (*RecentTracksPage, error) {
	params := url.Values{
		"method": {"user.getrecenttracks"},
		"user":   {user},
		"page":   {strconv.Itoa(page)},
		"limit":  {strconv.Itoa(PageSize)},
	}
	if !from.IsZero() {
		params.Set("from", strconv.FormatInt(from.Unix(), 10))
	}

	body, err := c.doRequest(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("fetching recent tracks page %d: %w", page, err)
	}

	var resp recentTracksResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing recent tracks response: %w", err)
	}

	result := &RecentTracksPage{
		Plays:      make([]Play, 0, len(resp.RecentTracks.Track)),
		Page:       resp.RecentTracks.Attr.page(),
		TotalPages: resp.RecentTracks.Attr.totalPages(),
		Total:      resp.RecentTracks.Attr.total(),
	}
	for _, t := range resp.RecentTracks.Track {
		uts, _ := strconv.ParseInt(t.Date.UTS, 10, 64)
		result.Plays = append(result.Plays, Play{
			Title:      t.Name,
			Artist:     t.Artist.Text,
			Album:      t.Album.Text,
			MBID:       t.MBID,
			Timestamp:  uts * 1000,
			ArtworkURL: largestImage(t.Image),
			NowPlaying: t.Attr.NowPlaying == "true",
		})
	}
	return result, nil
}

// LovedTracks fetches one page of the user's loved tracks.
func (c *Client) LovedTracks(ctx context.Context, user string, page int) (*LovedTracksPage, error) {
	params := url.Values{
		"method": {"user.getlovedtracks"},
		"user":   {user},
		"page":   {strconv.Itoa(page)},
		"limit":  {strconv.Itoa(PageSize)},
	}

	body, err := c.doRequest(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("fetching loved tracks page %d: %w", page, err)
	}

	var resp lovedTracksResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing loved tracks response: %w", err)
	}

	result := &LovedTracksPage{
		Tracks:     make([]LovedTrack, 0, len(resp.LovedTracks.Track)),
		Page:       resp.LovedTracks.Attr.page(),
		TotalPages: resp.LovedTracks.Attr.totalPages(),
		Total:      resp.LovedTracks.Attr.total(),
	}
	for _, t := range resp.LovedTracks.Track {
		result.Tracks = append(result.Tracks, LovedTrack{Title: t.Name, Artist: t.Artist.Name})
	}
	return result, nil
}

// TopTracks fetches one page of the user's all-time top tracks.
func (c *Client) TopTracks(ctx context.Context, user string, page int) (*TopTracksPage, error) {
	params := url.Values{
		"method": {"user.gettoptracks"},
		"user":   {user},
		"period": {"overall"},
		"page":   {strconv.Itoa(page)},
		"limit":  {strconv.Itoa(PageSize)},
	}

	body, err := c.doRequest(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("fetching top tracks page %d: %w", page, err)
	}

	var resp topTracksResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing top tracks response: %w", err)
	}

	result := &TopTracksPage{
		Tracks:     make([]TopTrack, 0, len(resp.TopTracks.Track)),
		Page:       resp.TopTracks.Attr.page(),
		TotalPages: resp.TopTracks.Attr.totalPages(),
		Total:      resp.TopTracks.Attr.total(),
	}
	for _, t := range resp.TopTracks.Track {
		result.Tracks = append(result.Tracks, TopTrack{
			Title:     t.Name,
			Artist:    t.Artist.Name,
			PlayCount: atoi(t.PlayCount),
		})
	}
	return result, nil
}

// TrackInfo fetches metadata for a single track.
func (c *Client) TrackInfo(ctx context.Context, artist, title string) (*TrackInfo, error) {
	params := url.Values{
		"method":      {"track.getInfo"},
		"artist":      {artist},
		"track":       {title},
		"autocorrect": {"1"},
	}

	body, err := c.doRequest(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("fetching track info: %w", err)
	}

	var resp trackInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing track info response: %w", err)
	}

	return &TrackInfo{
		Title:      resp.Track.Name,
		Artist:     resp.Track.Artist.Name,
		DurationMS: atoi(resp.Track.Duration),
		ArtworkURL: largestImage(resp.Track.Album.Image),
	}, nil
}

// UserInfo fetches the profile summary; discovery uses it to fail fast on
// unknown or private users before paging begins.
func (c *Client) UserInfo(ctx context.Context, user string) (*UserInfo, error) {
	params := url.Values{
		"method": {"user.getinfo"},
		"user":   {user},
	}

	body, err := c.doRequest(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("fetching user info: %w", err)
	}

	var resp userInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing user info response: %w", err)
	}

	return &UserInfo{
		Name:      resp.User.Name,
		PlayCount: atoi(resp.User.PlayCount),
	}, nil
}

// doRequest performs a rate-limited GET with retry on retryable failures.
// Backoff starts at the base delay and doubles per attempt, capped at 60s,
// for at most maxRetries retries; non-retryable failures are permanent.
func (c *Client) doRequest(ctx context.Context, params url.Values) ([]byte, error) {
	params.Set("api_key", c.apiKey)
	params.Set("format", "json")
	reqURL := c.baseURL + "?" + params.Encode()

	var body []byte
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		var err error
		body, err = c.doSingleRequest(ctx, reqURL)
		if err == nil {
			return nil
		}
		if Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffBase
	b.Multiplier = 2.0
	b.MaxInterval = maxBackoffInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	policy := backoff.WithMaxRetries(backoff.WithContext(b, ctx), c.maxRetries)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

// doSingleRequest performs one HTTP request and classifies the outcome.
func (c *Client) doSingleRequest(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusForbidden:
		return nil, ErrPrivateProfile
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUserNotFound
	case resp.StatusCode >= 500:
		return nil, ErrServiceUnavailable
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: err}
	}

	// The API reports some failures as an error code inside a 200 body.
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != 0 {
		return nil, classifyCode(apiErr.Error, apiErr.Message)
	}

	return body, nil
}

func retryAfter(resp *http.Response) time.Duration {
	seconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
