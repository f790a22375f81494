/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package musicbrainz matches free-form video titles against the MusicBrainz
// recording index and fetches cover art from the Cover Art Archive.
package musicbrainz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/friendsincode/listenroom/internal/cache"
	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/telemetry"
)

var (
	// ErrNoResults is returned when the search has no recordings.
	ErrNoResults = errors.New("musicbrainz: no recordings found")
	// ErrLowConfidence is returned when the best recording is not similar
	// enough to the title.
	ErrLowConfidence = errors.New("musicbrainz: match below similarity threshold")
)

// Defaults.
const (
	DefaultBaseURL     = "https://musicbrainz.org/ws/2"
	DefaultCoverArtURL = "https://coverartarchive.org"
	DefaultUserAgent   = "listenroom/1.0 ( https://github.com/friendsincode/listenroom )"
	// MinSimilarity is the lowest accepted title similarity.
	MinSimilarity = 0.75
	// coverArtCandidates is how many releases are probed for artwork.
	coverArtCandidates = 3
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	CoverArtURL string
	UserAgent   string
	// Interval is the minimum spacing of search requests.
	Interval time.Duration
	// Attempts bounds search attempts on 503 or transport failure.
	Attempts   int
	RetryDelay time.Duration
	HTTPClient *http.Client
	Clock      clock.Clock
}

// DefaultConfig follows the MusicBrainz rate guidelines.
func DefaultConfig() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		CoverArtURL: DefaultCoverArtURL,
		UserAgent:   DefaultUserAgent,
		Interval:    time.Second,
		Attempts:    3,
		RetryDelay:  1500 * time.Millisecond,
	}
}

// Match is an accepted catalog record.
type Match struct {
	Title    string
	Artist   string
	CoverArt string
}

// Client performs recording searches.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	cache   *cache.Cache
	logger  zerolog.Logger
}

// New creates a client. c may be nil.
func New(cfg Config, c *cache.Cache, logger zerolog.Logger) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.CoverArtURL == "" {
		cfg.CoverArtURL = def.CoverArtURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		cache:   c,
		logger:  logger.With().Str("component", "musicbrainz").Logger(),
	}
}

type searchResponse struct {
	Recordings []recording `json:"recordings"`
}

type recording struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Score        int    `json:"score"`
	ArtistCredit []struct {
		Name string `json:"name"`
	} `json:"artist-credit"`
	Releases []struct {
		ID string `json:"id"`
	} `json:"releases"`
}

func (r recording) artist() string {
	if len(r.ArtistCredit) == 0 {
		return "Unknown Artist"
	}
	names := make([]string, 0, len(r.ArtistCredit))
	for _, c := range r.ArtistCredit {
		names = append(names, c.Name)
	}
	return strings.Join(names, ", ")
}

// Lookup matches rawTitle against the recording index.
func (c *Client) Lookup(ctx context.Context, rawTitle string) (m *Match, err error) {
	ctx, span := telemetry.StartSpan(ctx, "musicbrainz", "lookup", attribute.String("title", rawTitle))
	defer func() { telemetry.EndSpan(span, err) }()

	if cached, ok := c.cache.GetMatch(ctx, rawTitle); ok {
		telemetry.CatalogLookups.WithLabelValues("musicbrainz", "cached").Inc()
		if !cached.Found {
			return nil, ErrLowConfidence
		}
		return &Match{Title: cached.Title, Artist: cached.Artist, CoverArt: cached.CoverArt}, nil
	}

	m, err = c.lookup(ctx, rawTitle)
	switch {
	case err == nil:
		telemetry.CatalogLookups.WithLabelValues("musicbrainz", "matched").Inc()
		_ = c.cache.SetMatch(ctx, rawTitle, &cache.CachedMatch{Found: true, Title: m.Title, Artist: m.Artist, CoverArt: m.CoverArt})
	case errors.Is(err, ErrNoResults), errors.Is(err, ErrLowConfidence):
		telemetry.CatalogLookups.WithLabelValues("musicbrainz", "rejected").Inc()
		_ = c.cache.SetMatch(ctx, rawTitle, &cache.CachedMatch{Found: false})
	default:
		telemetry.CatalogLookups.WithLabelValues("musicbrainz", "error").Inc()
	}
	return m, err
}

func (c *Client) lookup(ctx context.Context, rawTitle string) (*Match, error) {
	query := BuildQuery(rawTitle)
	c.logger.Debug().Str("title", rawTitle).Str("query", query).Msg("searching recordings")

	res, err := c.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(res.Recordings) == 0 {
		return nil, ErrNoResults
	}

	rec := res.Recordings[0]
	artist := rec.artist()
	best := BestSimilarity(rawTitle, artist, rec.Title)
	c.logger.Debug().
		Str("match", artist+" - "+rec.Title).
		Float64("similarity", best).
		Msg("best recording")
	if best < MinSimilarity {
		return nil, fmt.Errorf("%w: %.2f for %q", ErrLowConfidence, best, artist+" - "+rec.Title)
	}

	m := &Match{Title: rec.Title, Artist: artist}
	for i, rel := range rec.Releases {
		if i >= coverArtCandidates {
			break
		}
		if rel.ID == "" {
			continue
		}
		if art, err := c.coverArt(ctx, rel.ID); err == nil && art != "" {
			m.CoverArt = art
			break
		}
	}
	return m, nil
}

// search runs one recording query, retrying 503s and transport failures.
func (c *Client) search(ctx context.Context, query string) (*searchResponse, error) {
	endpoint := c.cfg.BaseURL + "/recording?query=" + url.QueryEscape(query) + "&fmt=json"

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		res, retry, err := c.searchOnce(ctx, endpoint)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.Attempts {
			break
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("recording search failed, retrying")
		if !clock.Sleep(c.cfg.Clock, c.cfg.RetryDelay, ctx.Done()) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) searchOnce(ctx context.Context, endpoint string) (*searchResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("recording search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode == http.StatusServiceUnavailable, fmt.Errorf("recording search: status %d", resp.StatusCode)
	}
	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("decode recording search: %w", err)
	}
	return &out, false, nil
}

type coverArtResponse struct {
	Images []struct {
		Front bool   `json:"front"`
		Image string `json:"image"`
	} `json:"images"`
}

// coverArt returns the front image of a release, or the first image.
func (c *Client) coverArt(ctx context.Context, releaseID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.CoverArtURL+"/release/"+url.PathEscape(releaseID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cover art: status %d", resp.StatusCode)
	}

	var out coverArtResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode cover art: %w", err)
	}
	if len(out.Images) == 0 {
		return "", nil
	}
	img := out.Images[0].Image
	for _, im := range out.Images {
		if im.Front {
			img = im.Image
			break
		}
	}
	return httpsURL(img), nil
}

func httpsURL(u string) string {
	if len(u) >= 7 && strings.EqualFold(u[:7], "http://") {
		return "https://" + u[7:]
	}
	return u
}
