/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package spotify reads public playlist pages for catalog import.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	spotifyapi "github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/friendsincode/listenroom/internal/telemetry"
)

// PageSize is the number of playlist items requested per page.
const PageSize = 50

// ErrNotConfigured is returned when no client credentials are set.
var ErrNotConfigured = errors.New("spotify: client credentials not configured")

// Item is one importable playlist track.
type Item struct {
	ID      string
	Name    string
	Artists []string
	// Image is the first album image, if any.
	Image string
}

// Query is the search text used to find the track on the audio source.
func (i Item) Query() string {
	return strings.Join(i.Artists, ", ") + " - " + i.Name
}

// Page is one slice of a playlist.
type Page struct {
	Items []Item
	// Fetched counts the items the API returned, skipped ones included.
	Fetched int
	// HasNext reports whether another page follows.
	HasNext bool
}

// Config configures a Client.
type Config struct {
	ClientID     string
	ClientSecret string
	// TokenURL and BaseURL override the Spotify endpoints.
	TokenURL string
	BaseURL  string
}

// Client fetches playlist pages with an app token.
type Client struct {
	api    *spotifyapi.Client
	logger zerolog.Logger
}

// New creates a client using the client credentials flow. The token is
// fetched lazily and refreshed on expiry.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrNotConfigured
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = spotifyauth.TokenURL
	}
	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
	}
	return newWithHTTP(creds.Client(ctx), cfg.BaseURL, logger), nil
}

func newWithHTTP(httpClient *http.Client, baseURL string, logger zerolog.Logger) *Client {
	var opts []spotifyapi.ClientOption
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, spotifyapi.WithBaseURL(baseURL))
	}
	return &Client{
		api:    spotifyapi.New(httpClient, opts...),
		logger: logger.With().Str("component", "spotify").Logger(),
	}
}

// PlaylistPage returns the page of playlistID starting at offset. Local
// files, episodes and unavailable tracks are skipped.
func (c *Client) PlaylistPage(ctx context.Context, playlistID string, offset int) (*Page, error) {
	res, err := c.api.GetPlaylistItems(ctx, spotifyapi.ID(playlistID),
		spotifyapi.Limit(PageSize),
		spotifyapi.Offset(offset),
	)
	if err != nil {
		telemetry.CatalogLookups.WithLabelValues("spotify", "error").Inc()
		return nil, fmt.Errorf("get playlist items: %w", err)
	}
	telemetry.CatalogLookups.WithLabelValues("spotify", "page").Inc()

	page := &Page{HasNext: res.Next != "", Fetched: len(res.Items)}
	for _, it := range res.Items {
		t := it.Track.Track
		if it.IsLocal || t == nil || t.ID == "" {
			continue
		}
		item := Item{ID: string(t.ID), Name: t.Name}
		for _, a := range t.Artists {
			item.Artists = append(item.Artists, a.Name)
		}
		if len(t.Album.Images) > 0 {
			item.Image = t.Album.Images[0].URL
		}
		page.Items = append(page.Items, item)
	}
	c.logger.Debug().Str("playlist_id", playlistID).Int("offset", offset).Int("items", len(page.Items)).Bool("next", page.HasNext).Msg("playlist page")
	return page, nil
}

// PlaylistID extracts the id of an open.spotify.com/playlist/<id> URL.
func PlaylistID(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Hostname(), "open.spotify.com") {
		return "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// Localized links look like /intl-de/playlist/<id>.
	if len(parts) == 3 && strings.HasPrefix(parts[0], "intl-") {
		parts = parts[1:]
	}
	if len(parts) != 2 || parts[0] != "playlist" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
