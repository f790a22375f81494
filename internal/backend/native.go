/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package backend

import (
	"context"
	"net/url"
	"strings"

	"github.com/kkdai/youtube/v2"
	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/models"
)

// Native answers info lookups for plain YouTube watch and playlist URLs with
// the in-process YouTube client and defers everything else (searches,
// fetches, failures) to the fallback backend.
type Native struct {
	client   youtube.Client
	fallback Backend
	logger   zerolog.Logger
}

// NewNative wraps fallback with native info lookups.
func NewNative(fallback Backend, logger zerolog.Logger) *Native {
	return &Native{
		fallback: fallback,
		logger:   logger.With().Str("component", "native-youtube").Logger(),
	}
}

// Info implements Backend.
func (n *Native) Info(ctx context.Context, target string) (*models.SourceInfo, error) {
	switch classifyTarget(target) {
	case targetPlaylist:
		pl, err := n.client.GetPlaylistContext(ctx, target)
		if err == nil {
			return playlistInfo(pl), nil
		}
		n.logger.Debug().Err(err).Str("target", target).Msg("native playlist lookup failed, falling back")
	case targetVideo:
		v, err := n.client.GetVideoContext(ctx, target)
		if err == nil {
			return videoInfo(v), nil
		}
		n.logger.Debug().Err(err).Str("target", target).Msg("native video lookup failed, falling back")
	}
	return n.fallback.Info(ctx, target)
}

// Stream implements Backend.
func (n *Native) Stream(ctx context.Context, req StreamRequest) (Process, error) {
	return n.fallback.Stream(ctx, req)
}

type targetKind int

const (
	targetOther targetKind = iota
	targetVideo
	targetPlaylist
)

func classifyTarget(target string) targetKind {
	if strings.HasPrefix(target, models.SearchPrefix) {
		return targetOther
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return targetOther
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "youtu.be":
		return targetVideo
	case host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"):
		q := u.Query()
		if u.Path == "/playlist" && q.Get("list") != "" {
			return targetPlaylist
		}
		if q.Get("v") != "" {
			return targetVideo
		}
	}
	return targetOther
}

func videoInfo(v *youtube.Video) *models.SourceInfo {
	info := &models.SourceInfo{
		Type:       "video",
		ID:         v.ID,
		Title:      v.Title,
		Uploader:   v.Author,
		WebpageURL: "https://www.youtube.com/watch?v=" + v.ID,
		Duration:   v.Duration.Seconds(),
		Thumbnails: thumbnails(v.Thumbnails),
	}
	info.DurationString = models.FormatDuration(info.Duration)
	return info
}

func playlistInfo(pl *youtube.Playlist) *models.SourceInfo {
	info := &models.SourceInfo{
		Type:  "playlist",
		ID:    pl.ID,
		Title: pl.Title,
	}
	for _, e := range pl.Videos {
		entry := models.SourceInfo{
			ID:         e.ID,
			Title:      e.Title,
			Uploader:   e.Author,
			URL:        "https://www.youtube.com/watch?v=" + e.ID,
			Duration:   e.Duration.Seconds(),
			Thumbnails: thumbnails(e.Thumbnails),
		}
		entry.DurationString = models.FormatDuration(entry.Duration)
		info.Entries = append(info.Entries, entry)
	}
	return info
}

func thumbnails(in youtube.Thumbnails) []models.Thumbnail {
	out := make([]models.Thumbnail, 0, len(in))
	for _, t := range in {
		out = append(out, models.Thumbnail{URL: t.URL, Width: int(t.Width), Height: int(t.Height)})
	}
	return out
}
