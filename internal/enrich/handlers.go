/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/cache"
	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/events"
	"github.com/friendsincode/listenroom/internal/models"
	"github.com/friendsincode/listenroom/internal/musicbrainz"
	"github.com/friendsincode/listenroom/internal/spotify"
	"github.com/friendsincode/listenroom/internal/taskqueue"
)

// Scheduler names.
const (
	NameMetadata = "metadata"
	NameSource   = "source"
	NameImport   = "import"
)

// RoomStore is the view of live rooms the schedulers work through. It never
// creates rooms.
type RoomStore interface {
	Exists(roomID string) bool
	Track(roomID, trackID string) (*models.Track, bool)
	QueuedTrack(roomID, trackID string) (*models.Track, bool)
	UpdateTrack(roomID, trackID string, fn func(*models.Track)) bool
	AppendTracks(roomID string, tracks []*models.Track) bool
}

// Matcher finds catalog metadata for a raw title.
type Matcher interface {
	Lookup(ctx context.Context, rawTitle string) (*musicbrainz.Match, error)
}

// Resolver performs info lookups.
type Resolver interface {
	Info(ctx context.Context, target string, priority int) (*models.SourceInfo, error)
}

// PlaylistSource pages through a catalog playlist.
type PlaylistSource interface {
	PlaylistPage(ctx context.Context, playlistID string, offset int) (*spotify.Page, error)
}

// ApplyMatch copies an accepted catalog match onto a track.
func ApplyMatch(t *models.Track, m *musicbrainz.Match) {
	if m == nil {
		return
	}
	t.CleanTitle = m.Title
	t.Artist = m.Artist
	if m.CoverArt != "" {
		t.Thumbnail = m.CoverArt
	}
}

// NewMetadata creates the scheduler that matches tracks against the catalog.
func NewMetadata(store RoomStore, matcher Matcher, delay time.Duration, clk clock.Clock, logger zerolog.Logger) *Scheduler[string] {
	handle := func(ctx context.Context, roomID, trackID string) (Outcome, error) {
		tr, ok := store.Track(roomID, trackID)
		if !ok {
			return Skip, nil
		}
		m, err := matcher.Lookup(ctx, tr.Title)
		if errors.Is(err, musicbrainz.ErrNoResults) || errors.Is(err, musicbrainz.ErrLowConfidence) {
			logger.Debug().Err(err).Str("room_id", roomID).Str("title", tr.Title).Msg("no catalog match")
			return Done, nil
		}
		if err != nil {
			return Done, fmt.Errorf("lookup %q: %w", tr.Title, err)
		}
		store.UpdateTrack(roomID, trackID, func(t *models.Track) { ApplyMatch(t, m) })
		logger.Info().Str("room_id", roomID).Str("title", tr.Title).Str("artist", m.Artist).Msg("track enriched")
		return Done, nil
	}
	return NewScheduler[string](NameMetadata, delay, handle, clk, logger)
}

// NewSource creates the scheduler that resolves search placeholders still
// waiting in a queue. c may be nil.
func NewSource(store RoomStore, resolver Resolver, c *cache.Cache, delay time.Duration, clk clock.Clock, logger zerolog.Logger) *Scheduler[string] {
	handle := func(ctx context.Context, roomID, trackID string) (Outcome, error) {
		tr, ok := store.QueuedTrack(roomID, trackID)
		if !ok || !tr.IsPlaceholder() || tr.ResolverFailed {
			return Skip, nil
		}

		info, hit := c.GetSourceInfo(ctx, tr.URL)
		if !hit {
			var err error
			info, err = resolver.Info(ctx, tr.URL, taskqueue.PriorityBackground)
			if err != nil {
				store.UpdateTrack(roomID, trackID, func(t *models.Track) { t.ResolverFailed = true })
				return Done, fmt.Errorf("resolve %q: %w", tr.Title, err)
			}
			_ = c.SetSourceInfo(ctx, tr.URL, info)
		}

		store.UpdateTrack(roomID, trackID, func(t *models.Track) {
			// Playback may have resolved it meanwhile.
			if t.IsPlaceholder() {
				t.ApplySource(info)
			}
		})
		logger.Info().Str("room_id", roomID).Str("title", tr.Title).Msg("placeholder resolved")
		return Done, nil
	}
	return NewScheduler[string](NameSource, delay, handle, clk, logger)
}

// ImportJob is one playlist import in progress.
type ImportJob struct {
	PlaylistID string
	Offset     int
	UserName   string
}

// NewImport creates the scheduler that appends catalog playlists page by
// page. bus may be nil.
func NewImport(store RoomStore, source PlaylistSource, bus *events.Bus, delay time.Duration, clk clock.Clock, logger zerolog.Logger) *Scheduler[*ImportJob] {
	if clk == nil {
		clk = clock.Real{}
	}
	handle := func(ctx context.Context, roomID string, job *ImportJob) (Outcome, error) {
		if !store.Exists(roomID) {
			logger.Info().Str("room_id", roomID).Str("playlist_id", job.PlaylistID).Msg("room gone, dropping import")
			return Skip, nil
		}
		page, err := source.PlaylistPage(ctx, job.PlaylistID, job.Offset)
		if err != nil {
			return Done, fmt.Errorf("import playlist %s: %w", job.PlaylistID, err)
		}
		// A page whose items were all skipped still advances the cursor.
		if len(page.Items) == 0 && page.Fetched == 0 {
			logger.Info().Str("room_id", roomID).Str("playlist_id", job.PlaylistID).Int("offset", job.Offset).Msg("no items returned, ending import")
			finish(bus, roomID, job)
			return Done, nil
		}

		if len(page.Items) > 0 {
			now := clk.Now()
			tracks := make([]*models.Track, 0, len(page.Items))
			for _, it := range page.Items {
				t := models.NewTrack(models.SearchPrefix+it.Query(), it.Name, job.UserName, now)
				t.Artist = strings.Join(it.Artists, ", ")
				t.Thumbnail = it.Image
				tracks = append(tracks, t)
			}
			if !store.AppendTracks(roomID, tracks) {
				return Skip, nil
			}
			logger.Info().Str("room_id", roomID).Str("playlist_id", job.PlaylistID).Int("offset", job.Offset).Int("tracks", len(tracks)).Msg("imported playlist page")
		}

		if page.HasNext {
			job.Offset += spotify.PageSize
			return Continue, nil
		}
		finish(bus, roomID, job)
		return Done, nil
	}
	return NewScheduler[*ImportJob](NameImport, delay, handle, clk, logger)
}

func finish(bus *events.Bus, roomID string, job *ImportJob) {
	bus.Publish(events.EventImportFinished, events.Payload{
		"room_id":     roomID,
		"playlist_id": job.PlaylistID,
		"offset":      job.Offset,
	})
}
