/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/friendsincode/listenroom/internal/enrich"
	"github.com/friendsincode/listenroom/internal/models"
	"github.com/friendsincode/listenroom/internal/room"
	"github.com/friendsincode/listenroom/internal/spotify"
	"github.com/friendsincode/listenroom/internal/taskqueue"
)

// privateEntryTitle marks playlist entries that cannot be played.
const privateEntryTitle = "[Private video]"

type queueRequest struct {
	URL      string `json:"url"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type inputKind int

const (
	inputSearch inputKind = iota
	inputYouTube
	inputSpotifyPlaylist
	inputRejected
)

// classifyInput decides how user input is queued. Text that does not parse
// as an absolute URL becomes a search.
func classifyInput(raw string) (inputKind, string) {
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return inputSearch, models.SearchPrefix + raw
	}
	if id, ok := spotify.PlaylistID(raw); ok {
		return inputSpotifyPlaylist, id
	}
	if isYouTubeHost(u.Hostname()) {
		return inputYouTube, raw
	}
	return inputRejected, ""
}

func isYouTubeHost(host string) bool {
	host = strings.ToLower(host)
	return host == "youtube.com" || host == "youtu.be" || strings.HasSuffix(host, ".youtube.com")
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" || req.RoomID == "" {
		writeError(w, http.StatusBadRequest, "url and roomId required")
		return
	}

	kind, target := classifyInput(req.URL)
	logger := a.logger.With().Str("room_id", req.RoomID).Str("input", req.URL).Logger()

	switch kind {
	case inputRejected:
		writeError(w, http.StatusBadRequest, "Only YouTube links and Spotify playlists are supported")
		return
	case inputSpotifyPlaylist:
		if a.importer == nil {
			writeError(w, http.StatusBadRequest, "Spotify import is not configured")
			return
		}
		a.rooms.GetOrCreate(req.RoomID)
		a.importer.Notify(req.RoomID, &enrich.ImportJob{PlaylistID: target, UserName: req.UserName})
		logger.Info().Str("playlist_id", target).Msg("spotify playlist queued for import")
		writeJSON(w, http.StatusAccepted, map[string]string{"message": "Importing Spotify playlist"})
		return
	case inputSearch:
		logger.Debug().Str("target", target).Msg("input treated as search")
	}

	rm := a.rooms.GetOrCreate(req.RoomID)
	info, err := a.resolver.Info(r.Context(), target, taskqueue.PriorityBackground)
	if err != nil {
		logger.Error().Err(err).Msg("add to queue failed")
		writeError(w, http.StatusInternalServerError, "Failed to add video")
		return
	}

	now := a.clk.Now()
	if info.IsPlaylist() {
		tracks := make([]*models.Track, 0, len(info.Entries))
		for _, e := range info.Entries {
			if e.Title == "" || e.Title == privateEntryTitle {
				continue
			}
			t := models.NewTrack(e.EntryURL(), e.Title, req.UserName, now)
			t.DurationSec = e.Duration
			t.Duration = e.DurationString
			if t.Duration == "" {
				t.Duration = models.FormatDuration(e.Duration)
			}
			t.Thumbnail = e.BestThumbnail()
			t.IsSearch = false
			tracks = append(tracks, t)
		}
		if !rm.Enqueue(tracks, room.EnqueueOptions{Enrich: true}) {
			writeError(w, http.StatusInternalServerError, "Failed to add video")
			return
		}
		logger.Info().Str("title", info.Title).Int("tracks", len(tracks)).Msg("playlist added")
		writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Added %d tracks from playlist", len(tracks))})
		return
	}

	title := info.Title
	if title == "" {
		title = "Unknown Title"
	}
	t := models.NewTrack(target, title, req.UserName, now)
	t.ApplySource(info)
	t.Thumbnail = info.BestThumbnail()
	if a.matcher != nil && info.Title != "" {
		if m, err := a.matcher.Lookup(r.Context(), info.Title); err == nil {
			enrich.ApplyMatch(t, m)
		} else {
			logger.Debug().Err(err).Msg("no inline metadata match")
		}
	}
	// The room owns t once queued.
	resp := t.Clone()
	if !rm.Enqueue([]*models.Track{t}, room.EnqueueOptions{}) {
		writeError(w, http.StatusInternalServerError, "Failed to add video")
		return
	}
	logger.Info().Str("track_id", resp.ID).Str("title", resp.DisplayTitle()).Msg("track added")
	writeJSON(w, http.StatusOK, resp)
}
