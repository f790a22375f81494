/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api serves the room socket and the add-to-queue endpoint.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/enrich"
	"github.com/friendsincode/listenroom/internal/logbuffer"
	"github.com/friendsincode/listenroom/internal/models"
	"github.com/friendsincode/listenroom/internal/room"
	rtc "github.com/friendsincode/listenroom/internal/webrtc"
)

// Rooms resolves room keys to live rooms.
type Rooms interface {
	GetOrCreate(id string) *room.Room
	Join(id, connID string, c room.Client, info models.ClientInfo) (*room.Room, models.ClientInfo)
}

// Importer accepts catalog playlist imports.
type Importer interface {
	Notify(roomID string, jobs ...*enrich.ImportJob)
}

// RTCEngine builds RTC listener sinks.
type RTCEngine interface {
	NewSink(peerID string, sig rtc.Signaler) (*rtc.Sink, error)
}

// LogSource answers recent-log queries.
type LogSource interface {
	Query(p logbuffer.QueryParams) []logbuffer.LogEntry
}

// Deps are the services the handlers use. Matcher, Importer, RTC and Logs
// may be nil; the matching features are then disabled.
type Deps struct {
	Rooms    Rooms
	Resolver enrich.Resolver
	Matcher  enrich.Matcher
	Importer Importer
	RTC      RTCEngine
	Logs     LogSource
	Clock    clock.Clock
}

// API exposes HTTP handlers.
type API struct {
	rooms    Rooms
	resolver enrich.Resolver
	matcher  enrich.Matcher
	importer Importer
	rtc      RTCEngine
	logs     LogSource
	clk      clock.Clock
	logger   zerolog.Logger
}

// New creates the API router wrapper.
func New(deps Deps, logger zerolog.Logger) *API {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &API{
		rooms:    deps.Rooms,
		resolver: deps.Resolver,
		matcher:  deps.Matcher,
		importer: deps.Importer,
		rtc:      deps.RTC,
		logs:     deps.Logs,
		clk:      deps.Clock,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts the handlers.
func (a *API) Routes(r chi.Router) {
	r.Get("/ws", a.handleSocket)
	r.Post("/api/queue", a.handleQueue)
	r.Get("/api/logs", a.handleLogs)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
