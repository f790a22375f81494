/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/events"
	"github.com/friendsincode/listenroom/internal/models"
	"github.com/friendsincode/listenroom/internal/telemetry"
)

// Forgetter drops queued background work of a room.
type Forgetter interface {
	Forget(roomID string)
}

// ManagerConfig wires the registry.
type ManagerConfig struct {
	Clock    clock.Clock
	Resolver Resolver
	// NewPipeline builds the media pipeline owned by one room.
	NewPipeline func(roomID string) Pipeline
	Bus         *events.Bus
	Metadata    TrackNotifier
	Sources     TrackNotifier
	// Forget is called with the id of every evicted room.
	Forget []Forgetter

	EmptyTTL      time.Duration
	SweepInterval time.Duration
}

// Manager is the registry of live rooms.
type Manager struct {
	cfg    ManagerConfig
	clk    clock.Clock
	logger zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewManager creates an empty registry.
func NewManager(cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.EmptyTTL <= 0 {
		cfg.EmptyTTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Manager{
		cfg:    cfg,
		clk:    cfg.Clock,
		logger: logger.With().Str("component", "rooms").Logger(),
		rooms:  make(map[string]*Room),
	}
}

// SetNotifiers installs the schedulers after construction. The schedulers
// themselves read rooms through the manager, so they are built second.
func (m *Manager) SetNotifiers(metadata, sources TrackNotifier, forget ...Forgetter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Metadata = metadata
	m.cfg.Sources = sources
	m.cfg.Forget = forget
}

// GetOrCreate returns the room with id, creating it on first use.
func (m *Manager) GetOrCreate(id string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[id]; ok {
		return r
	}
	deps := Deps{
		Clock:    m.clk,
		Resolver: m.cfg.Resolver,
		Bus:      m.cfg.Bus,
		Metadata: m.cfg.Metadata,
		Sources:  m.cfg.Sources,
		Logger:   m.logger,
	}
	if m.cfg.NewPipeline != nil {
		deps.Pipeline = m.cfg.NewPipeline(id)
	}
	r := New(id, deps)
	m.rooms[id] = r
	telemetry.RoomsActive.Inc()
	m.logger.Info().Str("room_id", id).Msg("room created")
	m.cfg.Bus.Publish(events.EventRoomCreated, events.Payload{"room_id": id})
	return r
}

// Join adds a client to room id, creating the room if needed. A room that
// is evicted concurrently is replaced by a fresh one.
func (m *Manager) Join(id, connID string, c Client, info models.ClientInfo) (*Room, models.ClientInfo) {
	for {
		r := m.GetOrCreate(id)
		if got, ok := r.Join(connID, c, info); ok {
			return r, got
		}
		m.mu.Lock()
		stale := m.rooms[id] == r
		if stale {
			// Closed outside the sweep; drop it so the next lookup recreates.
			delete(m.rooms, id)
			telemetry.RoomsActive.Dec()
		}
		m.mu.Unlock()
		if stale {
			r.Close()
		}
	}
}

// Get returns an existing room.
func (m *Manager) Get(id string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	return r, ok
}

// IDs lists live rooms in sorted order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Totals sums Stats across live rooms.
type Totals struct {
	Rooms              int `json:"rooms"`
	Clients            int `json:"clients"`
	RTCListeners       int `json:"rtc_listeners"`
	StreamListeners    int `json:"stream_listeners"`
	BackpressuredRooms int `json:"backpressured_rooms"`
}

// Totals collects Stats from every live room.
func (m *Manager) Totals() Totals {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	t := Totals{Rooms: len(rooms)}
	for _, r := range rooms {
		st := r.Stats()
		t.Clients += st.Clients
		t.RTCListeners += st.RTCListeners
		t.StreamListeners += st.StreamListeners
		if st.Backpressured {
			t.BackpressuredRooms++
		}
	}
	return t
}

// Sweep evicts rooms that have been empty for at least the TTL and returns
// their ids.
func (m *Manager) Sweep(now time.Time) []string {
	m.mu.Lock()
	candidates := make(map[string]*Room, len(m.rooms))
	for id, r := range m.rooms {
		candidates[id] = r
	}
	m.mu.Unlock()

	var evicted []string
	for id, r := range candidates {
		// Holding mu keeps GetOrCreate from handing out r while it retires.
		m.mu.Lock()
		if m.rooms[id] != r {
			m.mu.Unlock()
			continue
		}
		since, retired := r.retireIfEmpty(now, m.cfg.EmptyTTL)
		if !retired {
			m.mu.Unlock()
			continue
		}
		delete(m.rooms, id)
		forget := m.cfg.Forget
		m.mu.Unlock()

		r.Close()
		for _, f := range forget {
			f.Forget(id)
		}
		telemetry.RoomsActive.Dec()
		telemetry.RoomsEvicted.Inc()
		m.cfg.Bus.Publish(events.EventRoomEvicted, events.Payload{"room_id": id})
		m.logger.Info().Str("room_id", id).Dur("empty_for", now.Sub(since)).Msg("room evicted")
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}

// Run sweeps on the configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	t := m.clk.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			m.Sweep(m.clk.Now())
		}
	}
}

// Close tears down every room.
func (m *Manager) Close() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()
	for _, r := range rooms {
		r.Close()
		telemetry.RoomsActive.Dec()
	}
}

// Background work addresses rooms by id and never creates them.

// Track returns a copy of a track anywhere in the room.
func (m *Manager) Track(roomID, trackID string) (*models.Track, bool) {
	r, ok := m.Get(roomID)
	if !ok {
		return nil, false
	}
	t, _, found := r.Track(trackID)
	return t, found
}

// QueuedTrack returns a copy of a track that is still waiting in the queue.
func (m *Manager) QueuedTrack(roomID, trackID string) (*models.Track, bool) {
	r, ok := m.Get(roomID)
	if !ok {
		return nil, false
	}
	t, queued, found := r.Track(trackID)
	return t, found && queued
}

// UpdateTrack mutates a track in place wherever it lives in the room.
func (m *Manager) UpdateTrack(roomID, trackID string, fn func(*models.Track)) bool {
	r, ok := m.Get(roomID)
	if !ok {
		return false
	}
	return r.UpdateTrack(trackID, fn)
}

// AppendTracks enqueues tracks into an existing room.
func (m *Manager) AppendTracks(roomID string, tracks []*models.Track) bool {
	r, ok := m.Get(roomID)
	if !ok {
		return false
	}
	return r.Enqueue(tracks, EnqueueOptions{})
}

// Exists reports whether the room is live.
func (m *Manager) Exists(roomID string) bool {
	_, ok := m.Get(roomID)
	return ok
}
