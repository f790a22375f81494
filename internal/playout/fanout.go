/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/telemetry"
)

// Fanout is a room's sink registry. Sinks are keyed by opaque ids handed
// out on Add and delivered to in registration order.
type Fanout struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	order []string
	sinks map[string]Sink
}

// NewFanout creates an empty registry.
func NewFanout(logger zerolog.Logger) *Fanout {
	return &Fanout{
		logger: logger.With().Str("component", "fanout").Logger(),
		sinks:  make(map[string]Sink),
	}
}

// Add registers a sink and returns its id.
func (f *Fanout) Add(s Sink) string {
	id := uuid.NewString()
	f.mu.Lock()
	f.sinks[id] = s
	f.order = append(f.order, id)
	f.mu.Unlock()
	return id
}

// Remove unregisters a sink without closing it. It returns nil for unknown ids.
func (f *Fanout) Remove(id string) Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sinks[id]
	if !ok {
		return nil
	}
	delete(f.sinks, id)
	for i, candidate := range f.order {
		if candidate == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return s
}

// Len returns the number of registered sinks.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

// WriteFrame delivers frame to every sink. A failing sink is logged and
// skipped; delivery to the rest continues.
func (f *Fanout) WriteFrame(frame []byte) {
	f.mu.RLock()
	sinks := make([]Sink, 0, len(f.order))
	ids := make([]string, 0, len(f.order))
	for _, id := range f.order {
		sinks = append(sinks, f.sinks[id])
		ids = append(ids, id)
	}
	f.mu.RUnlock()

	for i, s := range sinks {
		if err := s.WriteFrame(frame); err != nil {
			kind := "unknown"
			if k, ok := s.(Kinded); ok {
				kind = k.Kind()
			}
			telemetry.SinkErrors.WithLabelValues(kind).Inc()
			f.logger.Debug().Err(err).Str("sink_id", ids[i]).Str("kind", kind).Msg("sink write failed")
		}
	}
	telemetry.FramesEmitted.Inc()
}

// CloseAll closes and unregisters every sink.
func (f *Fanout) CloseAll() {
	f.mu.Lock()
	sinks := f.sinks
	f.sinks = make(map[string]Sink)
	f.order = nil
	f.mu.Unlock()

	for id, s := range sinks {
		if err := s.Close(); err != nil {
			f.logger.Debug().Err(err).Str("sink_id", id).Msg("sink close failed")
		}
	}
}
