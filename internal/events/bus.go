/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package events is the in-process pubsub used to announce room lifecycle
// and playback changes to observers (event export, metrics).
package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventRoomCreated    EventType = "room.created"
	EventRoomEvicted    EventType = "room.evicted"
	EventTrackStarted   EventType = "track.started"
	EventTrackEnded     EventType = "track.ended"
	EventQueueChanged   EventType = "queue.changed"
	EventTrackEnriched  EventType = "track.enriched"
	EventImportFinished EventType = "import.finished"
)

// AllEventTypes lists every published type, for bridges that forward all of them.
var AllEventTypes = []EventType{
	EventRoomCreated,
	EventRoomEvicted,
	EventTrackStarted,
	EventTrackEnded,
	EventQueueChanged,
	EventTrackEnriched,
	EventImportFinished,
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub. Publish never blocks; a full
// subscriber misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 32)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. A nil bus drops the event.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes it.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	b.subs[eventType] = subs
}
