/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package enrich runs the background work that improves queued tracks:
// catalog metadata, search placeholder resolution and playlist import. Each
// kind of work is a round-robin scheduler over rooms so a large import in one
// room cannot starve the others.
package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/telemetry"
)

// Outcome tells the scheduler what to do with the item it just handled.
type Outcome int

const (
	// Done drops the item.
	Done Outcome = iota
	// Continue keeps the item at the head of its room's queue.
	Continue
	// Skip drops the item without waiting out the step delay.
	Skip
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Skip:
		return "skip"
	default:
		return "done"
	}
}

// Handler processes one work item of a room.
type Handler[T any] func(ctx context.Context, roomID string, item T) (Outcome, error)

// Scheduler serves one item per room per turn.
type Scheduler[T any] struct {
	name   string
	handle Handler[T]
	delay  time.Duration
	clk    clock.Clock
	logger zerolog.Logger

	mu     sync.Mutex
	queues map[string][]T
	// order holds each room with queued work at most once. A room being
	// handled is absent from order but keeps its queues entry.
	order []string
	wake  chan struct{}

	// active is the room whose item is being handled; activeForgotten is set
	// when Forget covers it meanwhile.
	active          string
	activeForgotten bool
}

// NewScheduler creates a scheduler that waits delay between steps.
func NewScheduler[T any](name string, delay time.Duration, handle Handler[T], clk clock.Clock, logger zerolog.Logger) *Scheduler[T] {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler[T]{
		name:   name,
		handle: handle,
		delay:  delay,
		clk:    clk,
		logger: logger.With().Str("component", "enrich").Str("scheduler", name).Logger(),
		queues: make(map[string][]T),
		wake:   make(chan struct{}, 1),
	}
}

// Name identifies the scheduler in logs and metrics.
func (s *Scheduler[T]) Name() string { return s.name }

// Notify queues items for roomID.
func (s *Scheduler[T]) Notify(roomID string, items ...T) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	if _, ok := s.queues[roomID]; !ok {
		s.order = append(s.order, roomID)
	}
	s.queues[roomID] = append(s.queues[roomID], items...)
	pending := s.pendingLocked()
	s.mu.Unlock()

	telemetry.SchedulerPending.WithLabelValues(s.name).Set(float64(pending))
	s.logger.Debug().Str("room_id", roomID).Int("items", len(items)).Int("pending", pending).Msg("work queued")
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Forget drops all queued work of roomID.
func (s *Scheduler[T]) Forget(roomID string) {
	s.mu.Lock()
	delete(s.queues, roomID)
	if roomID == s.active {
		s.activeForgotten = true
	}
	for i, id := range s.order {
		if id == roomID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	pending := s.pendingLocked()
	s.mu.Unlock()
	telemetry.SchedulerPending.WithLabelValues(s.name).Set(float64(pending))
}

func (s *Scheduler[T]) inOrderLocked(roomID string) bool {
	for _, id := range s.order {
		if id == roomID {
			return true
		}
	}
	return false
}

// Pending counts queued items across rooms.
func (s *Scheduler[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Scheduler[T]) pendingLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Run processes work until ctx is done.
func (s *Scheduler[T]) Run(ctx context.Context) {
	s.logger.Info().Dur("delay", s.delay).Msg("scheduler started")
	for {
		ran, outcome := s.step(ctx)
		if ctx.Err() != nil {
			s.logger.Info().Msg("scheduler stopped")
			return
		}
		if !ran {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("scheduler stopped")
				return
			case <-s.wake:
			}
			continue
		}
		if outcome != Skip {
			clock.Sleep(s.clk, s.delay, ctx.Done())
		}
	}
}

// step handles the head item of the next room in turn. It reports whether
// there was any work.
func (s *Scheduler[T]) step(ctx context.Context) (bool, Outcome) {
	s.mu.Lock()
	var (
		roomID string
		item   T
		found  bool
	)
	for len(s.order) > 0 && !found {
		roomID = s.order[0]
		s.order = s.order[1:]
		q := s.queues[roomID]
		if len(q) == 0 {
			delete(s.queues, roomID)
			continue
		}
		item = q[0]
		s.queues[roomID] = q[1:]
		found = true
	}
	if found {
		s.active, s.activeForgotten = roomID, false
	}
	s.mu.Unlock()
	if !found {
		return false, Done
	}

	outcome, err := s.run(ctx, roomID, item)

	s.mu.Lock()
	forgotten := s.activeForgotten
	s.active, s.activeForgotten = "", false
	if q, ok := s.queues[roomID]; ok {
		if outcome == Continue && !forgotten {
			q = append([]T{item}, q...)
			s.queues[roomID] = q
		}
		switch {
		case len(q) == 0:
			delete(s.queues, roomID)
		case !s.inOrderLocked(roomID):
			s.order = append(s.order, roomID)
		}
	}
	pending := s.pendingLocked()
	s.mu.Unlock()

	label := outcome.String()
	if err != nil {
		label = "error"
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("work item failed")
	}
	telemetry.SchedulerSteps.WithLabelValues(s.name, label).Inc()
	telemetry.SchedulerPending.WithLabelValues(s.name).Set(float64(pending))
	return true, outcome
}

func (s *Scheduler[T]) run(ctx context.Context, roomID string, item T) (outcome Outcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "enrich", s.name, attribute.String("room_id", roomID))
	defer func() { telemetry.EndSpan(span, err) }()
	outcome, err = s.handle(ctx, roomID, item)
	if err != nil && outcome == Continue {
		// A failing item is never retried in place.
		outcome = Done
	}
	return outcome, err
}
