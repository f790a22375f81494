/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package taskqueue throttles every call into the acquisition backend: a
// bounded number of concurrent executions, a sliding-window dispatch rate,
// priority ordering and bounded retries of rate-limited calls.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/friendsincode/listenroom/internal/backend"
	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/models"
	"github.com/friendsincode/listenroom/internal/telemetry"
)

// ErrQueueClosed is returned for tasks still queued when the queue closes.
var ErrQueueClosed = errors.New("task queue closed")

// Kind is the type of backend call a task performs.
type Kind string

const (
	KindInfo   Kind = "info"
	KindStream Kind = "stream"
)

// Priorities used by callers.
const (
	PriorityBackground = 0
	PriorityPlayback   = 10
)

// Config bounds the queue.
type Config struct {
	MaxConcurrent  int
	MaxPerSecond   int
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryJitter    time.Duration
	// Window is the span MaxPerSecond is measured over.
	Window time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  2,
		MaxPerSecond:   3,
		MaxRetries:     5,
		RetryBaseDelay: 5 * time.Second,
		RetryJitter:    2 * time.Second,
		Window:         time.Second,
	}
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clk = c }
}

// WithJitter replaces the retry jitter source. fn receives the configured
// jitter span and returns a value in [0, span).
func WithJitter(fn func(span time.Duration) time.Duration) Option {
	return func(q *Queue) { q.jitter = fn }
}

type result struct {
	info *models.SourceInfo
	proc backend.Process
	err  error
}

type task struct {
	ctx      context.Context
	kind     Kind
	target   string
	req      backend.StreamRequest
	priority int
	seq      int64
	created  time.Time
	retries  int
	done     chan result
}

// Queue dispatches backend calls.
type Queue struct {
	backend backend.Backend
	cfg     Config
	clk     clock.Clock
	jitter  func(time.Duration) time.Duration
	logger  zerolog.Logger

	mu         sync.Mutex
	pending    []*task
	active     int
	dispatches []time.Time
	nextSeq    int64
	frontSeq   int64
	closed     bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a queue and starts its dispatcher.
func New(b backend.Backend, cfg Config, logger zerolog.Logger, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxPerSecond <= 0 {
		cfg.MaxPerSecond = def.MaxPerSecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	q := &Queue{
		backend: b,
		cfg:     cfg,
		clk:     clock.Real{},
		jitter:  randomJitter,
		logger:  logger.With().Str("component", "taskqueue").Logger(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	q.wg.Add(1)
	go q.run()
	return q
}

func randomJitter(span time.Duration) time.Duration {
	if span <= 0 {
		return 0
	}
	return rand.N(span)
}

// Info performs a blocking metadata lookup.
func (q *Queue) Info(ctx context.Context, target string, priority int) (*models.SourceInfo, error) {
	t, err := q.submit(ctx, &task{kind: KindInfo, target: target, priority: priority})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-t.done:
		return r.info, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stream starts a fetch and returns as soon as the process exists. The
// caller owns the process. If ctx is cancelled before the handle is handed
// over the process is killed.
func (q *Queue) Stream(ctx context.Context, req backend.StreamRequest, priority int) (backend.Process, error) {
	t, err := q.submit(ctx, &task{kind: KindStream, target: req.Target, req: req, priority: priority})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-t.done:
		return r.proc, r.err
	case <-ctx.Done():
		go func() {
			if r := <-t.done; r.proc != nil {
				_ = r.proc.Kill()
			}
		}()
		return nil, ctx.Err()
	}
}

func (q *Queue) submit(ctx context.Context, t *task) (*task, error) {
	t.ctx = ctx
	t.done = make(chan result, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.nextSeq++
	t.seq = q.nextSeq
	t.created = q.clk.Now()
	q.pending = append(q.pending, t)
	telemetry.TaskQueuePending.Inc()
	q.mu.Unlock()

	q.signal()
	return t, nil
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active returns the number of executing tasks.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Close stops dispatching and fails every queued task. It returns once
// executing tasks have completed.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		pending := q.pending
		q.pending = nil
		q.mu.Unlock()

		close(q.stop)
		for _, t := range pending {
			telemetry.TaskQueuePending.Dec()
			t.done <- result{err: ErrQueueClosed}
		}
		q.wg.Wait()
	})
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		wait := q.dispatch()

		var timer <-chan time.Time
		if wait > 0 {
			timer = q.clk.After(wait)
		}
		select {
		case <-q.wake:
		case <-timer:
		case <-q.stop:
			return
		}
	}
}

// dispatch starts every task the limits allow and returns how long to wait
// before the rate window frees a slot, or zero when nothing is blocked on it.
func (q *Queue) dispatch() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.active < q.cfg.MaxConcurrent && len(q.pending) > 0 {
		now := q.clk.Now()
		q.pruneLocked(now)

		sort.SliceStable(q.pending, func(i, j int) bool {
			a, b := q.pending[i], q.pending[j]
			if a.priority != b.priority {
				return a.priority > b.priority
			}
			return a.seq < b.seq
		})

		t := q.pending[0]
		if err := t.ctx.Err(); err != nil {
			q.pending = q.pending[1:]
			telemetry.TaskQueuePending.Dec()
			telemetry.TaskQueueTasks.WithLabelValues(string(t.kind), "cancelled").Inc()
			t.done <- result{err: err}
			continue
		}

		if len(q.dispatches) >= q.cfg.MaxPerSecond {
			return q.dispatches[0].Add(q.cfg.Window).Sub(now)
		}

		q.pending = q.pending[1:]
		q.active++
		q.dispatches = append(q.dispatches, now)
		telemetry.TaskQueuePending.Dec()
		telemetry.TaskQueueActive.Inc()
		q.wg.Add(1)
		go q.execute(t)
	}
	return 0
}

func (q *Queue) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(q.dispatches) && now.Sub(q.dispatches[cut]) >= q.cfg.Window {
		cut++
	}
	q.dispatches = q.dispatches[cut:]
}

func (q *Queue) execute(t *task) {
	defer q.wg.Done()
	ctx, span := telemetry.StartSpan(t.ctx, "taskqueue", string(t.kind),
		attribute.String("task.target", t.target),
		attribute.Int("task.priority", t.priority),
		attribute.Int("task.retries", t.retries),
	)

	var r result
	switch t.kind {
	case KindInfo:
		r.info, r.err = q.backend.Info(ctx, t.target)
	case KindStream:
		r.proc, r.err = q.backend.Stream(ctx, t.req)
		if r.err == nil && t.ctx.Err() != nil {
			_ = r.proc.Kill()
			r = result{err: t.ctx.Err()}
		}
	default:
		r.err = fmt.Errorf("unknown task kind %q", t.kind)
	}
	telemetry.EndSpan(span, r.err)

	q.mu.Lock()
	q.active--
	q.mu.Unlock()
	telemetry.TaskQueueActive.Dec()
	q.signal()

	if r.err != nil && q.shouldRetry(t, r.err) {
		t.retries++
		telemetry.TaskQueueRetries.WithLabelValues(string(t.kind)).Inc()
		delay := q.cfg.RetryBaseDelay + q.jitter(q.cfg.RetryJitter)
		q.logger.Warn().
			Str("target", t.target).
			Int("attempt", t.retries).
			Dur("delay", delay).
			Msg("rate limited, retrying")
		q.mu.Lock()
		closed := q.closed
		if !closed {
			q.wg.Add(1)
		}
		q.mu.Unlock()
		if closed {
			t.done <- result{err: ErrQueueClosed}
			return
		}
		go q.requeueAfter(t, delay)
		return
	}

	outcome := "ok"
	if r.err != nil {
		outcome = "error"
		q.logger.Debug().Err(r.err).Str("kind", string(t.kind)).Str("target", t.target).Msg("task failed")
	}
	telemetry.TaskQueueTasks.WithLabelValues(string(t.kind), outcome).Inc()
	t.done <- r
}

func (q *Queue) shouldRetry(t *task, err error) bool {
	if t.retries >= q.cfg.MaxRetries || t.ctx.Err() != nil {
		return false
	}
	return errors.Is(err, backend.ErrRateLimited) || backend.HasRateLimitMarker(err.Error())
}

// requeueAfter puts a rate-limited task back at the front of its priority
// band once delay has passed.
func (q *Queue) requeueAfter(t *task, delay time.Duration) {
	defer q.wg.Done()
	if !clock.Sleep(q.clk, delay, q.stop) {
		t.done <- result{err: ErrQueueClosed}
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		t.done <- result{err: ErrQueueClosed}
		return
	}
	q.frontSeq--
	t.seq = q.frontSeq
	q.pending = append(q.pending, t)
	telemetry.TaskQueuePending.Inc()
	q.mu.Unlock()
	q.signal()
}
