/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package taskqueue

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/backend"
	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/models"
)

type call struct {
	target string
	at     time.Time
}

type fakeBackend struct {
	clk *clock.Fake

	mu    sync.Mutex
	calls []call
	info  func(target string, attempt int) (*models.SourceInfo, error)
	gate  map[string]chan struct{}
	proc  *fakeProcess
}

func newFakeBackend(clk *clock.Fake) *fakeBackend {
	return &fakeBackend{clk: clk, gate: map[string]chan struct{}{}}
}

func (f *fakeBackend) record(target string) (int, chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt := 0
	for _, c := range f.calls {
		if c.target == target {
			attempt++
		}
	}
	f.calls = append(f.calls, call{target: target, at: f.clk.Now()})
	return attempt, f.gate[target]
}

func (f *fakeBackend) Info(_ context.Context, target string) (*models.SourceInfo, error) {
	attempt, gate := f.record(target)
	if gate != nil {
		<-gate
	}
	if f.info != nil {
		return f.info(target, attempt)
	}
	return &models.SourceInfo{ID: target}, nil
}

func (f *fakeBackend) Stream(_ context.Context, req backend.StreamRequest) (backend.Process, error) {
	_, gate := f.record(req.Target)
	if gate != nil {
		<-gate
	}
	return f.proc, nil
}

func (f *fakeBackend) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeBackend) waitCalls(t *testing.T, n int) []call {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := f.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d backend calls, got %d", n, len(f.snapshot()))
	return nil
}

type fakeProcess struct {
	kills atomic.Int32
	done  chan struct{}
}

func (p *fakeProcess) Stdout() io.Reader     { return nil }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }
func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	return nil
}

func newTestQueue(t *testing.T, b backend.Backend, clk *clock.Fake, cfg Config, opts ...Option) *Queue {
	t.Helper()
	opts = append([]Option{WithClock(clk)}, opts...)
	q := New(b, cfg, zerolog.Nop(), opts...)
	t.Cleanup(q.Close)
	return q
}

func waitResult(t *testing.T, tk *task) result {
	t.Helper()
	select {
	case r := <-tk.done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for task %s", tk.target)
		return result{}
	}
}

func TestDispatchRateStaysInSlidingWindow(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	fb := newFakeBackend(clk)
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 10
	q := newTestQueue(t, fb, clk, cfg)

	var tasks []*task
	for _, target := range []string{"a", "b", "c", "d", "e"} {
		tk, err := q.submit(context.Background(), &task{kind: KindInfo, target: target})
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, tk)
	}

	fb.waitCalls(t, 3)
	if !clk.WaitForTimers(1, 2*time.Second) {
		t.Fatal("dispatcher did not arm a rate timer")
	}
	if n := len(fb.snapshot()); n != 3 {
		t.Fatalf("expected 3 dispatches inside the first window, got %d", n)
	}
	if d, _ := clk.NextDeadline(); !d.Equal(time.Unix(1, 0)) {
		t.Fatalf("expected the slot to free at the window edge, got %v", d)
	}

	clk.Advance(time.Second)
	calls := fb.waitCalls(t, 5)

	for i := 0; i+3 < len(calls); i++ {
		if gap := calls[i+3].at.Sub(calls[i].at); gap < time.Second {
			t.Fatalf("dispatches %d and %d are only %v apart", i, i+3, gap)
		}
	}
	for _, tk := range tasks {
		if r := waitResult(t, tk); r.err != nil {
			t.Fatalf("task %s failed: %v", tk.target, r.err)
		}
	}
}

func TestRateLimitedTaskRetriesAfterBackoff(t *testing.T) {
	start := time.Unix(0, 0)
	clk := clock.NewFake(start)
	fb := newFakeBackend(clk)
	fb.info = func(target string, attempt int) (*models.SourceInfo, error) {
		if attempt == 0 {
			return nil, errors.New("yt-dlp exited: ERROR: HTTP Error 429: Too Many Requests")
		}
		return &models.SourceInfo{ID: target}, nil
	}
	q := newTestQueue(t, fb, clk, DefaultConfig())

	tk, err := q.submit(context.Background(), &task{kind: KindInfo, target: "x"})
	if err != nil {
		t.Fatal(err)
	}

	fb.waitCalls(t, 1)
	if !clk.WaitForTimers(1, 2*time.Second) {
		t.Fatal("retry was not scheduled")
	}
	deadline, ok := clk.NextDeadline()
	if !ok {
		t.Fatal("no retry deadline")
	}
	if delay := deadline.Sub(start); delay < 5*time.Second || delay >= 7*time.Second {
		t.Fatalf("retry delay %v outside [5s, 7s)", delay)
	}

	clk.Advance(7 * time.Second)
	calls := fb.waitCalls(t, 2)
	if calls[1].at.Before(deadline) {
		t.Fatalf("retry dispatched at %v, before its deadline %v", calls[1].at, deadline)
	}
	r := waitResult(t, tk)
	if r.err != nil || r.info == nil || r.info.ID != "x" {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestRandomJitterBounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if j := randomJitter(2 * time.Second); j < 0 || j >= 2*time.Second {
			t.Fatalf("jitter %v out of range", j)
		}
	}
	if randomJitter(0) != 0 {
		t.Fatal("zero span should give zero jitter")
	}
}

func TestPriorityThenFIFO(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	fb := newFakeBackend(clk)
	gate := make(chan struct{})
	fb.gate["blocker"] = gate

	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	cfg.MaxPerSecond = 100
	q := newTestQueue(t, fb, clk, cfg)

	blocker, _ := q.submit(context.Background(), &task{kind: KindInfo, target: "blocker"})
	fb.waitCalls(t, 1)

	lowA, _ := q.submit(context.Background(), &task{kind: KindInfo, target: "low-a"})
	lowB, _ := q.submit(context.Background(), &task{kind: KindInfo, target: "low-b"})
	high, _ := q.submit(context.Background(), &task{kind: KindInfo, target: "high", priority: PriorityPlayback})
	if q.Len() != 3 {
		t.Fatalf("expected 3 queued tasks, got %d", q.Len())
	}

	close(gate)
	calls := fb.waitCalls(t, 4)
	want := []string{"blocker", "high", "low-a", "low-b"}
	for i, c := range calls {
		if c.target != want[i] {
			t.Fatalf("dispatch order %v, want %v", calls, want)
		}
	}
	for _, tk := range []*task{blocker, lowA, lowB, high} {
		waitResult(t, tk)
	}
}

func TestNonRateLimitErrorFailsImmediately(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	fb := newFakeBackend(clk)
	fb.info = func(string, int) (*models.SourceInfo, error) {
		return nil, errors.New("ERROR: Video unavailable")
	}
	q := newTestQueue(t, fb, clk, DefaultConfig())

	_, err := q.Info(context.Background(), "gone", PriorityBackground)
	if err == nil {
		t.Fatal("expected error")
	}
	if n := len(fb.snapshot()); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

func TestRetriesExhausted(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	fb := newFakeBackend(clk)
	fb.info = func(string, int) (*models.SourceInfo, error) {
		return nil, backend.ErrRateLimited
	}
	q := newTestQueue(t, fb, clk, DefaultConfig(), WithJitter(func(time.Duration) time.Duration { return 0 }))

	tk, _ := q.submit(context.Background(), &task{kind: KindInfo, target: "busy"})
	for attempt := 1; attempt <= 5; attempt++ {
		fb.waitCalls(t, attempt)
		if !clk.WaitForTimers(1, 2*time.Second) {
			t.Fatalf("retry %d not scheduled", attempt)
		}
		clk.Advance(5 * time.Second)
	}

	r := waitResult(t, tk)
	if !errors.Is(r.err, backend.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", r.err)
	}
	if n := len(fb.snapshot()); n != 6 {
		t.Fatalf("expected 6 attempts, got %d", n)
	}
}

func TestCancelledTaskDoesNotConsumeSlot(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	fb := newFakeBackend(clk)
	cfg := DefaultConfig()
	cfg.MaxPerSecond = 1
	q := newTestQueue(t, fb, clk, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dropped, _ := q.submit(ctx, &task{kind: KindInfo, target: "dropped"})
	live, _ := q.submit(context.Background(), &task{kind: KindInfo, target: "live"})

	if r := waitResult(t, dropped); !errors.Is(r.err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", r.err)
	}
	if r := waitResult(t, live); r.err != nil {
		t.Fatalf("live task failed: %v", r.err)
	}
	calls := fb.snapshot()
	if len(calls) != 1 || calls[0].target != "live" {
		t.Fatalf("unexpected backend calls %v", calls)
	}
}

func TestStreamKilledWhenCallerGone(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	fb := newFakeBackend(clk)
	gate := make(chan struct{})
	fb.gate["song"] = gate
	fb.proc = &fakeProcess{done: make(chan struct{})}
	q := newTestQueue(t, fb, clk, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Stream(ctx, backend.StreamRequest{Target: "song"}, PriorityPlayback)
		errc <- err
	}()

	fb.waitCalls(t, 1)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	close(gate)

	deadline := time.Now().Add(2 * time.Second)
	for fb.proc.kills.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fb.proc.kills.Load() == 0 {
		t.Fatal("orphaned stream process was not killed")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	q := New(newFakeBackend(clk), DefaultConfig(), zerolog.Nop(), WithClock(clk))
	q.Close()
	if _, err := q.Info(context.Background(), "x", 0); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestCloseWaitsForExecutingTask(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	fb := newFakeBackend(clk)
	gate := make(chan struct{})
	fb.gate["slow"] = gate
	q := New(fb, DefaultConfig(), zerolog.Nop(), WithClock(clk))

	tk, err := q.submit(context.Background(), &task{kind: KindInfo, target: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	fb.waitCalls(t, 1)

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a task was executing")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never returned")
	}
	if r := waitResult(t, tk); r.err != nil || r.info.ID != "slow" {
		t.Fatalf("executing task result = %+v", r)
	}
}
