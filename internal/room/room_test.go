/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package room

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/backend"
	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/media"
	"github.com/friendsincode/listenroom/internal/models"
	"github.com/friendsincode/listenroom/internal/playout"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func track(id, by string, addedAt int64, dur float64) *models.Track {
	return &models.Track{ID: id, URL: "https://youtu.be/" + id, Title: id, AddedBy: by, AddedAt: addedAt, DurationSec: dur, Duration: models.FormatDuration(dur)}
}

func ids(tracks []*models.Track) []string {
	out := make([]string, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t.ID)
	}
	return out
}

func sameIDs(t *testing.T, got []*models.Track, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("got %v want %v", g, want)
	}
	for i := range g {
		if g[i] != want[i] {
			t.Fatalf("got %v want %v", g, want)
		}
	}
}

// recordingClient keeps every state it is sent.
type recordingClient struct {
	mu     sync.Mutex
	states []*models.RoomState
}

func (c *recordingClient) SendState(st *models.RoomState) {
	c.mu.Lock()
	c.states = append(c.states, st)
	c.mu.Unlock()
}

func (c *recordingClient) snapshot() []*models.RoomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.RoomState(nil), c.states...)
}

func TestElapsedExcludesPausedInterval(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := newRoom("r", Deps{Clock: clk, Logger: zerolog.Nop()})
	r.queue = []*models.Track{track("a", "x", 1, 200)}
	r.playNext(true)

	// Latch the first frame the way onTick does.
	r.started = true
	r.startTime = clk.Now()

	clk.Advance(3 * time.Second)
	r.pause(clk.Now())
	clk.Advance(2 * time.Second)
	if got := r.elapsed(clk.Now()); got != 3*time.Second {
		t.Fatalf("elapsed while paused = %v, want 3s", got)
	}
	r.resume(clk.Now())
	if got := r.elapsed(clk.Now()); got != 3*time.Second {
		t.Fatalf("elapsed after resume = %v, want 3s", got)
	}

	clk.Advance(time.Second)
	st := r.snapshot(clk.Now())
	if st.StartedAt == nil {
		t.Fatal("expected startedAt")
	}
	clientElapsed := st.ServerTime - (*st.StartedAt + st.TotalPausedDuration)
	if clientElapsed < 3990 || clientElapsed > 4010 {
		t.Fatalf("client elapsed = %dms, want 4000±10", clientElapsed)
	}
}

func TestPauseResumeRequirePlayingState(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := newRoom("r", Deps{Clock: clk, Logger: zerolog.Nop()})

	r.pause(clk.Now())
	if r.paused {
		t.Fatal("pause should be ignored while idle")
	}

	r.queue = []*models.Track{track("a", "x", 1, 200)}
	r.playNext(true)
	r.resume(clk.Now())
	if r.totalPaused != 0 || r.paused {
		t.Fatal("resume should be ignored while not paused")
	}
}

func TestElapsedZeroBeforeFirstFrame(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := newRoom("r", Deps{Clock: clk, Logger: zerolog.Nop()})
	r.queue = []*models.Track{track("a", "x", 1, 200)}
	r.playNext(true)
	clk.Advance(30 * time.Second)
	if got := r.elapsed(clk.Now()); got != 0 {
		t.Fatalf("elapsed = %v before first frame", got)
	}
	if st := r.snapshot(clk.Now()); st.StartedAt != nil {
		t.Fatal("startedAt should be null before the first frame")
	}
}

func TestPreviousRules(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := newRoom("r", Deps{Clock: clk, Logger: zerolog.Nop()})
	r.queue = []*models.Track{track("a", "x", 1, 200), track("b", "x", 2, 200), track("c", "x", 3, 200)}

	r.playNext(true) // a
	r.playNext(true) // b, history [a]
	sameIDs(t, r.history, "a")

	// Early in the track: step back to a, b queued right after.
	r.started, r.startTime = true, clk.Now()
	clk.Advance(5 * time.Second)
	r.previous(clk.Now())
	if r.current.ID != "a" {
		t.Fatalf("current = %s, want a", r.current.ID)
	}
	sameIDs(t, r.queue, "b", "c")
	if len(r.history) != 0 {
		t.Fatalf("restart should not push history, got %v", ids(r.history))
	}

	// History empty: restart current.
	r.previous(clk.Now())
	if r.current.ID != "a" {
		t.Fatalf("current = %s, want a", r.current.ID)
	}
	sameIDs(t, r.queue, "b", "c")

	// Late in the track: restart current even with history present.
	r.playNext(true) // b, history [a]
	r.started, r.startTime = true, clk.Now()
	clk.Advance(20 * time.Second)
	r.previous(clk.Now())
	if r.current.ID != "b" {
		t.Fatalf("current = %s, want b", r.current.ID)
	}
	sameIDs(t, r.history, "a")
	sameIDs(t, r.queue, "c")
}

func TestPreviousResurrectsWhenIdle(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := newRoom("r", Deps{Clock: clk, Logger: zerolog.Nop()})
	r.queue = []*models.Track{track("a", "x", 1, 200)}
	r.playNext(true)
	r.playNext(true) // queue empty, idle, history [a]
	if r.playing || r.current != nil {
		t.Fatal("expected idle room")
	}
	r.previous(clk.Now())
	if !r.playing || r.current.ID != "a" {
		t.Fatalf("expected a to be resurrected, got %+v", r.current)
	}
	if len(r.history) != 0 {
		t.Fatal("resurrected entry should leave history")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := newRoom("r", Deps{Clock: clk, Logger: zerolog.Nop()})
	for i := 0; i < HistoryCap+10; i++ {
		r.queue = append(r.queue, track(string(rune('A'+i%26))+string(rune('0'+i/26)), "x", int64(i), 60))
	}
	for i := 0; i < HistoryCap+10; i++ {
		r.playNext(true)
	}
	if len(r.history) != HistoryCap {
		t.Fatalf("history len = %d, want %d", len(r.history), HistoryCap)
	}
}

func TestRoundRobinInterleavesContributors(t *testing.T) {
	queue := []*models.Track{
		track("a1", "A", 1, 60),
		track("a2", "A", 2, 60),
		track("b1", "B", 3, 60),
		track("a3", "A", 4, 60),
	}
	got := reorder(queue, models.QueueRoundRobin)
	sameIDs(t, got, "a1", "b1", "a2", "a3")

	classic := reorder(got, models.QueueClassic)
	sameIDs(t, classic, "a1", "a2", "b1", "a3")
}

func TestShuffleKeepsEveryTrack(t *testing.T) {
	queue := []*models.Track{track("a", "A", 1, 60), track("b", "B", 2, 60), track("c", "C", 3, 60)}
	got := reorder(queue, models.QueueShuffle)
	seen := map[string]bool{}
	for _, tr := range got {
		seen[tr.ID] = true
	}
	if len(got) != 3 || len(seen) != 3 {
		t.Fatalf("shuffle lost tracks: %v", ids(got))
	}
}

func TestSetQueueModeIgnoresUnknown(t *testing.T) {
	r := New("r", Deps{Clock: clock.NewFake(epoch), Logger: zerolog.Nop()})
	defer r.Close()
	r.SetQueueMode("random")
	r.SetQueueMode("roundrobin")
	if st := r.State(); st.QueueMode != models.QueueRoundRobin {
		t.Fatalf("mode = %s", st.QueueMode)
	}
}

// Fakes for the media pipeline.

type procCounter struct{ live atomic.Int32 }

type fakeProc struct {
	counter *procCounter
	stdout  io.Reader
	writer  *io.PipeWriter
	done    chan struct{}
	once    sync.Once
}

func (c *procCounter) spawn(withStdout bool) *fakeProc {
	p := &fakeProc{counter: c, done: make(chan struct{})}
	if withStdout {
		r, w := io.Pipe()
		p.stdout, p.writer = r, w
	}
	c.live.Add(1)
	return p
}

func (p *fakeProc) exit() {
	p.once.Do(func() {
		if p.writer != nil {
			p.writer.Close()
		}
		p.counter.live.Add(-1)
		close(p.done)
	})
}

func (p *fakeProc) Stdout() io.Reader     { return p.stdout }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Err() error            { return nil }
func (p *fakeProc) Kill() error           { p.exit(); return nil }

type fakeFetcher struct{ counter *procCounter }

func (f *fakeFetcher) Stream(context.Context, backend.StreamRequest, int) (backend.Process, error) {
	return f.counter.spawn(false), nil
}

type fakeDecoder struct {
	counter *procCounter
	mu      sync.Mutex
	procs   []*fakeProc
}

func (d *fakeDecoder) Start(context.Context, *os.File) (backend.Process, error) {
	p := d.counter.spawn(true)
	d.mu.Lock()
	d.procs = append(d.procs, p)
	d.mu.Unlock()
	return p, nil
}

func (d *fakeDecoder) waitFor(t *testing.T, n int) *fakeProc {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.procs) >= n {
			p := d.procs[n-1]
			d.mu.Unlock()
			return p
		}
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("decoder %d never started", n)
	return nil
}

type fakeResolver struct {
	info *models.SourceInfo
}

func (f fakeResolver) Info(context.Context, string, int) (*models.SourceInfo, error) {
	return f.info, nil
}

func newPipelineRoom(t *testing.T, clk clock.Clock, resolver Resolver) (*Room, *procCounter, *fakeDecoder) {
	t.Helper()
	counter := &procCounter{}
	decoder := &fakeDecoder{counter: counter}
	pipe := media.New("r", &fakeFetcher{counter: counter}, decoder, media.Config{TempRoot: t.TempDir()}, zerolog.Nop())
	r := New("r", Deps{Clock: clk, Resolver: resolver, Pipeline: pipe, Logger: zerolog.Nop()})
	t.Cleanup(r.Close)
	return r, counter, decoder
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRapidSkipsLeaveOnePairAndLastTrack(t *testing.T) {
	r, counter, _ := newPipelineRoom(t, clock.NewFake(epoch), nil)

	const n = 8
	var tracks []*models.Track
	for i := 0; i < n+2; i++ {
		tracks = append(tracks, track(string(rune('a'+i)), "x", int64(i), 120))
	}
	r.Enqueue(tracks, EnqueueOptions{})
	for i := 0; i < n; i++ {
		r.Skip()
	}

	want := tracks[n].ID
	eventually(t, "final track and single pair", func() bool {
		st := r.State()
		return st.CurrentTrack != nil && st.CurrentTrack.ID == want && counter.live.Load() == 2
	})

	// Nothing superseded may come back to life.
	time.Sleep(20 * time.Millisecond)
	if live := counter.live.Load(); live != 2 {
		t.Fatalf("live processes = %d, want 2", live)
	}
	if st := r.State(); st.CurrentTrack.ID != want {
		t.Fatalf("current = %s, want %s", st.CurrentTrack.ID, want)
	}
}

func TestCloseKillsPipeline(t *testing.T) {
	r, counter, _ := newPipelineRoom(t, clock.NewFake(epoch), nil)
	r.Enqueue([]*models.Track{track("a", "x", 1, 120)}, EnqueueOptions{})
	eventually(t, "pipeline start", func() bool { return counter.live.Load() == 2 })
	r.Close()
	eventually(t, "pipeline kill", func() bool { return counter.live.Load() == 0 })
}

func TestDurationBroadcastBeforeFirstFrame(t *testing.T) {
	clk := clock.NewFake(epoch)
	resolver := fakeResolver{info: &models.SourceInfo{WebpageURL: "https://youtu.be/resolved", Duration: 93}}
	r, _, decoder := newPipelineRoom(t, clk, resolver)

	client := &recordingClient{}
	r.Join("c1", client, models.ClientInfo{UserID: "u1", UserName: "Sam"})

	pending := &models.Track{ID: "s", URL: models.SearchPrefix + "some song", Title: "some song", IsSearch: true, Duration: models.UnknownDuration, AddedBy: "Sam"}
	r.Enqueue([]*models.Track{pending}, EnqueueOptions{})

	dec := decoder.waitFor(t, 1)
	go dec.writer.Write(make([]byte, 4*playout.FrameBytes))

	eventually(t, "first frame", func() bool {
		clk.Advance(playout.TickInterval)
		for _, st := range client.snapshot() {
			if st.StartedAt != nil {
				return true
			}
		}
		return false
	})

	firstDuration, firstStart := -1, -1
	for i, st := range client.snapshot() {
		if firstDuration < 0 && st.CurrentTrack != nil && st.CurrentTrack.DurationSec == 93 {
			firstDuration = i
		}
		if firstStart < 0 && st.StartedAt != nil {
			firstStart = i
		}
	}
	if firstDuration < 0 || firstDuration >= firstStart {
		t.Fatalf("duration broadcast at %d, first frame at %d", firstDuration, firstStart)
	}
	if got := client.snapshot()[firstStart].CurrentTrack.URL; got != "https://youtu.be/resolved" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestJoinGeneratesName(t *testing.T) {
	r := New("r", Deps{Clock: clock.NewFake(epoch), Logger: zerolog.Nop()})
	defer r.Close()
	info, ok := r.Join("c1", &recordingClient{}, models.ClientInfo{UserID: "u1"})
	if !ok || info.UserName == "" {
		t.Fatal("expected generated name")
	}
	if st := r.State(); len(st.Clients) != 1 || st.Clients[0].UserName != info.UserName {
		t.Fatalf("unexpected clients %+v", st.Clients)
	}
}

type recordingForgetter struct {
	mu  sync.Mutex
	ids []string
}

func (f *recordingForgetter) Forget(id string) {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
}

func TestSweepEvictsEmptyRooms(t *testing.T) {
	clk := clock.NewFake(epoch)
	forget := &recordingForgetter{}
	m := NewManager(ManagerConfig{Clock: clk, EmptyTTL: 5 * time.Minute, Forget: []Forgetter{forget}}, zerolog.Nop())
	defer m.Close()

	m.GetOrCreate("empty")
	busy := m.GetOrCreate("busy")
	busy.Join("c1", &recordingClient{}, models.ClientInfo{UserName: "Sam"})

	clk.Advance(4 * time.Minute)
	if got := m.Sweep(clk.Now()); len(got) != 0 {
		t.Fatalf("evicted too early: %v", got)
	}

	clk.Advance(time.Minute)
	got := m.Sweep(clk.Now())
	if len(got) != 1 || got[0] != "empty" {
		t.Fatalf("evicted %v, want [empty]", got)
	}
	if _, ok := m.Get("empty"); ok {
		t.Fatal("evicted room still registered")
	}
	if len(forget.ids) != 1 || forget.ids[0] != "empty" {
		t.Fatalf("forget calls %v", forget.ids)
	}

	// Leaving starts the emptiness clock.
	busy.Leave("c1")
	eventually(t, "room empty", func() bool { _, empty := busy.EmptySince(); return empty })
	clk.Advance(5 * time.Minute)
	if got := m.Sweep(clk.Now()); len(got) != 1 || got[0] != "busy" {
		t.Fatalf("evicted %v, want [busy]", got)
	}
}

func TestJoinDuringEvictionGetsFreshRoom(t *testing.T) {
	clk := clock.NewFake(epoch)
	m := NewManager(ManagerConfig{Clock: clk, EmptyTTL: time.Minute}, zerolog.Nop())
	defer m.Close()

	old := m.GetOrCreate("r")
	clk.Advance(time.Minute)
	if got := m.Sweep(clk.Now()); len(got) != 1 {
		t.Fatalf("evicted %v", got)
	}
	if _, ok := old.Join("c1", &recordingClient{}, models.ClientInfo{UserName: "Sam"}); ok {
		t.Fatal("join on an evicted room should fail")
	}

	fresh, info := m.Join("r", "c1", &recordingClient{}, models.ClientInfo{UserName: "Sam"})
	if fresh == old || info.UserName != "Sam" {
		t.Fatalf("expected a fresh room, got old=%v", fresh == old)
	}
	if st := fresh.State(); len(st.Clients) != 1 {
		t.Fatalf("clients %+v", st.Clients)
	}
}

func TestRetiredRoomRejectsJoin(t *testing.T) {
	clk := clock.NewFake(epoch)
	m := NewManager(ManagerConfig{Clock: clk, EmptyTTL: time.Minute}, zerolog.Nop())
	defer m.Close()

	r := m.GetOrCreate("r")
	if _, retired := r.retireIfEmpty(clk.Now(), time.Minute); retired {
		t.Fatal("retired before the TTL")
	}
	clk.Advance(time.Minute)
	if _, retired := r.retireIfEmpty(clk.Now(), time.Minute); !retired {
		t.Fatal("expected retire after the TTL")
	}
	if _, ok := r.Join("c1", &recordingClient{}, models.ClientInfo{}); ok {
		t.Fatal("retired room accepted a join")
	}
	fresh, _ := m.Join("r", "c1", &recordingClient{}, models.ClientInfo{})
	if fresh == r {
		t.Fatal("manager handed out the retired room")
	}
	r.Close()
}

func TestStoreOnlyTouchesExistingRooms(t *testing.T) {
	m := NewManager(ManagerConfig{Clock: clock.NewFake(epoch)}, zerolog.Nop())
	defer m.Close()
	if m.AppendTracks("missing", []*models.Track{track("a", "x", 1, 60)}) {
		t.Fatal("append to missing room should fail")
	}
	if _, ok := m.Get("missing"); ok {
		t.Fatal("store must not create rooms")
	}
	m.GetOrCreate("r")
	r, _ := m.Get("r")
	r.Enqueue([]*models.Track{track("a", "x", 1, 60), track("b", "x", 2, 60)}, EnqueueOptions{})

	if _, ok := m.QueuedTrack("r", "a"); ok {
		t.Fatal("a is playing, not queued")
	}
	if _, ok := m.QueuedTrack("r", "b"); !ok {
		t.Fatal("b should be queued")
	}
	if !m.UpdateTrack("r", "a", func(tr *models.Track) { tr.Artist = "Someone" }) {
		t.Fatal("update of current track failed")
	}
	tr, ok := m.Track("r", "a")
	if !ok || tr.Artist != "Someone" {
		t.Fatalf("update not applied: %+v", tr)
	}
}

type blockRecorder struct {
	mu     sync.Mutex
	blocks int
	bytes  int
}

func (b *blockRecorder) SendBlock(block []byte) error {
	b.mu.Lock()
	b.blocks++
	b.bytes += len(block)
	b.mu.Unlock()
	return nil
}

func (b *blockRecorder) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocks, b.bytes
}

type frameCounter struct{ frames atomic.Int32 }

func (f *frameCounter) WriteFrame([]byte) error { f.frames.Add(1); return nil }
func (f *frameCounter) Close() error            { return nil }

func currentID(r *Room) string {
	if st := r.State(); st.CurrentTrack != nil {
		return st.CurrentTrack.ID
	}
	return ""
}

func TestNaturalDrainFlushesPartialBlockThenCoolsDown(t *testing.T) {
	clk := clock.NewFake(epoch)
	r, _, decoder := newPipelineRoom(t, clk, nil)
	blocks := &blockRecorder{}
	r.Join("c1", &recordingClient{}, models.ClientInfo{UserName: "Sam"})
	if !r.SubscribeBlocks("c1", blocks) {
		t.Fatal("subscribe failed")
	}
	r.Enqueue([]*models.Track{track("a", "x", 1, 120), track("b", "x", 2, 120)}, EnqueueOptions{})

	dec := decoder.waitFor(t, 1)
	go func() {
		dec.writer.Write(make([]byte, 3*playout.FrameBytes))
		dec.exit()
	}()

	eventually(t, "partial block flushed", func() bool {
		if _, n := blocks.counts(); n == 3*playout.FrameBytes {
			return true
		}
		clk.Advance(playout.TickInterval)
		return false
	})
	if n, _ := blocks.counts(); n != 2 {
		t.Fatalf("blocks = %d, want one full and one partial", n)
	}

	// The track played well under ShortTrack, so the next one waits.
	if !clk.WaitForTimers(1, time.Second) {
		t.Fatal("no cooldown armed")
	}
	clk.Advance(ShortCooldown - 50*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if id := currentID(r); id != "a" {
		t.Fatalf("advanced to %q before the cooldown", id)
	}
	clk.Advance(50 * time.Millisecond)
	eventually(t, "advance to b", func() bool { return currentID(r) == "b" })
}

type failingPipeline struct {
	mu      sync.Mutex
	targets []string
	fail    map[string]bool
}

func (p *failingPipeline) Start(ctx context.Context, target string) (*media.Session, error) {
	p.mu.Lock()
	p.targets = append(p.targets, target)
	p.mu.Unlock()
	if p.fail[target] {
		return nil, errors.New("decoder missing")
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *failingPipeline) Kill() {}

func (p *failingPipeline) started() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.targets...)
}

func TestPipelineStartFailureMovesOn(t *testing.T) {
	clk := clock.NewFake(epoch)
	pipe := &failingPipeline{fail: map[string]bool{"https://youtu.be/a": true}}
	r := New("r", Deps{Clock: clk, Pipeline: pipe, Logger: zerolog.Nop()})
	defer r.Close()

	r.Enqueue([]*models.Track{track("a", "x", 1, 120), track("b", "x", 2, 120)}, EnqueueOptions{})
	if !clk.WaitForTimers(1, time.Second) {
		t.Fatal("failed start did not schedule the next track")
	}
	clk.Advance(ShortCooldown)
	eventually(t, "advance to b", func() bool {
		got := pipe.started()
		return currentID(r) == "b" && len(got) == 2 && got[1] == "https://youtu.be/b"
	})
}

func TestResumeDoesNotBurstFrames(t *testing.T) {
	clk := clock.NewFake(epoch)
	r, _, decoder := newPipelineRoom(t, clk, nil)
	sink := &frameCounter{}
	r.Join("c1", &recordingClient{}, models.ClientInfo{UserName: "Sam"})
	if !r.AttachRTC("c1", sink) {
		t.Fatal("attach failed")
	}
	r.Enqueue([]*models.Track{track("a", "x", 1, 120)}, EnqueueOptions{})

	dec := decoder.waitFor(t, 1)
	go dec.writer.Write(make([]byte, 200*playout.FrameBytes))
	eventually(t, "frames flowing", func() bool {
		clk.Advance(playout.TickInterval)
		return sink.frames.Load() >= 4
	})

	r.Pause()
	if st := r.State(); !st.IsPaused {
		t.Fatal("room not paused")
	}
	clk.Advance(500 * time.Millisecond)
	r.Resume()
	if st := r.State(); st.IsPaused {
		t.Fatal("room not resumed")
	}

	before := sink.frames.Load()
	for i := 0; i < 10; i++ {
		clk.Advance(playout.TickInterval)
		time.Sleep(3 * time.Millisecond)
	}
	// 100 ms of real-time playback is five or six 20 ms frames.
	got := sink.frames.Load() - before
	if got < 1 || got > 7 {
		t.Fatalf("frames after resume = %d, want real-time pace", got)
	}
}

func TestRemoveTrackIgnoresCurrent(t *testing.T) {
	r, counter, decoder := newPipelineRoom(t, clock.NewFake(epoch), nil)
	r.Enqueue([]*models.Track{track("a", "x", 1, 120), track("b", "x", 2, 120)}, EnqueueOptions{})
	eventually(t, "pipeline start", func() bool { return counter.live.Load() == 2 })

	r.RemoveTrack("a")
	st := r.State()
	if st.CurrentTrack == nil || st.CurrentTrack.ID != "a" || !st.IsPlaying {
		t.Fatalf("current track disturbed: %+v", st.CurrentTrack)
	}
	if len(st.Queue) != 1 || st.Queue[0].ID != "b" {
		t.Fatalf("queue = %+v", st.Queue)
	}
	time.Sleep(20 * time.Millisecond)
	decoder.mu.Lock()
	starts := len(decoder.procs)
	decoder.mu.Unlock()
	if starts != 1 || counter.live.Load() != 2 {
		t.Fatalf("pipeline restarted: starts=%d live=%d", starts, counter.live.Load())
	}
}

func TestStatsCountListenersAndBackpressure(t *testing.T) {
	clk := clock.NewFake(epoch)
	r, _, decoder := newPipelineRoom(t, clk, nil)
	r.Join("c1", &recordingClient{}, models.ClientInfo{UserName: "Sam"})
	r.Join("c2", &recordingClient{}, models.ClientInfo{UserName: "Kai"})
	if !r.AttachRTC("c1", &frameCounter{}) || !r.SubscribeBlocks("c2", &blockRecorder{}) {
		t.Fatal("attach failed")
	}

	st := r.Stats()
	if st.Clients != 2 || st.RTCListeners != 1 || st.StreamListeners != 1 || st.Backpressured {
		t.Fatalf("stats %+v", st)
	}

	// No ticks run, so the decoder fills the buffer and stalls.
	r.Enqueue([]*models.Track{track("a", "x", 1, 120)}, EnqueueOptions{})
	dec := decoder.waitFor(t, 1)
	go dec.writer.Write(make([]byte, 3*media.DefaultHighWater))
	eventually(t, "backpressure", func() bool { return r.Stats().Backpressured })
}

func TestManagerTotalsSumRooms(t *testing.T) {
	m := NewManager(ManagerConfig{Clock: clock.NewFake(epoch), EmptyTTL: time.Minute}, zerolog.Nop())
	defer m.Close()

	a, _ := m.Join("a", "c1", &recordingClient{}, models.ClientInfo{})
	m.Join("a", "c2", &recordingClient{}, models.ClientInfo{})
	m.Join("b", "c3", &recordingClient{}, models.ClientInfo{})
	a.SubscribeBlocks("c1", &blockRecorder{})

	got := m.Totals()
	want := Totals{Rooms: 2, Clients: 3, StreamListeners: 1}
	if got != want {
		t.Fatalf("totals %+v, want %+v", got, want)
	}
}
