/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package room runs the per-room playback engine. Every room is an actor: a
// single goroutine owns the queue, the playback clock, the sinks and the
// media session, and all mutation arrives as closures on its command channel.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/events"
	"github.com/friendsincode/listenroom/internal/media"
	"github.com/friendsincode/listenroom/internal/models"
	"github.com/friendsincode/listenroom/internal/playout"
	"github.com/friendsincode/listenroom/internal/taskqueue"
	"github.com/friendsincode/listenroom/internal/telemetry"
)

// Playback constants.
const (
	HistoryCap       = 50
	RestartThreshold = 15 * time.Second
	ShortTrack       = 2 * time.Second
	ShortCooldown    = time.Second
)

// Resolver performs blocking info lookups. *taskqueue.Queue implements it.
type Resolver interface {
	Info(ctx context.Context, target string, priority int) (*models.SourceInfo, error)
}

// Pipeline owns the room's fetch/transcode pair. *media.Pipeline implements it.
type Pipeline interface {
	Start(ctx context.Context, target string) (*media.Session, error)
	Kill()
}

// TrackNotifier is told about tracks that need background work.
type TrackNotifier interface {
	Notify(roomID string, trackIDs ...string)
}

// Client is a connected room socket. SendState must not block.
type Client interface {
	SendState(state *models.RoomState)
}

// Deps are the collaborators of a room.
type Deps struct {
	Clock    clock.Clock
	Resolver Resolver
	Pipeline Pipeline
	Bus      *events.Bus
	// Metadata is notified of playlist inserts, Sources of search placeholders.
	Metadata TrackNotifier
	Sources  TrackNotifier
	Logger   zerolog.Logger
}

// EnqueueOptions tune Enqueue.
type EnqueueOptions struct {
	// Enrich queues the tracks for metadata lookup.
	Enrich bool
}

// playToken identifies one play request. Continuations carry the token they
// were started under and do nothing if it is no longer current.
type playToken struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
}

type member struct {
	client  Client
	info    models.ClientInfo
	sinkID  string
	blockID string
}

// Room is one listening room.
type Room struct {
	id     string
	deps   Deps
	clk    clock.Clock
	logger zerolog.Logger

	cmds      chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// Actor-owned state.
	queue       []*models.Track
	history     []*models.Track
	current     *models.Track
	playing     bool
	paused      bool
	startTime   time.Time
	started     bool
	pausedAt    time.Time
	totalPaused time.Duration
	mode        models.QueueMode

	members    map[string]*member
	order      []string
	emptySince time.Time
	// closing is set once the sweep has claimed the room; joins then fail.
	closing bool

	fanout  *playout.Fanout
	agg     *playout.Aggregator
	pacer   playout.Pacer
	ticker  clock.Ticker
	session *media.Session

	token   *playToken
	tokenID uint64
}

// New creates a room and starts its actor.
func New(id string, deps Deps) *Room {
	r := newRoom(id, deps)
	go r.loop()
	return r
}

func newRoom(id string, deps Deps) *Room {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger.With().Str("component", "room").Str("room_id", id).Logger()
	r := &Room{
		id:         id,
		deps:       deps,
		clk:        deps.Clock,
		logger:     logger,
		cmds:       make(chan func(), 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		mode:       models.QueueClassic,
		members:    make(map[string]*member),
		emptySince: deps.Clock.Now(),
		fanout:     playout.NewFanout(logger),
		agg:        playout.NewAggregator(playout.BlockSize),
	}
	tokCtx, tokCancel := context.WithCancel(ctx)
	r.token = &playToken{ctx: tokCtx, cancel: tokCancel}
	r.fanout.Add(r.agg)
	return r
}

// ID returns the room key.
func (r *Room) ID() string { return r.id }

func (r *Room) loop() {
	defer close(r.done)
	for {
		var tick <-chan time.Time
		if r.ticker != nil {
			tick = r.ticker.C()
		}
		select {
		case fn := <-r.cmds:
			fn()
		case <-tick:
			r.onTick()
		case <-r.ctx.Done():
			r.teardown()
			return
		}
	}
}

// post queues fn on the actor. It reports false once the room is closed.
func (r *Room) post(fn func()) bool {
	select {
	case r.cmds <- fn:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// call runs fn on the actor and waits for it.
func (r *Room) call(fn func()) bool {
	ran := make(chan struct{})
	if !r.post(func() { fn(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-r.done:
		return false
	}
}

// Close stops the actor, kills the pipeline and closes every sink.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
	})
}

func (r *Room) teardown() {
	r.token.cancel()
	r.stopPacing()
	r.session = nil
	if r.deps.Pipeline != nil {
		r.deps.Pipeline.Kill()
	}
	r.fanout.CloseAll()
	telemetry.RoomClients.Sub(float64(len(r.members)))
	r.members = map[string]*member{}
	r.order = nil
	r.logger.Info().Msg("room closed")
}

// valid reports whether tok is still the current play request.
func (r *Room) valid(tok *playToken) bool {
	return tok == r.token && tok.ctx.Err() == nil
}

func (r *Room) issueToken() *playToken {
	r.token.cancel()
	r.tokenID++
	ctx, cancel := context.WithCancel(r.ctx)
	r.token = &playToken{id: r.tokenID, ctx: ctx, cancel: cancel}
	return r.token
}

// Public commands. Each is serialized on the actor.

// Join adds a client under connID and returns its effective identity. It
// reports false when the room is closed or being evicted; Manager.Join
// retries on a fresh room.
func (r *Room) Join(connID string, c Client, info models.ClientInfo) (models.ClientInfo, bool) {
	joined := false
	r.call(func() {
		if r.closing {
			return
		}
		joined = true
		if info.UserName == "" {
			info.UserName = RandomName()
		}
		if m, ok := r.members[connID]; ok {
			m.client, m.info = c, info
		} else {
			r.members[connID] = &member{client: c, info: info}
			r.order = append(r.order, connID)
			telemetry.RoomClients.Inc()
		}
		r.emptySince = time.Time{}
		r.broadcast()
	})
	return info, joined
}

// Leave removes a client and its sinks.
func (r *Room) Leave(connID string) {
	r.post(func() {
		m, ok := r.members[connID]
		if !ok {
			return
		}
		r.detachSinks(m)
		delete(r.members, connID)
		for i, id := range r.order {
			if id == connID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		telemetry.RoomClients.Dec()
		if len(r.members) == 0 {
			r.emptySince = r.clk.Now()
			r.logger.Info().Msg("room is empty")
		}
		r.broadcast()
	})
}

// AttachRTC registers an RTC sink for connID, replacing any previous one.
// The room owns the sink afterwards and closes it on detach.
func (r *Room) AttachRTC(connID string, sink playout.Sink) bool {
	attached := false
	ok := r.call(func() {
		m, ok := r.members[connID]
		if !ok {
			return
		}
		r.closeRTC(m)
		m.sinkID = r.fanout.Add(sink)
		attached = true
	})
	if !ok || !attached {
		_ = sink.Close()
		return false
	}
	return true
}

// SubscribeBlocks adds connID as a byte-stream listener.
func (r *Room) SubscribeBlocks(connID string, sub playout.BlockSubscriber) bool {
	subscribed := false
	r.call(func() {
		m, ok := r.members[connID]
		if !ok {
			return
		}
		if m.blockID != "" {
			r.agg.Unsubscribe(m.blockID)
		}
		m.blockID = r.agg.Subscribe(sub)
		subscribed = true
	})
	return subscribed
}

// LeaveStream detaches both transports of connID.
func (r *Room) LeaveStream(connID string) {
	r.post(func() {
		if m, ok := r.members[connID]; ok {
			r.detachSinks(m)
		}
	})
}

func (r *Room) detachSinks(m *member) {
	r.closeRTC(m)
	if m.blockID != "" {
		r.agg.Unsubscribe(m.blockID)
		m.blockID = ""
	}
}

func (r *Room) closeRTC(m *member) {
	if m.sinkID == "" {
		return
	}
	if s := r.fanout.Remove(m.sinkID); s != nil {
		if err := s.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("close rtc sink")
		}
	}
	m.sinkID = ""
}

// Pause freezes the clock while playing.
func (r *Room) Pause() { r.post(func() { r.pause(r.clk.Now()) }) }

// Resume continues a paused track.
func (r *Room) Resume() { r.post(func() { r.resume(r.clk.Now()) }) }

// Skip advances while playing.
func (r *Room) Skip() {
	r.post(func() {
		if r.playing {
			r.logger.Info().Msg("skipping track")
			r.playNext(true)
		}
	})
}

// Previous restarts or steps back.
func (r *Room) Previous() { r.post(func() { r.previous(r.clk.Now()) }) }

// Enqueue appends tracks, reorders, and starts playback when idle.
func (r *Room) Enqueue(tracks []*models.Track, opts EnqueueOptions) bool {
	if len(tracks) == 0 {
		return true
	}
	return r.post(func() { r.enqueue(tracks, opts) })
}

// RemoveTrack drops a queued track.
func (r *Room) RemoveTrack(trackID string) {
	r.post(func() {
		for i, t := range r.queue {
			if t.ID == trackID {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				r.queue = reorder(r.queue, r.mode)
				r.publish(events.EventQueueChanged, events.Payload{"reason": "remove", "track_id": trackID})
				r.broadcast()
				return
			}
		}
	})
}

// SetQueueMode switches ordering. Unknown modes are ignored.
func (r *Room) SetQueueMode(mode string) {
	m, ok := models.ParseQueueMode(mode)
	if !ok {
		return
	}
	r.post(func() {
		r.logger.Info().Str("mode", string(m)).Msg("queue mode changed")
		r.mode = m
		r.queue = reorder(r.queue, r.mode)
		r.publish(events.EventQueueChanged, events.Payload{"reason": "mode", "mode": string(m)})
		r.broadcast()
	})
}

// State returns a snapshot of the room.
func (r *Room) State() *models.RoomState {
	var st *models.RoomState
	r.call(func() { st = r.snapshot(r.clk.Now()) })
	return st
}

// retireIfEmpty marks the room closing when it has been empty for at least
// ttl. The check and the mark happen in one actor step.
func (r *Room) retireIfEmpty(now time.Time, ttl time.Duration) (time.Time, bool) {
	var (
		since   time.Time
		retired bool
	)
	r.call(func() {
		if r.closing || len(r.members) > 0 || r.emptySince.IsZero() || now.Sub(r.emptySince) < ttl {
			return
		}
		r.closing = true
		since, retired = r.emptySince, true
	})
	return since, retired
}

// Stats is a point-in-time view of a room's listeners.
type Stats struct {
	Clients         int  `json:"clients"`
	RTCListeners    int  `json:"rtc_listeners"`
	StreamListeners int  `json:"stream_listeners"`
	Backpressured   bool `json:"backpressured"`
}

// Stats reports listener counts and whether the decoder is waiting on the
// pacer.
func (r *Room) Stats() Stats {
	var st Stats
	r.call(func() {
		st.Clients = len(r.members)
		// The aggregator is itself a fanout sink.
		st.RTCListeners = r.fanout.Len() - 1
		st.StreamListeners = r.agg.Subscribers()
		st.Backpressured = r.session != nil && r.session.Buffer().Blocked()
	})
	return st
}

// EmptySince returns when the last client left, or false while occupied.
func (r *Room) EmptySince() (time.Time, bool) {
	var at time.Time
	ok := r.call(func() { at = r.emptySince })
	return at, ok && !at.IsZero()
}

// Track returns a copy of the track with id from the queue, current slot or
// history. queued reports whether it is waiting in the queue.
func (r *Room) Track(id string) (t *models.Track, queued bool, found bool) {
	r.call(func() {
		if tr, q := r.findTrack(id); tr != nil {
			t, queued, found = tr.Clone(), q, true
		}
	})
	return t, queued, found
}

// UpdateTrack applies fn to the track with id and broadcasts. It reports
// whether the track was found.
func (r *Room) UpdateTrack(id string, fn func(*models.Track)) bool {
	found := false
	r.call(func() {
		tr, _ := r.findTrack(id)
		if tr == nil {
			return
		}
		fn(tr)
		found = true
		r.publish(events.EventTrackEnriched, events.Payload{"track_id": id})
		r.broadcast()
	})
	return found
}

func (r *Room) findTrack(id string) (*models.Track, bool) {
	for _, t := range r.queue {
		if t.ID == id {
			return t, true
		}
	}
	if r.current != nil && r.current.ID == id {
		return r.current, false
	}
	for _, t := range r.history {
		if t.ID == id {
			return t, false
		}
	}
	return nil, false
}

// Actor-side implementations.

func (r *Room) enqueue(tracks []*models.Track, opts EnqueueOptions) {
	var placeholders, all []string
	for _, t := range tracks {
		r.queue = append(r.queue, t)
		all = append(all, t.ID)
		if t.IsPlaceholder() && !t.ResolverFailed {
			placeholders = append(placeholders, t.ID)
		}
	}
	r.queue = reorder(r.queue, r.mode)
	r.publish(events.EventQueueChanged, events.Payload{"reason": "enqueue", "count": len(tracks)})
	r.broadcast()

	if !r.playing {
		r.playNext(true)
	}
	if opts.Enrich && r.deps.Metadata != nil {
		r.deps.Metadata.Notify(r.id, all...)
	}
	if len(placeholders) > 0 && r.deps.Sources != nil {
		r.deps.Sources.Notify(r.id, placeholders...)
	}
}

func (r *Room) pause(now time.Time) {
	if !r.playing || r.paused {
		return
	}
	r.paused = true
	r.pausedAt = now
	r.stopPacing()
	r.broadcast()
}

func (r *Room) resume(now time.Time) {
	if !r.playing || !r.paused {
		return
	}
	r.paused = false
	if r.started && !r.pausedAt.IsZero() {
		r.totalPaused += now.Sub(r.pausedAt)
	}
	r.pausedAt = time.Time{}
	r.pacer.Resume(now)
	if r.session != nil {
		r.startPacing()
	}
	r.broadcast()
}

// elapsed is the effective playback position, frozen while paused.
func (r *Room) elapsed(now time.Time) time.Duration {
	if !r.started {
		return 0
	}
	ref := now
	if r.paused && !r.pausedAt.IsZero() {
		ref = r.pausedAt
	}
	e := ref.Sub(r.startTime) - r.totalPaused
	if e < 0 {
		return 0
	}
	return e
}

func (r *Room) previous(now time.Time) {
	switch {
	case r.playing && r.current != nil:
		cur := r.current
		r.current = nil
		if r.elapsed(now) > RestartThreshold || len(r.history) == 0 {
			r.queue = append([]*models.Track{cur}, r.queue...)
		} else {
			prev := r.history[len(r.history)-1]
			r.history = r.history[:len(r.history)-1]
			r.queue = append([]*models.Track{prev, cur}, r.queue...)
		}
		r.playNext(false)
	case !r.playing && len(r.history) > 0:
		prev := r.history[len(r.history)-1]
		r.history = r.history[:len(r.history)-1]
		r.logger.Info().Str("track_id", prev.ID).Msg("resurrecting from history")
		r.queue = append([]*models.Track{prev}, r.queue...)
		r.playNext(false)
	}
}

// playNext transitions to the queue head. pushHistory is false for restarts.
func (r *Room) playNext(pushHistory bool) {
	if pushHistory && r.current != nil {
		r.history = append(r.history, r.current)
		if len(r.history) > HistoryCap {
			r.history = r.history[len(r.history)-HistoryCap:]
		}
	}

	tok := r.issueToken()
	r.stopPacing()
	r.session = nil
	if r.deps.Pipeline != nil {
		r.deps.Pipeline.Kill()
	}
	r.agg.Reset()

	r.started = false
	r.startTime = time.Time{}
	r.pausedAt = time.Time{}
	r.totalPaused = 0
	r.paused = false

	if len(r.queue) == 0 {
		r.playing = false
		r.current = nil
		r.broadcast()
		return
	}

	track := r.queue[0]
	r.queue = r.queue[1:]
	r.current = track
	r.playing = true
	r.broadcast()

	telemetry.TracksStarted.Inc()
	r.publish(events.EventTrackStarted, events.Payload{"track_id": track.ID, "title": track.DisplayTitle(), "url": track.URL})
	r.logger.Info().Str("track_id", track.ID).Str("title", track.Title).Uint64("request_id", tok.id).Msg("starting track")

	if track.NeedsResolution() && r.deps.Resolver != nil {
		target := track.URL
		go func() {
			info, err := r.deps.Resolver.Info(tok.ctx, target, taskqueue.PriorityPlayback)
			r.post(func() { r.onResolved(tok, info, err) })
		}()
		return
	}
	r.startPipeline(tok, track.URL)
}

func (r *Room) onResolved(tok *playToken, info *models.SourceInfo, err error) {
	if !r.valid(tok) {
		r.logger.Debug().Uint64("request_id", tok.id).Msg("play request preempted during resolve")
		return
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("track_id", r.current.ID).Msg("failed to resolve duration")
	} else {
		r.current.ApplySource(info)
		r.broadcast()
	}
	r.startPipeline(tok, r.current.URL)
}

func (r *Room) startPipeline(tok *playToken, target string) {
	if r.deps.Pipeline == nil {
		return
	}
	go func() {
		sess, err := r.deps.Pipeline.Start(tok.ctx, target)
		posted := r.post(func() { r.onPipelineStarted(tok, sess, err) })
		if !posted && sess != nil {
			sess.Kill()
		}
	}()
}

func (r *Room) onPipelineStarted(tok *playToken, sess *media.Session, err error) {
	if !r.valid(tok) {
		if sess != nil {
			sess.Kill()
		}
		return
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("pipeline start failed")
		r.onDrain(r.clk.Now())
		return
	}
	r.session = sess
	r.pacer.Reset(r.clk.Now())
	if !r.paused {
		r.startPacing()
	}
}

func (r *Room) startPacing() {
	if r.ticker == nil {
		r.ticker = r.clk.NewTicker(playout.TickInterval)
	}
}

func (r *Room) stopPacing() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
}

func (r *Room) onTick() {
	if !r.playing || r.paused || r.session == nil {
		r.stopPacing()
		return
	}
	now := r.clk.Now()
	res := r.pacer.Tick(now, r.session.Buffer(), r.fanout.WriteFrame)
	if res.Started {
		r.started = true
		r.startTime, _ = r.pacer.StartTime()
		r.logger.Debug().Msg("first frame sent")
		r.broadcast()
	}
	if res.Drained {
		r.onDrain(now)
	}
}

// onDrain ends the current track after its buffer is exhausted.
func (r *Room) onDrain(now time.Time) {
	if err := r.agg.Flush(); err != nil {
		r.logger.Debug().Err(err).Msg("flush byte stream")
	}
	r.stopPacing()

	played := r.elapsed(now)
	if r.current != nil {
		r.publish(events.EventTrackEnded, events.Payload{"track_id": r.current.ID, "played_ms": played.Milliseconds()})
	}

	if played >= ShortTrack {
		r.playNext(true)
		return
	}
	r.logger.Info().Dur("played", played).Msg("track ended quickly, delaying next")
	tok := r.token
	go func() {
		if clock.Sleep(r.clk, ShortCooldown, tok.ctx.Done()) {
			r.post(func() {
				if r.valid(tok) {
					r.playNext(true)
				}
			})
		}
	}()
}

func (r *Room) snapshot(now time.Time) *models.RoomState {
	st := &models.RoomState{
		Type:                models.MessageUpdate,
		Queue:               make([]models.Track, 0, len(r.queue)),
		QueueMode:           r.mode,
		CurrentTrack:        r.current.Clone(),
		IsPlaying:           r.playing,
		IsPaused:            r.paused,
		TotalPausedDuration: r.totalPaused.Milliseconds(),
		ServerTime:          now.UnixMilli(),
		Clients:             make([]models.ClientInfo, 0, len(r.order)),
	}
	for _, t := range r.queue {
		st.Queue = append(st.Queue, *t)
	}
	if r.started {
		ms := r.startTime.UnixMilli()
		st.StartedAt = &ms
	}
	if r.paused && !r.pausedAt.IsZero() {
		ms := r.pausedAt.UnixMilli()
		st.PausedAt = &ms
	}
	for _, id := range r.order {
		st.Clients = append(st.Clients, r.members[id].info)
	}
	return st
}

func (r *Room) broadcast() {
	if len(r.members) == 0 {
		return
	}
	st := r.snapshot(r.clk.Now())
	for _, id := range r.order {
		r.members[id].client.SendState(st)
	}
}

func (r *Room) publish(t events.EventType, payload events.Payload) {
	if r.deps.Bus == nil {
		return
	}
	payload["room_id"] = r.id
	r.deps.Bus.Publish(t, payload)
}
