/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/clock"
	"github.com/friendsincode/listenroom/internal/models"
	"github.com/friendsincode/listenroom/internal/musicbrainz"
	"github.com/friendsincode/listenroom/internal/spotify"
)

type visit struct{ room, item string }

func recordingScheduler(outcomes map[string]Outcome) (*Scheduler[string], *[]visit) {
	var visits []visit
	s := NewScheduler[string]("test", 0, func(_ context.Context, roomID, item string) (Outcome, error) {
		visits = append(visits, visit{roomID, item})
		return outcomes[item], nil
	}, clock.NewFake(time.Unix(0, 0)), zerolog.Nop())
	return s, &visits
}

func drain[T any](s *Scheduler[T]) {
	for i := 0; i < 100; i++ {
		if ran, _ := s.step(context.Background()); !ran {
			return
		}
	}
}

func TestRoundRobinAcrossRooms(t *testing.T) {
	s, visits := recordingScheduler(nil)
	s.Notify("R1", "a", "b", "c")
	s.Notify("R2", "x")
	drain(s)

	want := []visit{{"R1", "a"}, {"R2", "x"}, {"R1", "b"}, {"R1", "c"}}
	if fmt.Sprint(*visits) != fmt.Sprint(want) {
		t.Fatalf("visits %v, want %v", *visits, want)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d", s.Pending())
	}
}

func TestRoomAppearsOnceInOrder(t *testing.T) {
	s, _ := recordingScheduler(nil)
	s.Notify("R1", "a")
	s.Notify("R1", "b")
	s.Notify("R2", "x")
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()
	if fmt.Sprint(order) != "[R1 R2]" {
		t.Fatalf("order %v", order)
	}
}

func TestForgetDuringHandleKeepsOrderUnique(t *testing.T) {
	var s *Scheduler[string]
	s = NewScheduler[string]("test", 0, func(_ context.Context, roomID, item string) (Outcome, error) {
		if item == "old" {
			s.Forget(roomID)
			s.Notify(roomID, "new")
			return Continue, nil
		}
		return Done, nil
	}, nil, zerolog.Nop())
	s.Notify("R1", "old")

	if ran, _ := s.step(context.Background()); !ran {
		t.Fatal("expected a step")
	}
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	queue := append([]string(nil), s.queues["R1"]...)
	s.mu.Unlock()
	if fmt.Sprint(order) != "[R1]" {
		t.Fatalf("order %v, want [R1]", order)
	}
	if fmt.Sprint(queue) != "[new]" {
		t.Fatalf("queue %v, want [new]", queue)
	}
}

func TestContinueKeepsItemAtHead(t *testing.T) {
	calls := 0
	s := NewScheduler[string]("test", 0, func(_ context.Context, _ string, item string) (Outcome, error) {
		calls++
		if item == "job" && calls < 3 {
			return Continue, nil
		}
		return Done, nil
	}, nil, zerolog.Nop())
	var order []string
	s.Notify("R1", "job", "next")
	for {
		s.mu.Lock()
		if q := s.queues["R1"]; len(q) > 0 {
			order = append(order, q[0])
		}
		s.mu.Unlock()
		if ran, _ := s.step(context.Background()); !ran {
			break
		}
	}
	if fmt.Sprint(order) != "[job job job next]" {
		t.Fatalf("head sequence %v", order)
	}
}

func TestFailedContinueIsDropped(t *testing.T) {
	calls := 0
	s := NewScheduler[string]("test", 0, func(context.Context, string, string) (Outcome, error) {
		calls++
		return Continue, errors.New("boom")
	}, nil, zerolog.Nop())
	s.Notify("R1", "job")
	drain(s)
	if calls != 1 || s.Pending() != 0 {
		t.Fatalf("calls=%d pending=%d", calls, s.Pending())
	}
}

func TestForgetDropsRoom(t *testing.T) {
	s, visits := recordingScheduler(nil)
	s.Notify("R1", "a", "b")
	s.Notify("R2", "x")
	s.Forget("R1")
	drain(s)
	if fmt.Sprint(*visits) != fmt.Sprint([]visit{{"R2", "x"}}) {
		t.Fatalf("visits %v", *visits)
	}
}

func TestRunWaitsStepDelay(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	done := make(chan string, 4)
	s := NewScheduler[string]("test", 1500*time.Millisecond, func(_ context.Context, _ string, item string) (Outcome, error) {
		done <- item
		return Done, nil
	}, clk, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Notify("R1", "a", "b")
	if got := <-done; got != "a" {
		t.Fatalf("first item %s", got)
	}
	if !clk.WaitForTimers(1, time.Second) {
		t.Fatal("scheduler did not wait between steps")
	}
	select {
	case got := <-done:
		t.Fatalf("%s ran before the delay elapsed", got)
	case <-time.After(20 * time.Millisecond):
	}
	clk.Advance(1500 * time.Millisecond)
	select {
	case got := <-done:
		if got != "b" {
			t.Fatalf("second item %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("second item never ran")
	}
}

// fakeStore is an in-memory RoomStore.
type fakeStore struct {
	mu      sync.Mutex
	rooms   map[string]bool
	tracks  map[string]*models.Track
	queued  map[string]bool
	appends [][]*models.Track
}

func newFakeStore(rooms ...string) *fakeStore {
	f := &fakeStore{rooms: map[string]bool{}, tracks: map[string]*models.Track{}, queued: map[string]bool{}}
	for _, r := range rooms {
		f.rooms[r] = true
	}
	return f
}

func (f *fakeStore) add(t *models.Track, queued bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks[t.ID] = t
	f.queued[t.ID] = queued
}

func (f *fakeStore) Exists(roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[roomID]
}

func (f *fakeStore) Track(_, trackID string) (*models.Track, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tracks[trackID]
	return t.Clone(), ok
}

func (f *fakeStore) QueuedTrack(roomID, trackID string) (*models.Track, bool) {
	t, ok := f.Track(roomID, trackID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return t, ok && f.queued[trackID]
}

func (f *fakeStore) UpdateTrack(_, trackID string, fn func(*models.Track)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tracks[trackID]
	if ok {
		fn(t)
	}
	return ok
}

func (f *fakeStore) AppendTracks(roomID string, tracks []*models.Track) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.rooms[roomID] {
		return false
	}
	f.appends = append(f.appends, tracks)
	return true
}

type fakeMatcher struct {
	match *musicbrainz.Match
	err   error
}

func (m fakeMatcher) Lookup(context.Context, string) (*musicbrainz.Match, error) {
	return m.match, m.err
}

func TestMetadataAppliesMatch(t *testing.T) {
	store := newFakeStore("R1")
	tr := &models.Track{ID: "t1", Title: "daft punk - one more time (official video)", Thumbnail: "yt.jpg"}
	store.add(tr, false)

	s := NewMetadata(store, fakeMatcher{match: &musicbrainz.Match{Title: "One More Time", Artist: "Daft Punk", CoverArt: "https://caa/1.jpg"}}, 0, nil, zerolog.Nop())
	s.Notify("R1", "t1")
	drain(s)

	if tr.CleanTitle != "One More Time" || tr.Artist != "Daft Punk" || tr.Thumbnail != "https://caa/1.jpg" {
		t.Fatalf("match not applied: %+v", tr)
	}
}

func TestMetadataKeepsTrackOnLowConfidence(t *testing.T) {
	store := newFakeStore("R1")
	tr := &models.Track{ID: "t1", Title: "something", CleanTitle: "something"}
	store.add(tr, true)

	s := NewMetadata(store, fakeMatcher{err: musicbrainz.ErrLowConfidence}, 0, nil, zerolog.Nop())
	s.Notify("R1", "t1")
	drain(s)
	if tr.CleanTitle != "something" || tr.Artist != "" {
		t.Fatalf("track changed: %+v", tr)
	}
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	info  *models.SourceInfo
	err   error
}

func (f *fakeResolver) Info(context.Context, string, int) (*models.SourceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.info, f.err
}

func TestSourceResolvesQueuedPlaceholder(t *testing.T) {
	store := newFakeStore("R1")
	tr := models.NewTrack(models.SearchPrefix+"daft punk - one more time", "One More Time", "Sam", time.Now())
	store.add(tr, true)
	resolver := &fakeResolver{info: &models.SourceInfo{Entries: []models.SourceInfo{{URL: "https://www.youtube.com/watch?v=abc", Duration: 320}}}}

	s := NewSource(store, resolver, nil, 0, nil, zerolog.Nop())
	s.Notify("R1", tr.ID)
	drain(s)

	if tr.URL != "https://www.youtube.com/watch?v=abc" || tr.DurationSec != 320 || tr.Duration != "5:20" {
		t.Fatalf("placeholder not resolved: %+v", tr)
	}
}

func TestSourceMarksFailuresAndSkipsThem(t *testing.T) {
	store := newFakeStore("R1")
	tr := models.NewTrack(models.SearchPrefix+"nothing", "nothing", "", time.Now())
	store.add(tr, true)
	resolver := &fakeResolver{err: errors.New("no results")}

	s := NewSource(store, resolver, nil, 0, nil, zerolog.Nop())
	s.Notify("R1", tr.ID)
	drain(s)
	if !tr.ResolverFailed {
		t.Fatal("expected resolverFailed")
	}

	s.Notify("R1", tr.ID)
	drain(s)
	if resolver.calls != 1 {
		t.Fatalf("failed placeholder retried: %d calls", resolver.calls)
	}
}

func TestSourceIgnoresTracksThatLeftTheQueue(t *testing.T) {
	store := newFakeStore("R1")
	tr := models.NewTrack(models.SearchPrefix+"x", "x", "", time.Now())
	store.add(tr, false)
	resolver := &fakeResolver{}

	s := NewSource(store, resolver, nil, 0, nil, zerolog.Nop())
	s.Notify("R1", tr.ID)
	drain(s)
	if resolver.calls != 0 {
		t.Fatal("playing track should be left to playback")
	}
}

type fakePlaylist struct {
	pages   map[int]*spotify.Page
	err     error
	offsets []int
}

func (f *fakePlaylist) PlaylistPage(_ context.Context, _ string, offset int) (*spotify.Page, error) {
	f.offsets = append(f.offsets, offset)
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.pages[offset]; ok {
		return p, nil
	}
	return &spotify.Page{}, nil
}

func TestImportPagesUntilNoNext(t *testing.T) {
	store := newFakeStore("R1")
	src := &fakePlaylist{pages: map[int]*spotify.Page{
		0:  {Items: []spotify.Item{{ID: "1", Name: "One More Time", Artists: []string{"Daft Punk"}, Image: "art.jpg"}}, HasNext: true},
		50: {Items: []spotify.Item{{ID: "2", Name: "Around the World", Artists: []string{"Daft Punk"}}}},
	}}

	s := NewImport(store, src, nil, 0, clock.NewFake(time.Unix(100, 0)), zerolog.Nop())
	s.Notify("R1", &ImportJob{PlaylistID: "pl", UserName: "Sam"})
	drain(s)

	if fmt.Sprint(src.offsets) != "[0 50]" {
		t.Fatalf("offsets %v", src.offsets)
	}
	if len(store.appends) != 2 {
		t.Fatalf("appends %d", len(store.appends))
	}
	first := store.appends[0][0]
	if first.URL != models.SearchPrefix+"Daft Punk - One More Time" || first.Artist != "Daft Punk" || first.Thumbnail != "art.jpg" {
		t.Fatalf("unexpected placeholder %+v", first)
	}
	if first.AddedBy != "Sam" || !first.IsPlaceholder() || first.AddedAt != 100000 {
		t.Fatalf("unexpected placeholder fields %+v", first)
	}
}

func TestImportContinuesPastSkippedPage(t *testing.T) {
	store := newFakeStore("R1")
	src := &fakePlaylist{pages: map[int]*spotify.Page{
		0:  {Fetched: 50, HasNext: true},
		50: {Items: []spotify.Item{{ID: "2", Name: "Around the World", Artists: []string{"Daft Punk"}}}, Fetched: 1},
	}}

	s := NewImport(store, src, nil, 0, nil, zerolog.Nop())
	s.Notify("R1", &ImportJob{PlaylistID: "pl"})
	drain(s)

	if fmt.Sprint(src.offsets) != "[0 50]" {
		t.Fatalf("offsets %v", src.offsets)
	}
	if len(store.appends) != 1 || store.appends[0][0].Title != "Around the World" {
		t.Fatalf("appends %+v", store.appends)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending %d", s.Pending())
	}
}

func TestImportDropsJobOnError(t *testing.T) {
	store := newFakeStore("R1")
	src := &fakePlaylist{err: errors.New("401 unauthorized")}
	s := NewImport(store, src, nil, 0, nil, zerolog.Nop())
	s.Notify("R1", &ImportJob{PlaylistID: "pl"})
	drain(s)
	if len(src.offsets) != 1 || s.Pending() != 0 {
		t.Fatalf("offsets %v pending %d", src.offsets, s.Pending())
	}
}

func TestImportDropsJobWhenRoomGone(t *testing.T) {
	store := newFakeStore()
	src := &fakePlaylist{}
	s := NewImport(store, src, nil, 0, nil, zerolog.Nop())
	s.Notify("gone", &ImportJob{PlaylistID: "pl"})
	drain(s)
	if len(src.offsets) != 0 {
		t.Fatal("import ran for a missing room")
	}
}
