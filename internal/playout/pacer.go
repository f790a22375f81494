/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import "time"

// ResyncThreshold is how far behind the pacer may fall before it stops
// catching up and restarts its schedule at now.
const ResyncThreshold = time.Second

// Source is a frame-addressable PCM buffer. *media.Buffer implements it.
type Source interface {
	ReadFrame(n int) []byte
	Drained(frameSize int) bool
}

// TickResult reports what one tick did.
type TickResult struct {
	Frames int
	// Started is set on the tick that emitted the first frame of a track.
	Started bool
	// Drained is set when the producer is finished and less than a frame
	// remains; nothing is emitted.
	Drained bool
}

// Pacer schedules frame emission against wall-clock time. It is not safe
// for concurrent use; a room drives it from its actor.
type Pacer struct {
	nextDue   time.Time
	ticks     int
	started   bool
	startTime time.Time
}

// Reset prepares the pacer for a new track.
func (p *Pacer) Reset(now time.Time) {
	p.nextDue = now
	p.ticks = 0
	p.started = false
	p.startTime = time.Time{}
}

// Resume restarts the schedule at now after a pause.
func (p *Pacer) Resume(now time.Time) {
	p.nextDue = now
}

// StartTime returns when the first frame of the track went out.
func (p *Pacer) StartTime() (time.Time, bool) {
	return p.startTime, p.started
}

// Tick emits the frames that are due at now. Ticks alternate between a cap
// of two and one frames.
func (p *Pacer) Tick(now time.Time, src Source, emit func(frame []byte)) TickResult {
	var res TickResult
	if src.Drained(FrameBytes) {
		res.Drained = true
		return res
	}

	p.ticks++
	if now.Sub(p.nextDue) > ResyncThreshold {
		p.nextDue = now
	}

	limit := 2
	if p.ticks%2 == 0 {
		limit = 1
	}
	for res.Frames < limit && !now.Before(p.nextDue) {
		frame := src.ReadFrame(FrameBytes)
		if frame == nil {
			break
		}
		if !p.started {
			p.started = true
			p.startTime = now
			p.nextDue = now
			res.Started = true
		}
		emit(frame)
		p.nextDue = p.nextDue.Add(FrameDuration)
		res.Frames++
	}
	return res
}
