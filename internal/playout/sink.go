/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playout paces decoded PCM out of a room's decode buffer in real
// time and fans each frame out to the room's sinks.
package playout

import "time"

// PCM framing: mono s16le at 48 kHz, 20 ms per frame.
const (
	SampleRate    = 48000
	FrameSamples  = 960
	FrameBytes    = FrameSamples * 2
	FrameDuration = 20 * time.Millisecond
	TickInterval  = 10 * time.Millisecond
	BlockSize     = 4096
)

// Sink consumes paced PCM frames.
type Sink interface {
	WriteFrame(frame []byte) error
	Close() error
}

// Kinded sinks label their errors in metrics.
type Kinded interface {
	Kind() string
}
