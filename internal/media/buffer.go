/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"errors"
	"sync"

	"github.com/friendsincode/listenroom/internal/telemetry"
)

// Watermarks of the decode buffer.
const (
	DefaultHighWater = 2 * 1024 * 1024
	DefaultLowWater  = 512 * 1024
)

// ErrClosed is returned by writes to a closed buffer.
var ErrClosed = errors.New("buffer closed")

// Buffer holds decoded PCM between the transcoder and the pacer.
//
// Writes block once the buffered bytes would exceed the high watermark and
// stay blocked until the reader drains below the low watermark.
type Buffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	data     []byte
	high     int
	low      int
	blocked  bool
	finished bool
	closed   bool
}

// NewBuffer creates a buffer with the given watermarks.
func NewBuffer(high, low int) *Buffer {
	if high <= 0 {
		high = DefaultHighWater
	}
	if low <= 0 || low > high {
		low = high / 4
	}
	b := &Buffer{high: high, low: low}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write appends p, blocking under backpressure.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	if len(b.data) > 0 && len(b.data)+len(p) > b.high {
		b.blocked = true
		telemetry.PipelineBackpressure.Inc()
		for !b.closed && len(b.data) >= b.low {
			b.cond.Wait()
		}
		b.blocked = false
		if b.closed {
			return 0, ErrClosed
		}
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// ReadFrame removes and returns exactly n bytes, or nil when fewer are
// buffered.
func (b *Buffer) ReadFrame(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data) < n {
		return nil
	}
	frame := make([]byte, n)
	copy(frame, b.data)
	b.data = b.data[n:]
	if len(b.data) == 0 {
		b.data = nil
	}
	if b.blocked && len(b.data) < b.low {
		b.cond.Broadcast()
	}
	return frame
}

// Len returns the buffered byte count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Blocked reports whether the writer is waiting for the reader.
func (b *Buffer) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked
}

// Finish marks the producer as done. Buffered bytes remain readable.
func (b *Buffer) Finish() {
	b.mu.Lock()
	b.finished = true
	b.mu.Unlock()
}

// Drained reports whether the producer is done and fewer than frameSize
// bytes remain.
func (b *Buffer) Drained(frameSize int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished && len(b.data) < frameSize
}

// Close discards buffered data, marks the buffer finished and releases a
// blocked writer.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.finished = true
	b.data = nil
	b.cond.Broadcast()
	b.mu.Unlock()
}
