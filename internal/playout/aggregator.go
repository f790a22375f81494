/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// BlockSubscriber receives aggregated PCM blocks. Implementations must not
// block; the pacer calls them inline.
type BlockSubscriber interface {
	SendBlock(block []byte) error
}

// Aggregator is the byte-stream sink of a room. It groups frames into
// fixed-size blocks for websocket listeners and keeps the remainder between
// frames. With no subscribers the accumulation is discarded.
type Aggregator struct {
	blockSize int

	mu    sync.Mutex
	acc   []byte
	order []string
	subs  map[string]BlockSubscriber
}

// NewAggregator creates an aggregator emitting blockSize-byte blocks.
func NewAggregator(blockSize int) *Aggregator {
	if blockSize <= 0 {
		blockSize = BlockSize
	}
	return &Aggregator{blockSize: blockSize, subs: make(map[string]BlockSubscriber)}
}

// Kind implements Kinded.
func (a *Aggregator) Kind() string { return "bytestream" }

// Subscribe adds a listener and returns its id.
func (a *Aggregator) Subscribe(s BlockSubscriber) string {
	id := uuid.NewString()
	a.mu.Lock()
	a.subs[id] = s
	a.order = append(a.order, id)
	a.mu.Unlock()
	return id
}

// Unsubscribe removes a listener. Unknown ids are ignored.
func (a *Aggregator) Unsubscribe(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subs[id]; !ok {
		return
	}
	delete(a.subs, id)
	for i, candidate := range a.order {
		if candidate == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	if len(a.subs) == 0 {
		a.acc = nil
	}
}

// Subscribers returns the listener count.
func (a *Aggregator) Subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

// Pending returns the bytes accumulated toward the next block.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acc)
}

// WriteFrame implements Sink.
func (a *Aggregator) WriteFrame(frame []byte) error {
	a.mu.Lock()
	if len(a.subs) == 0 {
		a.acc = nil
		a.mu.Unlock()
		return nil
	}
	a.acc = append(a.acc, frame...)
	var blocks [][]byte
	for len(a.acc) >= a.blockSize {
		block := make([]byte, a.blockSize)
		copy(block, a.acc)
		a.acc = a.acc[a.blockSize:]
		blocks = append(blocks, block)
	}
	subs := a.snapshotLocked()
	a.mu.Unlock()

	var errs []error
	for _, block := range blocks {
		errs = append(errs, a.send(subs, block)...)
	}
	return errors.Join(errs...)
}

// Flush sends the partial block, if any, and clears it.
func (a *Aggregator) Flush() error {
	a.mu.Lock()
	rest := a.acc
	a.acc = nil
	subs := a.snapshotLocked()
	a.mu.Unlock()

	if len(rest) == 0 || len(subs) == 0 {
		return nil
	}
	return errors.Join(a.send(subs, rest)...)
}

// Reset drops the partial block.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.acc = nil
	a.mu.Unlock()
}

// Close implements Sink; it drops all subscribers.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	a.acc = nil
	a.subs = make(map[string]BlockSubscriber)
	a.order = nil
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) snapshotLocked() []BlockSubscriber {
	subs := make([]BlockSubscriber, 0, len(a.order))
	for _, id := range a.order {
		subs = append(subs, a.subs[id])
	}
	return subs
}

func (a *Aggregator) send(subs []BlockSubscriber, block []byte) []error {
	var errs []error
	for _, s := range subs {
		if err := s.SendBlock(block); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
