/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package media owns a room's acquisition pair: the fetch process whose
// stdout feeds the transcoder, and the decode buffer the transcoder fills.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/backend"
	"github.com/friendsincode/listenroom/internal/taskqueue"
	"github.com/friendsincode/listenroom/internal/telemetry"
)

// ErrSuperseded is returned when a newer Start replaced this one.
var ErrSuperseded = errors.New("pipeline start superseded")

// Fetcher spawns fetch processes. *taskqueue.Queue implements it.
type Fetcher interface {
	Stream(ctx context.Context, req backend.StreamRequest, priority int) (backend.Process, error)
}

// Transcoder starts a decoder reading stdin. backend.FFmpeg implements it.
type Transcoder interface {
	Start(ctx context.Context, stdin *os.File) (backend.Process, error)
}

// Config tunes a pipeline.
type Config struct {
	// TempRoot is the parent of per-request working directories.
	TempRoot  string
	HighWater int
	LowWater  int
	// FetchArgs builds the fetch command line; nil uses the backend default.
	FetchArgs func(target string) []string
}

// Pipeline manages the single live pair of one room.
type Pipeline struct {
	roomID  string
	fetcher Fetcher
	decoder Transcoder
	cfg     Config
	logger  zerolog.Logger

	mu  sync.Mutex
	gen uint64
	cur *Session
}

// New creates a room pipeline.
func New(roomID string, fetcher Fetcher, decoder Transcoder, cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.TempRoot == "" {
		cfg.TempRoot = os.TempDir()
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.LowWater <= 0 {
		cfg.LowWater = DefaultLowWater
	}
	return &Pipeline{
		roomID:  roomID,
		fetcher: fetcher,
		decoder: decoder,
		cfg:     cfg,
		logger:  logger.With().Str("component", "pipeline").Str("room_id", roomID).Logger(),
	}
}

// Start kills the current pair, then launches a new one for target. The
// returned session is owned by the pipeline until Kill or the next Start.
// If ctx is cancelled or another Start begins first, the new pair is killed
// and an error returned.
func (p *Pipeline) Start(ctx context.Context, target string) (*Session, error) {
	p.mu.Lock()
	// A cancelled caller must not preempt the pair of a newer request.
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		telemetry.PipelineStarts.WithLabelValues("preempted").Inc()
		return nil, err
	}
	p.gen++
	gen := p.gen
	prev := p.cur
	p.cur = nil
	p.mu.Unlock()

	if prev != nil {
		prev.Kill()
	}

	sess, err := p.spawn(ctx, target)
	if err != nil {
		telemetry.PipelineStarts.WithLabelValues("error").Inc()
		return nil, err
	}

	p.mu.Lock()
	if p.gen != gen || ctx.Err() != nil {
		p.mu.Unlock()
		sess.Kill()
		telemetry.PipelineStarts.WithLabelValues("preempted").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrSuperseded
	}
	p.cur = sess
	p.mu.Unlock()

	telemetry.PipelineStarts.WithLabelValues("ok").Inc()
	sess.run()
	return sess, nil
}

// Kill stops the current pair, if any.
func (p *Pipeline) Kill() {
	p.mu.Lock()
	p.gen++
	cur := p.cur
	p.cur = nil
	p.mu.Unlock()
	if cur != nil {
		cur.Kill()
	}
}

// Current returns the live session or nil.
func (p *Pipeline) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

func (p *Pipeline) spawn(ctx context.Context, target string) (*Session, error) {
	base := filepath.Join(p.cfg.TempRoot, "listenroom")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create temp root: %w", err)
	}
	dir, err := os.MkdirTemp(base, "req-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create pipe: %w", err)
	}

	decode, err := p.decoder.Start(ctx, pr)
	pr.Close()
	if err != nil {
		pw.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("start transcoder: %w", err)
	}

	var args []string
	if p.cfg.FetchArgs != nil {
		args = p.cfg.FetchArgs(target)
	}
	fetch, err := p.fetcher.Stream(ctx, backend.StreamRequest{
		Target: target,
		Args:   args,
		Dir:    dir,
		Stdout: pw,
	}, taskqueue.PriorityPlayback)
	pw.Close()
	if err != nil {
		_ = decode.Kill()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("start fetch: %w", err)
	}

	return &Session{
		Target: target,
		buf:    NewBuffer(p.cfg.HighWater, p.cfg.LowWater),
		fetch:  fetch,
		decode: decode,
		dir:    dir,
		logger: p.logger.With().Str("target", target).Logger(),
		done:   make(chan struct{}),
	}, nil
}

// Session is one live fetch/transcode pair and its decode buffer.
type Session struct {
	Target string

	buf    *Buffer
	fetch  backend.Process
	decode backend.Process
	dir    string
	logger zerolog.Logger

	killOnce sync.Once
	killed   bool
	mu       sync.Mutex
	done     chan struct{}
}

// Buffer is the decode buffer of this session.
func (s *Session) Buffer() *Buffer { return s.buf }

// Done is closed once the transcoder output has been fully pumped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Dir is the fetch working directory.
func (s *Session) Dir() string { return s.dir }

func (s *Session) run() {
	go s.pump()
	go s.reapFetch()
}

// pump copies transcoder output into the buffer; the producer is finished
// when the transcoder's stdout reaches EOF.
func (s *Session) pump() {
	defer close(s.done)
	defer s.buf.Finish()

	out := s.decode.Stdout()
	if out == nil {
		return
	}
	if c, ok := out.(io.Closer); ok {
		defer c.Close()
	}

	chunk := make([]byte, 32*1024)
	for {
		n, err := out.Read(chunk)
		if n > 0 {
			if _, werr := s.buf.Write(chunk[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !backend.IsBrokenPipe(err) && !s.isKilled() {
				s.logger.Error().Err(err).Msg("transcoder read failed")
			}
			break
		}
	}

	<-s.decode.Done()
	if err := s.decode.Err(); err != nil && !s.isKilled() && !backend.IsKilled(err) {
		s.logger.Warn().Err(err).Msg("transcoder exited with error")
	}
}

func (s *Session) reapFetch() {
	<-s.fetch.Done()
	if err := s.fetch.Err(); err != nil && !s.isKilled() && !backend.IsKilled(err) {
		s.logger.Warn().Err(err).Msg("fetch exited with error")
	}
	s.removeDir()
}

func (s *Session) isKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

func (s *Session) removeDir() {
	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warn().Err(err).Str("dir", s.dir).Msg("failed to remove temp dir")
	}
}

// Kill terminates both processes, discards the buffer and removes the temp
// dir. Safe to call more than once.
func (s *Session) Kill() {
	s.killOnce.Do(func() {
		s.mu.Lock()
		s.killed = true
		s.mu.Unlock()

		s.buf.Close()
		if err := s.fetch.Kill(); err != nil {
			s.logger.Debug().Err(err).Msg("kill fetch")
		}
		if err := s.decode.Kill(); err != nil {
			s.logger.Debug().Err(err).Msg("kill transcoder")
		}
		s.removeDir()
	})
}
