/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package backend runs the external acquisition tools: yt-dlp for source
// info and audio fetch, ffmpeg for decoding, and an optional native YouTube
// client for cheap info lookups.
package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Process is a running subprocess owned by whoever started it.
type Process interface {
	// Stdout is the process output, or nil when stdout was redirected.
	Stdout() io.Reader
	// Kill terminates the process. It is safe to call more than once and
	// after the process has exited.
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err is the exit error; valid after Done is closed.
	Err() error
}

// execProcess adapts exec.Cmd to Process.
type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	done   chan struct{}
	err    error

	killOnce sync.Once
	onExit   func()
}

// startProcess starts cmd and reaps it in the background. When captureStdout
// is set the process writes into a pipe exposed through Stdout; the reader
// owns (and closes) that end and sees EOF once the process exits. Otherwise
// cmd.Stdout is left as configured by the caller.
func startProcess(cmd *exec.Cmd, captureStdout bool, onExit func()) (*execProcess, error) {
	p := &execProcess{cmd: cmd, done: make(chan struct{}), onExit: onExit}

	var pw *os.File
	if captureStdout {
		pr, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("create stdout pipe: %w", err)
		}
		cmd.Stdout = w
		p.stdout = pr
		pw = w
	}
	if err := cmd.Start(); err != nil {
		if pw != nil {
			pw.Close()
			p.stdout.Close()
		}
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	// The child holds its own copy of the write end.
	if pw != nil {
		pw.Close()
	}
	go p.wait()
	return p, nil
}

func (p *execProcess) wait() {
	p.err = p.cmd.Wait()
	if p.onExit != nil {
		p.onExit()
	}
	close(p.done)
}

func (p *execProcess) Stdout() io.Reader {
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
			if errors.Is(err, os.ErrProcessDone) {
				err = nil
			}
		}
	})
	return err
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// IsBrokenPipe reports whether err is the expected failure of writing to, or
// reading from, a pipe whose other end was killed.
func IsBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "file already closed")
}

// IsKilled reports whether err is the exit status of a process we killed.
func IsKilled(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && (status.Signal() == syscall.SIGKILL || status.Signal() == syscall.SIGPIPE)
}

// stderrTail keeps the last bytes written to it, for error messages.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newStderrTail(max int) *stderrTail { return &stderrTail{max: max} }

func (s *stderrTail) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	if len(s.buf) > s.max {
		s.buf = s.buf[len(s.buf)-s.max:]
	}
	return len(p), nil
}

func (s *stderrTail) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(string(s.buf))
}
