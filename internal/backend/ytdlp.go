/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/models"
	"github.com/friendsincode/listenroom/internal/telemetry"
)

// ErrRateLimited marks failures caused by the upstream throttling us.
var ErrRateLimited = errors.New("rate limited")

// StreamRequest describes an audio fetch.
type StreamRequest struct {
	Target string
	// Args overrides the default fetch arguments when set.
	Args []string
	// Dir is the working directory for the fetch; created by the caller.
	Dir string
	// Stdout receives the fetched bytes. The backend does not close it.
	Stdout *os.File
}

// Backend resolves source info and starts fetches.
type Backend interface {
	Info(ctx context.Context, target string) (*models.SourceInfo, error)
	// Stream starts a fetch process. The process is not bound to ctx; the
	// caller owns its lifecycle.
	Stream(ctx context.Context, req StreamRequest) (Process, error)
}

// YTDLPConfig configures the yt-dlp backend.
type YTDLPConfig struct {
	Bin         string
	CookiesPath string
	PlaylistEnd int
}

// YTDLP runs yt-dlp subprocesses.
type YTDLP struct {
	cfg    YTDLPConfig
	logger zerolog.Logger
}

// NewYTDLP creates a yt-dlp backend.
func NewYTDLP(cfg YTDLPConfig, logger zerolog.Logger) *YTDLP {
	if cfg.Bin == "" {
		cfg.Bin = "yt-dlp"
	}
	if cfg.PlaylistEnd <= 0 {
		cfg.PlaylistEnd = 100
	}
	return &YTDLP{cfg: cfg, logger: logger.With().Str("component", "ytdlp").Logger()}
}

func (y *YTDLP) cookieArgs() []string {
	if y.cfg.CookiesPath == "" {
		return nil
	}
	if _, err := os.Stat(y.cfg.CookiesPath); err != nil {
		return nil
	}
	return []string{"--cookies", y.cfg.CookiesPath}
}

// InfoArgs builds the argument list of an info lookup.
func (y *YTDLP) InfoArgs(target string) []string {
	args := y.cookieArgs()
	return append(args,
		"--dump-single-json",
		"--flat-playlist",
		"--extractor-args", "youtubetab:skip=authcheck",
		"--playlist-end", strconv.Itoa(y.cfg.PlaylistEnd),
		"--no-cache-dir",
		target,
	)
}

// FetchArgs builds the argument list of an audio fetch writing to stdout.
func (y *YTDLP) FetchArgs(target string) []string {
	args := y.cookieArgs()
	return append(args, "-f", "bestaudio/best", "-o", "-", target)
}

// Info runs a blocking metadata lookup.
func (y *YTDLP) Info(ctx context.Context, target string) (*models.SourceInfo, error) {
	var stdout bytes.Buffer
	stderr := newStderrTail(4096)

	cmd := exec.CommandContext(ctx, y.cfg.Bin, y.InfoArgs(target)...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(fmt.Errorf("yt-dlp exited: %w: %s", err, stderr.String()))
	}

	var info models.SourceInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("parse yt-dlp json: %w", err)
	}
	return &info, nil
}

// Stream starts a fetch. Output goes to req.Stdout when set, otherwise to
// the returned process's Stdout.
func (y *YTDLP) Stream(_ context.Context, req StreamRequest) (Process, error) {
	args := req.Args
	if len(args) == 0 {
		args = y.FetchArgs(req.Target)
	}

	logger := y.logger.With().Str("target", req.Target).Logger()
	cmd := exec.Command(y.cfg.Bin, args...)
	cmd.Dir = req.Dir
	cmd.Stderr = logWriter{logger: logger}
	if req.Stdout != nil {
		cmd.Stdout = req.Stdout
	}

	proc, err := startProcess(cmd, req.Stdout == nil, telemetry.PipelineProcesses.Dec)
	if err != nil {
		return nil, err
	}
	telemetry.PipelineProcesses.Inc()
	return proc, nil
}

// classify tags rate-limit failures with ErrRateLimited.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrRateLimited) {
		return err
	}
	if HasRateLimitMarker(err.Error()) {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return err
}

// HasRateLimitMarker reports whether a failure message carries an HTTP 429.
func HasRateLimitMarker(msg string) bool {
	return strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests")
}

// FFmpeg decodes arbitrary input into mono s16le PCM at 48 kHz.
type FFmpeg struct {
	Bin string
}

// TranscodeArgs is the decoder command line reading stdin and writing stdout.
func TranscodeArgs() []string {
	return []string{"-hide_banner", "-loglevel", "error", "-i", "pipe:0", "-f", "s16le", "-ac", "1", "-ar", "48000", "pipe:1"}
}

// Start launches the decoder reading from stdin.
func (f FFmpeg) Start(_ context.Context, stdin *os.File) (Process, error) {
	bin := f.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, TranscodeArgs()...)
	cmd.Stdin = stdin

	proc, err := startProcess(cmd, true, telemetry.PipelineProcesses.Dec)
	if err != nil {
		return nil, err
	}
	telemetry.PipelineProcesses.Inc()
	return proc, nil
}

// logWriter forwards subprocess stderr lines to the logger.
type logWriter struct {
	logger zerolog.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.logger.Debug().Str("stderr", line).Msg("yt-dlp")
		}
	}
	return len(p), nil
}
