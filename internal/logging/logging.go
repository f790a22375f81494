/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/friendsincode/listenroom/internal/logbuffer"
)

// Setup configures zerolog for the process. buf may be nil; otherwise every
// line is also captured there.
func Setup(environment string, buf *logbuffer.Buffer) zerolog.Logger {
	return SetupWithWriter(environment, os.Stdout, buf)
}

// SetupWithWriter configures zerolog to write to out. Production output is
// JSON; every other environment gets the console writer.
func SetupWithWriter(environment string, out io.Writer, buf *logbuffer.Buffer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if environment == "development" {
		level = zerolog.DebugLevel
	}

	writer := out
	if environment != "production" {
		writer = zerolog.ConsoleWriter{Out: out}
	}
	// The capture writer sits in front of the console writer so it still
	// sees JSON.
	if buf != nil {
		writer = logbuffer.NewWriter(buf, writer)
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(level)
	log.Logger = logger
	return logger
}
