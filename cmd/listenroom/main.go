/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/listenroom/internal/config"
	"github.com/friendsincode/listenroom/internal/logbuffer"
	"github.com/friendsincode/listenroom/internal/logging"
	"github.com/friendsincode/listenroom/internal/server"
	"github.com/friendsincode/listenroom/internal/telemetry"
	"github.com/friendsincode/listenroom/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
	logBuf *logbuffer.Buffer

	envFile      string
	checkRelease bool
	flushCache   bool
)

var rootCmd = &cobra.Command{
	Use:   "listenroom",
	Short: "listenroom - shared listening rooms",
	Long:  "listenroom serves rooms where everyone hears the same track at the same moment, queued from YouTube links, searches and Spotify playlists.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the listenroom server",
	Long:  "Start the HTTP API, the room socket and the background enrichment workers",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE:  runVersion,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	serveCmd.Flags().BoolVar(&flushCache, "flush-cache", false, "drop every cached lookup before serving")
	versionCmd.Flags().BoolVar(&checkRelease, "check", false, "check GitHub for a newer release")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBuf = logbuffer.New(cfg.LogBufferSize)
	logger = logging.Setup(cfg.Environment, logBuf)
	return nil
}

func runVersion(cmd *cobra.Command, args []string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "listenroom %s\n", version.Version)
	if !checkRelease {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	rel, err := version.Latest(ctx, nil, "")
	if err != nil {
		return err
	}
	if rel.UpdateAvailable {
		fmt.Fprintf(cmd.OutOrStdout(), "newer release %s available: %s\n", rel.Version, rel.URL)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "up to date")
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if flushCache {
		cfg.CacheFlushOnStart = true
	}

	logger.Info().Str("version", version.Version).Msg("listenroom starting")

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "listenroom",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	srv, err := server.New(cfg, logBuf, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	httpServer := srv.HTTPServer()

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown cleanup failed")
	}

	logger.Info().Msg("listenroom stopped")
	return nil
}
