/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ResolverBackend selects how info lookups are served.
type ResolverBackend string

const (
	// ResolverYTDLP sends every info lookup through yt-dlp.
	ResolverYTDLP ResolverBackend = "ytdlp"
	// ResolverAuto tries the native YouTube client for plain watch/playlist
	// URLs and falls back to yt-dlp.
	ResolverAuto ResolverBackend = "auto"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	LogBufferSize int // Recent log lines kept for /api/logs

	// Acquisition backend
	YTDLPBin        string
	FFmpegBin       string
	CookiesPath     string // Passed to yt-dlp --cookies when the file exists
	TempDir         string // Root for per-request fetch working dirs
	ResolverBackend ResolverBackend

	// Task queue
	TaskMaxConcurrent    int
	TaskMaxPerSecond     int
	TaskMaxRetries       int
	TaskRetryBaseDelay   time.Duration
	TaskRetryJitter      time.Duration
	PlaylistEntriesLimit int // yt-dlp --playlist-end

	// Enrichment schedulers
	MetadataStepDelay time.Duration
	SourceStepDelay   time.Duration
	ImportStepDelay   time.Duration

	// Room lifecycle
	EmptyRoomTTL  time.Duration
	SweepInterval time.Duration

	// Catalog lookups
	MusicBrainzUserAgent string
	SpotifyClientID      string
	SpotifyClientSecret  string

	// Lookup cache
	CacheEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// CacheFlushOnStart drops cached lookups before the server starts.
	CacheFlushOnStart bool

	// Event export
	NATSURL           string
	NATSSubjectPrefix string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// WebRTC configuration
	WebRTCEnabled      bool
	WebRTCSTUNURL      string
	WebRTCTURNURL      string
	WebRTCTURNUsername string
	WebRTCTURNPassword string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"LISTENROOM_ENV", "ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"LISTENROOM_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"LISTENROOM_HTTP_PORT", "PORT"}, 3000),

		LogBufferSize: getEnvIntAny([]string{"LISTENROOM_LOG_BUFFER_SIZE"}, 2000),

		YTDLPBin:        getEnvAny([]string{"LISTENROOM_YTDLP_BIN"}, "yt-dlp"),
		FFmpegBin:       getEnvAny([]string{"LISTENROOM_FFMPEG_BIN"}, "ffmpeg"),
		CookiesPath:     getEnvAny([]string{"LISTENROOM_COOKIES_PATH"}, "cookies.txt"),
		TempDir:         getEnvAny([]string{"LISTENROOM_TEMP_DIR"}, os.TempDir()),
		ResolverBackend: ResolverBackend(strings.ToLower(getEnvAny([]string{"LISTENROOM_RESOLVER_BACKEND"}, string(ResolverYTDLP)))),

		TaskMaxConcurrent:    getEnvIntAny([]string{"LISTENROOM_TASK_MAX_CONCURRENT"}, 2),
		TaskMaxPerSecond:     getEnvIntAny([]string{"LISTENROOM_TASK_MAX_PER_SECOND"}, 3),
		TaskMaxRetries:       getEnvIntAny([]string{"LISTENROOM_TASK_MAX_RETRIES"}, 5),
		TaskRetryBaseDelay:   getEnvDurationAny([]string{"LISTENROOM_TASK_RETRY_DELAY"}, 5*time.Second),
		TaskRetryJitter:      getEnvDurationAny([]string{"LISTENROOM_TASK_RETRY_JITTER"}, 2*time.Second),
		PlaylistEntriesLimit: getEnvIntAny([]string{"LISTENROOM_PLAYLIST_LIMIT"}, 100),

		MetadataStepDelay: getEnvDurationAny([]string{"LISTENROOM_METADATA_DELAY"}, 1500*time.Millisecond),
		SourceStepDelay:   getEnvDurationAny([]string{"LISTENROOM_SOURCE_DELAY"}, 1500*time.Millisecond),
		ImportStepDelay:   getEnvDurationAny([]string{"LISTENROOM_IMPORT_DELAY"}, 500*time.Millisecond),

		EmptyRoomTTL:  getEnvDurationAny([]string{"LISTENROOM_EMPTY_ROOM_TTL"}, 5*time.Minute),
		SweepInterval: getEnvDurationAny([]string{"LISTENROOM_SWEEP_INTERVAL"}, time.Minute),

		MusicBrainzUserAgent: getEnvAny([]string{"LISTENROOM_MUSICBRAINZ_USER_AGENT"}, "listenroom/1.0 ( https://github.com/friendsincode/listenroom )"),
		SpotifyClientID:      getEnvAny([]string{"LISTENROOM_SPOTIFY_CLIENT_ID", "SPOTIFY_CLIENT_ID"}, ""),
		SpotifyClientSecret:  getEnvAny([]string{"LISTENROOM_SPOTIFY_CLIENT_SECRET", "SPOTIFY_CLIENT_SECRET"}, ""),

		CacheEnabled:  getEnvBoolAny([]string{"LISTENROOM_CACHE_ENABLED"}, false),
		RedisAddr:     getEnvAny([]string{"LISTENROOM_REDIS_ADDR", "REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"LISTENROOM_REDIS_PASSWORD", "REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"LISTENROOM_REDIS_DB"}, 0),

		NATSURL:           getEnvAny([]string{"LISTENROOM_NATS_URL", "NATS_URL"}, ""),
		NATSSubjectPrefix: getEnvAny([]string{"LISTENROOM_NATS_SUBJECT_PREFIX"}, "listenroom.events"),

		TracingEnabled:    getEnvBoolAny([]string{"LISTENROOM_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"LISTENROOM_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"LISTENROOM_TRACING_SAMPLE_RATE"}, 1.0),

		WebRTCEnabled:      getEnvBoolAny([]string{"LISTENROOM_WEBRTC_ENABLED", "WEBRTC_ENABLED"}, true),
		WebRTCSTUNURL:      getEnvAny([]string{"LISTENROOM_WEBRTC_STUN_URL", "WEBRTC_STUN_URL"}, "stun:stun.l.google.com:19302"),
		WebRTCTURNURL:      getEnvAny([]string{"LISTENROOM_WEBRTC_TURN_URL", "WEBRTC_TURN_URL"}, ""),
		WebRTCTURNUsername: getEnvAny([]string{"LISTENROOM_WEBRTC_TURN_USERNAME", "WEBRTC_TURN_USERNAME"}, ""),
		WebRTCTURNPassword: getEnvAny([]string{"LISTENROOM_WEBRTC_TURN_PASSWORD", "WEBRTC_TURN_PASSWORD"}, ""),
	}

	if cfg.TaskMaxConcurrent < 1 {
		return nil, fmt.Errorf("LISTENROOM_TASK_MAX_CONCURRENT must be at least 1, got %d", cfg.TaskMaxConcurrent)
	}
	if cfg.TaskMaxPerSecond < 1 {
		return nil, fmt.Errorf("LISTENROOM_TASK_MAX_PER_SECOND must be at least 1, got %d", cfg.TaskMaxPerSecond)
	}
	if cfg.TaskMaxRetries < 0 {
		return nil, fmt.Errorf("LISTENROOM_TASK_MAX_RETRIES must not be negative")
	}
	if cfg.ResolverBackend != ResolverYTDLP && cfg.ResolverBackend != ResolverAuto {
		return nil, fmt.Errorf("unsupported resolver backend %q", cfg.ResolverBackend)
	}
	if cfg.SweepInterval <= 0 || cfg.EmptyRoomTTL <= 0 {
		return nil, fmt.Errorf("room sweep interval and empty room TTL must be positive")
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if cfg.WebRTCTURNURL != "" && (cfg.WebRTCTURNUsername == "" || cfg.WebRTCTURNPassword == "") {
			return nil, fmt.Errorf("LISTENROOM_WEBRTC_TURN_USERNAME and LISTENROOM_WEBRTC_TURN_PASSWORD are required when TURN is enabled in production")
		}
	}

	return cfg, nil
}

// SpotifyEnabled reports whether catalog import credentials are configured.
func (c *Config) SpotifyEnabled() bool {
	return c != nil && c.SpotifyClientID != "" && c.SpotifyClientSecret != ""
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvDurationAny accepts Go duration strings ("1500ms") or bare integers
// interpreted as milliseconds.
func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		v := strings.TrimSpace(os.Getenv(k))
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
