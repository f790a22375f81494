/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based cache for external lookups (source
// info and catalog matches) with graceful fallback when Redis is absent.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/models"
)

// Default TTL values for different cache types
const (
	DefaultSourceInfoTTL = 6 * time.Hour
	DefaultMatchTTL      = 24 * time.Hour
	// DefaultMissTTL bounds how long a rejected match is remembered.
	DefaultMissTTL = time.Hour
)

// Key prefixes for Redis cache
const (
	KeyPrefix     = "listenroom:cache:"
	KeySourceInfo = KeyPrefix + "info:"  // + sha1(target)
	KeyMatch      = KeyPrefix + "match:" // + sha1(lowercased title)
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SourceInfoTTL time.Duration
	MatchTTL      time.Duration
	MissTTL       time.Duration

	// Fallback behavior
	DisableOnError bool // If true, disable caching on Redis errors
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		SourceInfoTTL:  DefaultSourceInfoTTL,
		MatchTTL:       DefaultMatchTTL,
		MissTTL:        DefaultMissTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback. A nil *Cache
// behaves like a disabled one.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance. An unreachable Redis yields a disabled
// cache, not an error.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	logger = logger.With().Str("component", "cache").Logger()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		_ = client.Close()
		return Disabled(cfg, logger), nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")
	return &Cache{client: client, logger: logger, config: withDefaults(cfg)}, nil
}

// Disabled returns a cache that never hits.
func Disabled(cfg Config, logger zerolog.Logger) *Cache {
	return &Cache{logger: logger, config: withDefaults(cfg), disabled: true}
}

func withDefaults(cfg Config) Config {
	if cfg.SourceInfoTTL <= 0 {
		cfg.SourceInfoTTL = DefaultSourceInfoTTL
	}
	if cfg.MatchTTL <= 0 {
		cfg.MatchTTL = DefaultMatchTTL
	}
	if cfg.MissTTL <= 0 {
		cfg.MissTTL = DefaultMissTTL
	}
	return cfg
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c != nil && c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

// get retrieves a value from cache and unmarshals it.
func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}

	return true, nil
}

// set stores a value in cache with TTL.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

// deletePattern deletes all keys matching a pattern.
func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	if !c.IsAvailable() {
		return nil
	}

	// Use SCAN to find keys (safer than KEYS for production)
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete_batch")
				return err
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return nil
}

// Digest hashes a free-form lookup key into a fixed-length key suffix.
func Digest(s string) string {
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(s))))
	return hex.EncodeToString(sum[:])
}

// Source info caching

// GetSourceInfo returns a cached info document for target.
func (c *Cache) GetSourceInfo(ctx context.Context, target string) (*models.SourceInfo, bool) {
	var info models.SourceInfo
	found, err := c.get(ctx, KeySourceInfo+Digest(target), &info)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("target", target).Msg("source info cache hit")
	return &info, true
}

// SetSourceInfo caches an info document. Playlists are not cached; their
// contents change.
func (c *Cache) SetSourceInfo(ctx context.Context, target string, info *models.SourceInfo) error {
	if !c.IsAvailable() || info == nil || info.IsPlaylist() && !strings.HasPrefix(target, models.SearchPrefix) {
		return nil
	}
	return c.set(ctx, KeySourceInfo+Digest(target), info, c.config.SourceInfoTTL)
}

// Catalog match caching

// CachedMatch is a remembered catalog lookup. Found is false for a lookup
// that was rejected, so it is not repeated.
type CachedMatch struct {
	Found    bool   `json:"found"`
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	CoverArt string `json:"cover_art,omitempty"`
}

// GetMatch returns a cached catalog match for rawTitle.
func (c *Cache) GetMatch(ctx context.Context, rawTitle string) (*CachedMatch, bool) {
	var m CachedMatch
	found, err := c.get(ctx, KeyMatch+Digest(rawTitle), &m)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("title", rawTitle).Bool("found", m.Found).Msg("match cache hit")
	return &m, true
}

// SetMatch caches a catalog match or miss.
func (c *Cache) SetMatch(ctx context.Context, rawTitle string, m *CachedMatch) error {
	if !c.IsAvailable() {
		return nil
	}
	ttl := c.config.MatchTTL
	if !m.Found {
		ttl = c.config.MissTTL
	}
	return c.set(ctx, KeyMatch+Digest(rawTitle), m, ttl)
}

// FlushAll removes all cached data (use sparingly).
func (c *Cache) FlushAll(ctx context.Context) error {
	if !c.IsAvailable() {
		return nil
	}
	c.logger.Warn().Msg("flushing all cache data")
	return c.deletePattern(ctx, KeyPrefix+"*")
}
