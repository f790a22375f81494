/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/listenroom/internal/api"
	"github.com/friendsincode/listenroom/internal/backend"
	"github.com/friendsincode/listenroom/internal/cache"
	"github.com/friendsincode/listenroom/internal/config"
	"github.com/friendsincode/listenroom/internal/enrich"
	"github.com/friendsincode/listenroom/internal/eventbus"
	"github.com/friendsincode/listenroom/internal/events"
	"github.com/friendsincode/listenroom/internal/logbuffer"
	"github.com/friendsincode/listenroom/internal/media"
	"github.com/friendsincode/listenroom/internal/musicbrainz"
	"github.com/friendsincode/listenroom/internal/room"
	"github.com/friendsincode/listenroom/internal/spotify"
	"github.com/friendsincode/listenroom/internal/taskqueue"
	"github.com/friendsincode/listenroom/internal/telemetry"
	"github.com/friendsincode/listenroom/internal/webrtc"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error
	logBuffer  *logbuffer.Buffer

	bus      *events.Bus
	cache    *cache.Cache
	queue    *taskqueue.Queue
	rooms    *room.Manager
	metadata *enrich.Scheduler[string]
	sources  *enrich.Scheduler[string]
	imports  *enrich.Scheduler[*enrich.ImportJob]
	exporter *eventbus.Exporter
	api      *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies. logBuf may be nil.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("listenroom-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Room sockets are long lived; everything else gets a deadline.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		logBuffer: logBuf,
		bus:       events.NewBus(),
	}

	if err := srv.initDependencies(); err != nil {
		srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays 0 for the room sockets; the middleware timeout
		// covers plain requests.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self' 'unsafe-inline' data: blob: https:; connect-src 'self' ws: wss:; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	if s.cfg.CacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = s.cfg.RedisAddr
		cacheCfg.RedisPassword = s.cfg.RedisPassword
		cacheCfg.RedisDB = s.cfg.RedisDB
		c, err := cache.New(cacheCfg, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
		} else {
			s.cache = c
			s.DeferClose(c.Close)
			if s.cfg.CacheFlushOnStart {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := c.FlushAll(ctx); err != nil {
					s.logger.Warn().Err(err).Msg("cache flush failed")
				}
				cancel()
			}
		}
	}

	ytdlp := backend.NewYTDLP(backend.YTDLPConfig{
		Bin:         s.cfg.YTDLPBin,
		CookiesPath: s.cfg.CookiesPath,
		PlaylistEnd: s.cfg.PlaylistEntriesLimit,
	}, s.logger)
	var acquire backend.Backend = ytdlp
	if s.cfg.ResolverBackend == config.ResolverAuto {
		acquire = backend.NewNative(ytdlp, s.logger)
	}
	s.logger.Info().Str("backend", string(s.cfg.ResolverBackend)).Msg("acquisition backend ready")

	s.queue = taskqueue.New(acquire, taskqueue.Config{
		MaxConcurrent:  s.cfg.TaskMaxConcurrent,
		MaxPerSecond:   s.cfg.TaskMaxPerSecond,
		MaxRetries:     s.cfg.TaskMaxRetries,
		RetryBaseDelay: s.cfg.TaskRetryBaseDelay,
		RetryJitter:    s.cfg.TaskRetryJitter,
		Window:         time.Second,
	}, s.logger)

	decoder := backend.FFmpeg{Bin: s.cfg.FFmpegBin}
	pipelineCfg := media.Config{TempRoot: s.cfg.TempDir, FetchArgs: ytdlp.FetchArgs}
	s.rooms = room.NewManager(room.ManagerConfig{
		Resolver: s.queue,
		NewPipeline: func(roomID string) room.Pipeline {
			return media.New(roomID, s.queue, decoder, pipelineCfg, s.logger)
		},
		Bus:           s.bus,
		EmptyTTL:      s.cfg.EmptyRoomTTL,
		SweepInterval: s.cfg.SweepInterval,
	}, s.logger)

	mbCfg := musicbrainz.DefaultConfig()
	mbCfg.UserAgent = s.cfg.MusicBrainzUserAgent
	matcher := musicbrainz.New(mbCfg, s.cache, s.logger)

	s.metadata = enrich.NewMetadata(s.rooms, matcher, s.cfg.MetadataStepDelay, nil, s.logger)
	s.sources = enrich.NewSource(s.rooms, s.queue, s.cache, s.cfg.SourceStepDelay, nil, s.logger)
	forget := []room.Forgetter{s.metadata, s.sources}

	deps := api.Deps{
		Rooms:    s.rooms,
		Resolver: s.queue,
		Matcher:  matcher,
	}
	if s.logBuffer != nil {
		deps.Logs = s.logBuffer
	}

	if s.cfg.SpotifyEnabled() {
		sp, err := spotify.New(context.Background(), spotify.Config{
			ClientID:     s.cfg.SpotifyClientID,
			ClientSecret: s.cfg.SpotifyClientSecret,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("spotify client: %w", err)
		}
		s.imports = enrich.NewImport(s.rooms, sp, s.bus, s.cfg.ImportStepDelay, nil, s.logger)
		forget = append(forget, s.imports)
		deps.Importer = s.imports
	} else {
		s.logger.Info().Msg("spotify credentials not set, playlist import disabled")
	}
	s.rooms.SetNotifiers(s.metadata, s.sources, forget...)

	if s.cfg.WebRTCEnabled {
		engine, err := webrtc.NewEngine(webrtc.Config{
			STUNServer:   s.cfg.WebRTCSTUNURL,
			TURNServer:   s.cfg.WebRTCTURNURL,
			TURNUsername: s.cfg.WebRTCTURNUsername,
			TURNPassword: s.cfg.WebRTCTURNPassword,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("webrtc engine: %w", err)
		}
		deps.RTC = engine
	}

	if s.cfg.NATSURL != "" {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		natsCfg.SubjectPrefix = s.cfg.NATSSubjectPrefix
		exp, err := eventbus.Connect(natsCfg, s.bus, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("nats unavailable, event export disabled")
		} else {
			s.exporter = exp
			s.DeferClose(exp.Close)
		}
	}

	s.api = api.New(deps, s.logger)
	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	if s.rooms != nil {
		s.rooms.Close()
	}
	if s.queue != nil {
		s.queue.Close()
	}
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.goWorker(func() { s.rooms.Run(ctx) })
	s.goWorker(func() { s.metadata.Run(ctx) })
	s.goWorker(func() { s.sources.Run(ctx) })
	if s.imports != nil {
		s.goWorker(func() { s.imports.Run(ctx) })
	}
	if s.exporter != nil {
		s.goWorker(func() { s.exporter.Run(ctx) })
	}
}

func (s *Server) goWorker(fn func()) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		fn()
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

type schedulerStat struct {
	name    string
	pending func() int
}

func (s *Server) schedulers() []schedulerStat {
	stats := []schedulerStat{
		{s.metadata.Name(), s.metadata.Pending},
		{s.sources.Name(), s.sources.Pending},
	}
	if s.imports != nil {
		stats = append(stats, schedulerStat{s.imports.Name(), s.imports.Pending})
	}
	return stats
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pending := map[string]int{}
		for _, sch := range s.schedulers() {
			pending[sch.name] = sch.pending()
		}
		resp := struct {
			Status string `json:"status"`
			room.Totals
			TasksPending     int            `json:"tasks_pending"`
			EnrichersPending map[string]int `json:"enrichers_pending"`
		}{
			Status:           "ok",
			Totals:           s.rooms.Totals(),
			TasksPending:     s.queue.Len(),
			EnrichersPending: pending,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.api.Routes(s.router)
}
