// Package server exposes the engine over HTTP: batch execution, hook and
// schedule listings, execution history, engine stats, Prometheus metrics,
// and a live websocket event feed.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/perfectuser21/grapnel/internal/config"
	"github.com/perfectuser21/grapnel/internal/events"
	"github.com/perfectuser21/grapnel/internal/history"
	"github.com/perfectuser21/grapnel/internal/hooks"
	"github.com/perfectuser21/grapnel/internal/metrics"
	"github.com/perfectuser21/grapnel/internal/scheduler"
)

type Server struct {
	cfg      config.ServerConfig
	engine   *hooks.Engine
	registry *hooks.Registry

	history  *history.Store
	hub      *events.Hub
	sched    *scheduler.Scheduler
	tokens   *TokenService
	webhooks map[string]config.WebhookConfig

	router     *chi.Mux
	httpServer *http.Server
	startedAt  time.Time
}

type Option func(*Server)

// WithHistory enables the /api/executions endpoints.
func WithHistory(store *history.Store) Option {
	return func(s *Server) {
		s.history = store
	}
}

// WithHub enables the /api/events websocket feed.
func WithHub(hub *events.Hub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithScheduler enables the /api/schedules listing.
func WithScheduler(sched *scheduler.Scheduler) Option {
	return func(s *Server) {
		s.sched = sched
	}
}

// WithWebhooks enables the /webhooks/{name} trigger endpoints.
func WithWebhooks(cfgs []config.WebhookConfig) Option {
	return func(s *Server) {
		s.webhooks = make(map[string]config.WebhookConfig, len(cfgs))
		for _, cfg := range cfgs {
			s.webhooks[cfg.Name] = cfg
		}
	}
}

func New(cfg config.ServerConfig, engine *hooks.Engine, registry *hooks.Registry, opts ...Option) *Server {
	srv := &Server{
		cfg:       cfg,
		engine:    engine,
		registry:  registry,
		startedAt: time.Now(),
	}

	for _, opt := range opts {
		opt(srv)
	}

	if cfg.Auth.Secret != "" {
		srv.tokens = NewTokenService(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	} else {
		log.Warn().Msg("API authentication disabled, no auth secret configured")
	}

	srv.router = srv.setupRoutes()
	srv.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      srv.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return srv
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Webhook triggers authenticate with their own HMAC signature, not the
	// API bearer token.
	r.Post("/webhooks/{name}", s.handleWebhook)

	// Protected API.
	r.Route("/api", func(r chi.Router) {
		if s.tokens != nil {
			r.Use(s.tokens.Middleware)
		}
		r.Get("/hooks", s.handleHooks)
		r.Post("/execute", s.handleExecute)
		r.Get("/stats", s.handleStats)
		r.Get("/schedules", s.handleSchedules)
		r.Get("/executions", s.handleExecutions)
		r.Get("/executions/{id}", s.handleExecution)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// requestLogger logs every request and feeds the HTTP metrics. The metrics
// path label uses the chi route pattern so cardinality stays bounded.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.RecordHTTPRequest(r.Method, pattern, ww.Status(), duration)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", duration).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.cfg.Address()).
		Bool("auth", s.tokens != nil).
		Msg("API server starting")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}
