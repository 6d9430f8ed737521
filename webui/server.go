// Package webui is the HTTP and websocket surface of the thumbnail studio.
// This file contains the Server that wires routes, auth, rate limiting
// and request logging together.
package webui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"thumbgen/dispatch"
	"thumbgen/logging"
	"thumbgen/metrics"
	"thumbgen/quota"
	"thumbgen/studio"
)

// ServerConfig configures the Server.
type ServerConfig struct {
	// Port to listen on (default: 3000)
	Port int

	// Host to bind to (default: "localhost")
	Host string

	// ReadTimeout for HTTP requests (default: 30s)
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses (default: 30s). Websocket
	// connections are hijacked and not subject to it.
	WriteTimeout time.Duration

	// IdleTimeout for keep-alive connections (default: 120s)
	IdleTimeout time.Duration

	// LogSkipPaths are paths to skip logging
	LogSkipPaths []string

	DefaultStatsLimit int
	MaxStatsLimit     int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:              3000,
		Host:              "localhost",
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		LogSkipPaths:      []string{"/health", "/metrics"},
		DefaultStatsLimit: 20,
		MaxStatsLimit:     100,
	}
}

// Deps are the collaborators the Server routes to.
type Deps struct {
	Studio     *studio.Studio
	Ledger     *quota.Ledger
	Dispatcher *dispatch.Dispatcher
	Stats      *metrics.Store
	Prometheus *metrics.Prometheus
	Hub        *Hub
	Auth       *Authenticator
	// Limiter throttles credit-consuming requests and edits. Nil disables it.
	Limiter *RateLimiter
	// Draining reports whether shutdown has begun.
	Draining func() bool
	Logger   *logging.Logger
}

// Server is the HTTP server of the studio.
//
// Routes:
//   - GET /health and GET /metrics are public
//   - everything under /api and /ws needs a bearer token
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	config     ServerConfig
	logger     *logging.Logger
	schemas    schemas

	studio     *studio.Studio
	ledger     *quota.Ledger
	dispatcher *dispatch.Dispatcher
	stats      *metrics.Store
	prom       *metrics.Prometheus
	hub        *Hub
	auth       *Authenticator
	limiter    *RateLimiter
	draining   func() bool
}

// NewServer creates a Server and registers its routes.
func NewServer(config ServerConfig, deps Deps) (*Server, error) {
	switch {
	case deps.Studio == nil:
		return nil, errors.New("webui: studio is required")
	case deps.Ledger == nil:
		return nil, errors.New("webui: ledger is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("webui: dispatcher is required")
	case deps.Auth == nil:
		return nil, errors.New("webui: authenticator is required")
	case deps.Hub == nil:
		return nil, errors.New("webui: hub is required")
	}
	def := DefaultServerConfig()
	if config.DefaultStatsLimit <= 0 {
		config.DefaultStatsLimit = def.DefaultStatsLimit
	}
	if config.MaxStatsLimit < config.DefaultStatsLimit {
		config.MaxStatsLimit = def.MaxStatsLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if deps.Stats == nil {
		deps.Stats = metrics.NewStore(metrics.DefaultStoreConfig(), time.Now())
	}
	if deps.Prometheus == nil {
		deps.Prometheus = metrics.NewPrometheus()
	}

	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	s := &Server{
		mux:        http.NewServeMux(),
		config:     config,
		logger:     logger.Named("webui"),
		schemas:    compiled,
		studio:     deps.Studio,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		stats:      deps.Stats,
		prom:       deps.Prometheus,
		hub:        deps.Hub,
		auth:       deps.Auth,
		limiter:    deps.Limiter,
		draining:   deps.Draining,
	}
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	loggingMw := NewLoggingMiddleware(s.logger, s.prom, config.LogSkipPaths...)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      loggingMw.Handler(s.mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	s.logger.Info("webui server created",
		zap.String("addr", addr),
		zap.Bool("rate_limited", s.limiter != nil))
	return s, nil
}

// setupRoutes configures all the HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.prom.Handler())

	s.handle("GET /ws", s.handleWebSocket)

	s.handle("GET /api/session", s.withSession(s.handleGetSession))
	s.handle("POST /api/session/reset", s.withSession(s.handleReset))
	s.handle("GET /api/quota", s.withSession(s.handleQuota))

	s.handle("POST /api/generate", s.limit("generate", s.withSession(s.handleGenerate)))
	s.handle("POST /api/pro", s.limit("pro", s.withSession(s.handlePro)))
	s.handle("POST /api/recreate", s.limit("recreate", s.withSession(s.handleRecreate)))
	s.handle("POST /api/confirm", s.withSession(s.handleConfirm))
	s.handle("POST /api/cancel", s.withSession(s.handleCancel))

	s.handle("POST /api/edit/filter", s.limit("filter", s.withSession(s.handleFilter)))
	s.handle("POST /api/edit/background", s.limit("background", s.withSession(s.handleBackground)))
	s.handle("POST /api/edit/custom-background", s.limit("custom-background", s.withSession(s.handleCustomBackground)))
	s.handle("POST /api/edit/upscale", s.limit("upscale", s.withSession(s.handleUpscale)))

	s.handle("POST /api/variations/{index}/select", s.withSession(s.handleSelect))
	s.handle("PUT /api/text", s.withSession(s.handleText))
	s.handle("POST /api/undo", s.withSession(s.handleUndo))
	s.handle("POST /api/redo", s.withSession(s.handleRedo))

	s.handle("GET /api/stats", s.handleStats)
	s.handle("POST /api/billing/activate", RequireRole(RoleBilling, s.handleActivate))
}

// handle registers an authenticated route.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.auth.Middleware(h))
}

func (s *Server) limit(route string, h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return s.limiter.limited(route, func(route string) {
		s.prom.RateLimited.WithLabelValues(route).Inc()
		s.logger.Debug("request rate limited", zap.String("route", route))
	}, h)
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer returns the underlying server for shutdown registration.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Addr returns the server's address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start listens until the server is shut down. It also sweeps idle rate
// limiter entries until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.limiter != nil {
		go s.sweepLimiter(ctx)
	}
	s.logger.Info("webui server starting", zap.String("addr", s.httpServer.Addr))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

func (s *Server) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Cleanup(); n > 0 {
				s.logger.Debug("swept idle rate limiters", zap.Int("removed", n))
			}
		}
	}
}
