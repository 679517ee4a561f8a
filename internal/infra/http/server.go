package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"github.com/carebridge/gatekeeper/internal/config"
	"github.com/carebridge/gatekeeper/internal/infra/http/middleware"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// Server represents the HTTP server.
type Server struct {
	httpServer   *http.Server
	router       Router
	config       *config.Config
	logger       *logger.Logger
	cleanupFuncs []func() // cleanup functions to call on shutdown
}

// ServerOption is a function that configures the server.
type ServerOption func(*Server)

// WithRouter sets a custom router implementation.
func WithRouter(r Router) ServerOption {
	return func(s *Server) {
		s.router = r
	}
}

// WithCleanup registers a function to run during Shutdown, after the
// listener stops accepting requests.
func WithCleanup(fn func()) ServerOption {
	return func(s *Server) {
		s.cleanupFuncs = append(s.cleanupFuncs, fn)
	}
}

// NewServer creates a new HTTP server with the global middleware installed.
// Routes are registered afterwards through Router().
func NewServer(cfg *config.Config, log *logger.Logger, opts ...ServerOption) *Server {
	s := &Server{
		config: cfg,
		logger: log.With("component", "http_server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.router == nil {
		s.router = NewChiRouter()
	}

	var hsts time.Duration
	if cfg.IsProduction() {
		hsts = 365 * 24 * time.Hour
	}

	accessCfg := middleware.AccessLogConfig{
		SlowThreshold: time.Duration(cfg.Log.SlowRequestSeconds) * time.Second,
	}
	if cfg.Log.SkipHealthLogs {
		accessCfg.SkipPaths = middleware.ProbePaths
	}

	// Request ID first so recovery and the access log can report it.
	global := []Middleware{
		middleware.RequestID(),
		middleware.Recover(log, !cfg.IsProduction()),
		middleware.SecurityHeaders(hsts),
		middleware.Metrics(),
		middleware.AccessLog(log, accessCfg),
		middleware.Limits(middleware.RequestLimits{
			MaxBodyBytes: cfg.Server.MaxBodySize,
			Timeout:      cfg.Server.RequestTimeout,
		}),
	}
	if cfg.Server.DecompressRequests {
		global = append(global, middleware.Decompress(cfg.Server.MaxBodySize))
	}
	s.router.Use(global...)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.router.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       time.Minute,
	}

	return s
}

// Router returns the router for registering handlers.
func (s *Server) Router() Router {
	return s.router
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, capped at SERVER_MAX_CONNECTIONS when set.
func (s *Server) Serve(ln net.Listener) error {
	if limit := s.config.Server.MaxConnections; limit > 0 {
		ln = netutil.LimitListener(ln, limit)
	}

	s.logger.Info("starting HTTP server",
		"addr", ln.Addr().String(),
		"max_connections", s.config.Server.MaxConnections,
	)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server, then runs cleanup functions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	err := s.httpServer.Shutdown(ctx)
	for _, cleanup := range s.cleanupFuncs {
		cleanup()
	}
	if err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}
