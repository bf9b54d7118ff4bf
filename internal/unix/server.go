// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keystore.
//
// go-keystore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package unix serves the keystore over a Unix domain socket. Callers are
// identified by the peer credentials of their connection.
package unix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keystore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keystore/pkg/correlation"
	"github.com/jeremyhahn/go-keystore/pkg/health"
	"github.com/jeremyhahn/go-keystore/pkg/keystore"
	"github.com/jeremyhahn/go-keystore/pkg/metrics"
	"github.com/jeremyhahn/go-keystore/pkg/ratelimit"
)

// DefaultSocketPath is the default path for the Unix socket
const DefaultSocketPath = "/run/keystore/keystore.sock"

// Config holds the Unix socket server configuration
type Config struct {
	// SocketPath is the path to the Unix socket file
	SocketPath string

	// SocketMode is the file mode for the socket (default: 0666). Access
	// control is done per caller uid, so every local user may connect.
	SocketMode os.FileMode

	KeyStore *keystore.KeyStore

	// Health is optional; without it /health always reports healthy.
	Health *health.Checker

	// RateLimit throttles unlock and password changes per caller uid.
	RateLimit *ratelimit.Config

	// MetricsPath exposes Prometheus metrics when non-empty.
	MetricsPath string

	// Audit receives every answered API request when set.
	Audit audit.Auditor

	// AuditLog serves its recent events at /audit when set. Only root and
	// the uid the daemon runs as may read it.
	AuditLog *audit.MemoryAuditor

	Logger logger.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server represents the Unix domain socket server
type Server struct {
	config   *Config
	server   *http.Server
	listener net.Listener
	router   chi.Router
	limiter  *ratelimit.Limiter
	logger   logger.Logger
	ready    chan struct{}
	mu       sync.RWMutex
}

// NewServer creates a new Unix socket server
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.KeyStore == nil {
		return nil, fmt.Errorf("keystore is required")
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = 0666
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		router:  chi.NewRouter(),
		limiter: ratelimit.New(cfg.RateLimit),
		ready:   make(chan struct{}),
	}
	s.setupRoutes()
	return s, nil
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	h := &handlers{
		ks:      s.config.KeyStore,
		checker: s.config.Health,
		audit:   s.config.Audit,
		events:  s.config.AuditLog,
		owner:   uint32(os.Getuid()),
		log:     s.logger,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(escapedRoutePath)
	s.router.Use(correlation.Middleware)
	s.router.Use(metrics.HTTPMiddleware)

	s.router.Get("/health", h.health)
	s.router.Get("/health/live", h.live)
	s.router.Get("/health/ready", h.ready)
	s.router.Get("/health/startup", h.startup)
	if s.config.MetricsPath != "" {
		s.router.Handle(s.config.MetricsPath, promhttp.Handler())
	}
	if s.config.AuditLog != nil {
		s.router.With(requireCaller).Get("/audit", h.auditEvents)
	}

	throttle := ratelimit.Middleware(s.limiter, func(r *http.Request) (uint32, bool) {
		return CallerFromContext(r.Context())
	})

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(requireCaller)

		r.Get("/test", h.test)
		r.Post("/reset", h.reset)
		r.With(throttle).Post("/password", h.password)
		r.Post("/lock", h.lock)
		r.With(throttle).Post("/unlock", h.unlock)
		r.Get("/empty", h.isEmpty)

		r.Get("/keys", h.list)
		r.Get("/keys/{name}", h.get)
		r.Put("/keys/{name}", h.insert)
		r.Delete("/keys/{name}", h.del)
		r.Head("/keys/{name}", h.exists)
		r.Get("/keys/{name}/mtime", h.modTime)
		r.Post("/keys/{name}/duplicate", h.duplicate)
		r.Post("/keys/{name}/grant", h.grant)
		r.Post("/keys/{name}/ungrant", h.ungrant)

		r.Post("/keypairs/{name}", h.generate)
		r.Post("/keypairs/{name}/import", h.importKey)
		r.Post("/keypairs/{name}/sign", h.sign)
		r.Post("/keypairs/{name}/verify", h.verify)
		r.Get("/keypairs/{name}/public", h.publicKey)
		r.Delete("/keypairs/{name}", h.deleteKeyPair)

		r.Get("/hardware/{keyType}", h.hardware)
		r.Post("/uids/{uid}/clear", h.clearUID)
	})
}

// Handler returns the server's router. The caller uid must already be in
// the request context (see WithCaller).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the socket and serves until Stop is called.
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.config.SocketPath)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket listener: %w", err)
	}
	if err := os.Chmod(s.config.SocketPath, s.config.SocketMode); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       120 * time.Second,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if uid, ok := peerUID(c); ok {
				return WithCaller(ctx, uid)
			}
			return ctx
		},
	}

	s.mu.Lock()
	s.listener = listener
	s.server = srv
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("Starting Unix socket server", logger.String("socket", s.config.SocketPath))

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("unix socket server error: %w", err)
	}
	return nil
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop gracefully stops the Unix socket server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping Unix socket server")
	s.limiter.Stop()

	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("Error shutting down Unix socket server", logger.Error(err))
			return err
		}
	}
	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove socket file", logger.Error(err))
	}
	return nil
}

// SocketPath returns the path to the Unix socket
func (s *Server) SocketPath() string {
	return s.config.SocketPath
}

// escapedRoutePath makes chi match against the escaped path so key names
// containing '/' or '%' arrive intact in URL parameters.
func escapedRoutePath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePath == "" {
			rctx.RoutePath = r.URL.EscapedPath()
		}
		next.ServeHTTP(w, r)
	})
}
