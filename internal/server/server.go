// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/chatguard/chatguard/internal/config"
	"github.com/chatguard/chatguard/internal/handlers"
	"github.com/chatguard/chatguard/internal/metrics"
	"github.com/chatguard/chatguard/internal/middleware"
	"github.com/chatguard/chatguard/internal/ratelimit"
	"github.com/chatguard/chatguard/internal/security"
	"github.com/chatguard/chatguard/internal/snapshot"
	"github.com/chatguard/chatguard/pkg/logger"
)

// Server represents the HTTP server.
type Server struct {
	cfg            *config.Config
	log            *logger.Logger
	httpServer     *http.Server
	healthHandler  *handlers.HealthHandler
	messageHandler *handlers.MessageHandler
	streamHandler  *handlers.StreamHandler
	adminHandler   *handlers.AdminHandler
	registry       *ratelimit.Registry
	store          snapshot.Store
	snapshots      *snapshot.Manager
	listener       net.Listener
	running        bool
	mu             sync.RWMutex
}

// Option configures a Server.
type Option func(*Server)

// WithSnapshotStore enables snapshot and restore of limiter state. The server
// closes the store on shutdown, or before returning when New fails.
func WithSnapshotStore(store snapshot.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new Server instance.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		log:           log,
		healthHandler: handlers.NewHealthHandler(),
	}
	for _, opt := range opts {
		opt(s)
	}

	registry, err := newRegistry(&cfg.Rate, log)
	if err != nil {
		if s.store != nil {
			if closeErr := s.store.Close(); closeErr != nil {
				log.Error("failed to close snapshot store", "error", closeErr.Error())
			}
		}
		return nil, err
	}
	s.registry = registry

	if s.store != nil {
		s.snapshots = snapshot.NewManager(s.store, registry, cfg.Snapshot.Timeout, log)
		s.healthHandler.AddCheck("snapshot_store", s.snapshots.Ping)
	}

	var rateCheck security.RateCheckFunc
	if l, ok := registry.Get(ratelimit.ProfileMessages); ok {
		rateCheck = handlers.LimiterRateCheck(l)
	}
	validator := security.NewMessageValidator(validatorConfig(cfg.Validator), rateCheck)
	s.messageHandler = handlers.NewMessageHandler(validator, cfg.Rate.UserIDHeader)
	s.streamHandler = handlers.NewStreamHandler(validator, cfg.Rate.UserIDHeader, log)

	if cfg.Admin.Enabled() {
		var snaps handlers.Snapshotter
		if s.snapshots != nil {
			snaps = s.snapshots
		}
		s.adminHandler = handlers.NewAdminHandler(cfg.Admin.Token, registry, snaps, log)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.buildMiddlewareChain(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// newRegistry builds one limiter per enabled profile. Disabled rate limiting
// yields an empty registry.
func newRegistry(cfg *config.RateLimitConfig, log *logger.Logger) (*ratelimit.Registry, error) {
	if !cfg.Enabled {
		return ratelimit.NewRegistry(), nil
	}

	registry, err := ratelimit.NewProfileRegistry(cfg.Profiles, func(c *ratelimit.Config) {
		c.Whitelist = append(c.Whitelist, cfg.Whitelist...)
		c.Blacklist = append(c.Blacklist, cfg.Blacklist...)
		if cfg.CleanupInterval > 0 {
			c.CleanupInterval = cfg.CleanupInterval
		}
		if c.Name == ratelimit.ProfileMessages && cfg.MessagesMax > 0 {
			c.MaxRequests = cfg.MessagesMax
		}
	}, ratelimit.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("building rate limiters: %w", err)
	}

	log.Info("rate limiting enabled", "profiles", registry.Names())
	return registry, nil
}

func validatorConfig(cfg config.ValidatorConfig) security.Config {
	return security.Config{
		MaxLength:      cfg.MaxLength,
		MinLength:      cfg.MinLength,
		AllowHTML:      cfg.AllowHTML,
		AllowLinks:     cfg.AllowLinks,
		RateLimitCheck: cfg.RateLimitCheck,
	}
}

// buildMiddlewareChain creates the middleware chain for the server.
func (s *Server) buildMiddlewareChain(handler http.Handler) http.Handler {
	return middleware.New(
		middleware.Recover(s.log),
		middleware.Metrics(),
		middleware.RequestID(),
		middleware.ClientIP(s.cfg.Rate.TrustProxy, s.cfg.Rate.TrustedProxies),
		middleware.Logging(s.log),
	).Then(handler)
}

// limited wraps h with the limiter registered for profile. Unknown or empty
// profiles leave h unlimited.
func (s *Server) limited(profile string, h http.Handler) http.Handler {
	if profile == "" {
		return h
	}
	l, ok := s.registry.Get(profile)
	if !ok {
		return h
	}

	cfg := middleware.RateLimitConfig{
		UserIDHeader:   s.cfg.Rate.UserIDHeader,
		TrustProxy:     s.cfg.Rate.TrustProxy,
		TrustedProxies: s.cfg.Rate.TrustedProxies,
		Logger:         s.log,
	}
	if profile == ratelimit.ProfileAuth {
		cfg.IdentifierField = s.cfg.Rate.IdentifierField
	}
	return middleware.RateLimit(l, cfg)(h)
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check routes (GET only)
	mux.HandleFunc("GET /health", s.healthHandler.Health)
	mux.HandleFunc("GET /ready", s.healthHandler.Ready)

	// Metrics endpoint for Prometheus
	mux.Handle("GET /metrics", metrics.Handler())

	msgs := s.cfg.Rate.MessagesProfile
	mux.Handle("POST /api/v1/messages/validate", s.limited(msgs, http.HandlerFunc(s.messageHandler.Validate)))
	mux.Handle("POST /api/v1/messages/format", s.limited(msgs, http.HandlerFunc(s.messageHandler.Format)))
	mux.Handle("POST /api/v1/messages/urls", s.limited(msgs, http.HandlerFunc(s.messageHandler.URLs)))

	mux.Handle("GET /ws", s.limited(s.cfg.Rate.StreamProfile, s.streamHandler))

	if s.adminHandler != nil {
		s.registerAdminRoutes(mux)
	}
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	a := s.adminHandler
	admin := func(h http.HandlerFunc) http.Handler {
		return s.limited(s.cfg.Rate.AdminProfile, a.Authorize(h))
	}

	mux.Handle("GET /admin/ratelimit/stats", admin(a.Stats))
	mux.Handle("GET /admin/ratelimit/status", admin(a.Status))
	mux.Handle("DELETE /admin/ratelimit/status", admin(a.ResetKey))
	mux.Handle("POST /admin/ratelimit/whitelist", admin(a.AddWhitelist))
	mux.Handle("DELETE /admin/ratelimit/whitelist", admin(a.RemoveWhitelist))
	mux.Handle("POST /admin/ratelimit/blacklist", admin(a.AddBlacklist))
	mux.Handle("DELETE /admin/ratelimit/blacklist", admin(a.RemoveBlacklist))
	mux.Handle("GET /admin/ratelimit/export", admin(a.Export))
	mux.Handle("POST /admin/ratelimit/import", admin(a.Import))
	mux.Handle("POST /admin/ratelimit/snapshot", admin(a.Snapshot))
	mux.Handle("POST /admin/ratelimit/restore", admin(a.Restore))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.cfg.Server.Address()

	// Create listener first to get the actual address (important when port is 0)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.log.Info("server starting", "address", listener.Addr().String())

	err = s.httpServer.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server. When configured, limiter state
// is saved after the last request has drained and before the limiters close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")

	// Mark as not ready during shutdown
	s.healthHandler.SetReady(false)

	err := s.httpServer.Shutdown(ctx)

	if s.snapshots != nil && s.cfg.Snapshot.SaveOnShutdown {
		if _, saveErr := s.snapshots.SaveAll(context.WithoutCancel(ctx)); saveErr != nil {
			s.log.Error("failed to save rate limit snapshot", "error", saveErr.Error())
		}
	}

	if closeErr := s.registry.Close(); closeErr != nil {
		s.log.Error("failed to close rate limiters", "error", closeErr.Error())
	}
	if s.store != nil {
		if closeErr := s.store.Close(); closeErr != nil {
			s.log.Error("failed to close snapshot store", "error", closeErr.Error())
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error("shutdown error", "error", err.Error())
		return err
	}

	s.log.Info("server stopped")
	return nil
}

// RestoreSnapshots loads saved limiter state. It is a no-op without a
// snapshot store.
func (s *Server) RestoreSnapshots(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	_, err := s.snapshots.RestoreAll(ctx)
	return err
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HealthHandler returns the health handler.
func (s *Server) HealthHandler() *handlers.HealthHandler {
	return s.healthHandler
}

// Registry returns the rate limiter registry.
func (s *Server) Registry() *ratelimit.Registry {
	return s.registry
}
