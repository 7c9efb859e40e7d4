// Package server provides the status HTTP server and gRPC health endpoint for the controller.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/limiquantix/vmplacer/internal/config"
	"github.com/limiquantix/vmplacer/internal/engine"
)

const serviceName = "vmplacer"

// StatusSource provides the engine state served on /api/v1/status.
type StatusSource interface {
	Snapshot() engine.Snapshot
}

// HealthChecker is a dependency that can report its health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

// Health calls f.
func (f HealthFunc) Health(ctx context.Context) error { return f(ctx) }

// Server represents the status HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	mux        *http.ServeMux

	status  StatusSource
	events  *EventsHandler
	metrics http.Handler
	checks  map[string]HealthChecker
	stats   map[string]func() any
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithEvents serves recent engine events and the live event stream.
func WithEvents(h *EventsHandler) ServerOption {
	return func(s *Server) {
		s.events = h
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithHealthCheck adds a dependency to the readiness check.
func WithHealthCheck(name string, c HealthChecker) ServerOption {
	return func(s *Server) {
		s.checks[name] = c
	}
}

// WithStats reports a dependency's runtime counters under "stats" on /api/v1/info.
func WithStats(name string, fn func() any) ServerOption {
	return func(s *Server) {
		s.stats[name] = fn
	}
}

// New creates a new server instance.
func New(cfg *config.Config, status StatusSource, logger *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		config: cfg,
		logger: logger.With(zap.String("component", "server")),
		mux:    http.NewServeMux(),
		health: health.NewServer(),
		status: status,
		checks: make(map[string]HealthChecker),
		stats:  make(map[string]func() any),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.setupMiddleware(s.mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	return s
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	s.mux.HandleFunc("/api/v1/info", s.infoHandler)
	s.mux.HandleFunc("/api/v1/status", s.statusHandler)

	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
	if s.events != nil {
		s.events.RegisterRoutes(s.mux)
	}
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: s.config.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         86400,
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		switch r.URL.Path {
		case "/health", "/healthz", "/ready", "/live", "/metrics":
			return
		}

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over connections passing through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := make(map[string]string, len(s.checks)+1)

	if s.status != nil && !s.status.Snapshot().Initialized {
		ready = false
		details["engine"] = "initializing"
	} else {
		details["engine"] = "running"
	}

	for name, check := range s.checks {
		if err := check.Health(ctx); err != nil {
			ready = false
			details[name] = "unhealthy"
			s.logger.Debug("Readiness check failed", zap.String("check", name), zap.Error(err))
		} else {
			details[name] = "healthy"
		}
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": ready, "components": details})
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	deps := make([]string, 0, len(s.checks))
	for name := range s.checks {
		deps = append(deps, name)
	}
	sort.Strings(deps)

	info := map[string]any{
		"name":           serviceName,
		"description":    "VM placement and rebalancing controller",
		"api_version":    "v1",
		"placement_mode": s.config.Placement.Mode,
		"on_failure":     s.config.Admission.OnFailure,
		"sleep_enabled":  s.config.Power.SleepEnabled,
		"dependencies":   deps,
	}
	if len(s.stats) > 0 {
		stats := make(map[string]any, len(s.stats))
		for name, fn := range s.stats {
			stats[name] = fn()
		}
		info["stats"] = stats
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.status == nil {
		http.Error(w, "engine not attached", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run starts the HTTP and gRPC health servers and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
		zap.String("grpc_address", s.config.Server.GRPCAddress()),
	)

	lis, err := net.Listen("tcp", s.config.Server.GRPCAddress())
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	if s.events != nil {
		s.events.Close()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}
