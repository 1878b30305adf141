// Package server assembles the chi router and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/hpcdash/internal/errors"
	"github.com/3leaps/hpcdash/internal/observability"
	"github.com/3leaps/hpcdash/internal/server/handlers"
	"github.com/3leaps/hpcdash/internal/server/middleware"
)

// Timeouts for the underlying http.Server. Zero values keep the defaults.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

type Option func(*Server)

// WithAPI mounts the dashboard API.
func WithAPI(api *handlers.API) Option {
	return func(s *Server) { s.api = api }
}

// WithMetrics counts requests in m and serves /metrics from it.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

// WithPprof mounts net/http/pprof under /debug.
func WithPprof(enabled bool) Option {
	return func(s *Server) { s.pprof = enabled }
}

// Server is the dashboard HTTP server.
type Server struct {
	host     string
	port     int
	api      *handlers.API
	metrics  *observability.Metrics
	logger   *zap.Logger
	timeouts Timeouts
	pprof    bool

	router chi.Router
	http   *http.Server
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:     host,
		port:     port,
		logger:   zap.NewNop(),
		timeouts: Timeouts{Read: 30 * time.Second, Idle: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		// Module streams are long-lived; WriteTimeout stays at zero unless set.
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(s.metrics))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewNotFoundError("route not found: "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewMethodNotAllowedError("method "+r.Method+" not allowed on "+r.URL.Path))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	if s.api != nil {
		s.api.Routes(r)
	}
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Port() int { return s.port }

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns
// nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
