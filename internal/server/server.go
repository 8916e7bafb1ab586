// Package server exposes the runtime core over HTTP: session streams and
// snapshots, permission replies, the media job lifecycle, and SSE feeds for
// all of it.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/atelier-ai/atelier/internal/batch"
	"github.com/atelier-ai/atelier/internal/event"
	"github.com/atelier-ai/atelier/internal/permission"
	"github.com/atelier-ai/atelier/internal/producer"
	"github.com/atelier-ai/atelier/internal/store"
	"github.com/atelier-ai/atelier/internal/stream"
)

// Config holds server configuration.
type Config struct {
	Addr         string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":7455",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout, SSE connections are long-lived
	}
}

// Server is the HTTP server.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	store    *store.Store
	bus      *event.Bus
	registry *stream.Registry
	perms    *permission.Correlator
	jobs     *batch.Manager
	producer producer.StreamProducer
}

// New creates a Server over the given collaborators.
func New(cfg *Config, st *store.Store, bus *event.Bus, registry *stream.Registry, perms *permission.Correlator, jobs *batch.Manager, prod producer.StreamProducer) *Server {
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		store:    st,
		bus:      bus,
		registry: registry,
		perms:    perms,
		jobs:     jobs,
		producer: prod,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router, used by tests to serve requests directly.
func (s *Server) Router() *chi.Mux {
	return s.router
}
