package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/outpost-run/outpost/pkg/artifacts"
	"github.com/outpost-run/outpost/pkg/config"
	"github.com/outpost-run/outpost/pkg/fleet"
	"github.com/outpost-run/outpost/pkg/log"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/orchestrator"
	"github.com/outpost-run/outpost/pkg/status"
	"github.com/outpost-run/outpost/pkg/store"
)

// Server is the control plane's HTTP surface.
type Server struct {
	orch      *orchestrator.Orchestrator
	tracker   *status.Tracker
	store     store.Store
	artifacts *artifacts.Store
	health    *fleet.Health
	cfg       config.Config
	logger    zerolog.Logger

	httpServer *http.Server
}

// NewServer wires the HTTP surface over the core components.
func NewServer(orch *orchestrator.Orchestrator, tracker *status.Tracker, st store.Store, art *artifacts.Store, health *fleet.Health, cfg config.Config) *Server {
	s := &Server{
		orch:      orch,
		tracker:   tracker,
		store:     st,
		artifacts: art,
		health:    health,
		cfg:       cfg,
		logger:    log.WithComponent("api"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-User-ID"},
		MaxAge:         300,
	}))
	r.Use(requestMetrics)

	// Unauthenticated surface.
	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Get("/health/fleet", s.handleFleetHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Tenant surface.
	r.Group(func(r chi.Router) {
		r.Use(authStub)

		r.Post("/dispatch", s.handleDispatch)
		r.Get("/dispatch", s.handleListDispatches)
		r.Get("/dispatch/{id}", s.handleGetDispatch)
		r.Delete("/dispatch/{id}", s.handleCancelDispatch)

		r.Get("/artifacts/{dispatchID}", s.handleListArtifacts)
		r.Get("/artifacts/{dispatchID}/{filename}/url", s.handlePresignArtifact)

		r.Get("/workspaces", s.handleListWorkspaces)
		r.Get("/workspaces/{id}", s.handleGetWorkspace)
		r.Delete("/workspaces/{id}", s.handleReleaseWorkspace)
	})

	return r
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}
