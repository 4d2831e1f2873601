// Package api is the thin HTTP façade over the core: JSON in, core calls
// out. No business logic lives here.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/reachinbox/courier/internal/core"
	"github.com/reachinbox/courier/internal/domain"
	"github.com/reachinbox/courier/internal/scheduler"
)

// Core is the in-process API surface the façade maps onto.
type Core interface {
	Submit(ctx context.Context, in scheduler.Input) (*domain.Campaign, int, error)
	GetCampaign(ctx context.Context, owner, id string) (*core.CampaignView, error)
	ListCampaigns(ctx context.Context, owner string) ([]domain.Campaign, error)
	ListTerminalJobs(ctx context.Context, owner string) ([]domain.Job, error)
	QueueStats(ctx context.Context) (domain.QueueStats, error)
	Healthy() bool
}

// HealthCheck probes one dependency (store, redis) for /health.
type HealthCheck func() error

// Server is the HTTP server for the email scheduling API.
type Server struct {
	handlers *Handlers
	router   *chi.Mux
	server   *http.Server
}

// NewServer creates the API server. checks are named dependency probes
// reported by /health.
func NewServer(c Core, checks map[string]HealthCheck) *Server {
	h := &Handlers{core: c, checks: checks}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "x-user-id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/emails", func(r chi.Router) {
		r.Post("/schedule", h.Schedule)
		r.Get("/schedule/{id}", h.GetCampaign)
		r.Get("/scheduled", h.ListScheduled)
		r.Get("/sent", h.ListSent)
		r.Get("/queue/status", h.QueueStatus)
	})

	return &Server{handlers: h, router: r}
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler { return s.router }
