// Package web provides the HTTP surface for the import service: upload
// acceptance, task status polling and health. Catalog and webhook CRUD are
// served elsewhere; this server only triggers and observes imports.
package web

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acmelabs/product-importer/internal/config"
	"github.com/acmelabs/product-importer/internal/importer"
)

// Server is the HTTP server for the import service.
type Server struct {
	service *importer.Service
	pool    *pgxpool.Pool
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a Server wired to the import service.
func NewServer(service *importer.Service, pool *pgxpool.Pool, cfg *config.Config) *Server {
	s := &Server{
		service: service,
		pool:    pool,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/upload/status/{taskID}", s.handleTaskStatus)
		r.Get("/healthz", s.handleHealth)
	})
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
