// Package server exposes the mixer over HTTP.
package server

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dudu/crowdface/internal/config"
	"github.com/dudu/crowdface/internal/logging"
	"github.com/dudu/crowdface/internal/pipeline"
)

// Mixer is the part of the pipeline the server needs
type Mixer interface {
	Mix(ctx context.Context, crowd image.Image, selfies []pipeline.Selfie) (*pipeline.Output, error)
}

// Server represents the web server
type Server struct {
	config     *config.Config
	mixer      Mixer
	router     *chi.Mux
	httpServer *http.Server
}

// New creates a web server around mixer
func New(cfg *config.Config, mixer Mixer) *Server {
	r := chi.NewRouter()

	s := &Server{
		config: cfg,
		mixer:  mixer,
		router: r,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	if cfg.Server.RequestTimeout > 0 {
		r.Use(chiMiddleware.Timeout(cfg.Server.RequestTimeout))
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	logging.Infof("starting web server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Infof("shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.index)
	s.router.Post("/create_mix", s.createMix)

	files := http.StripPrefix("/static/", http.FileServer(http.Dir(s.config.Server.StaticDir)))
	s.router.Get("/static/*", files.ServeHTTP)
}
