package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/app"
	"github.com/ternarybob/excerpo/internal/handlers"
)

// Server manages the HTTP server and routes
type Server struct {
	app    *app.App
	logger arbor.ILogger
	router *http.ServeMux
	server *http.Server

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New creates a new HTTP server with the given app
func New(application *app.App) *Server {
	s := &Server{
		app:    application,
		logger: application.Logger,
	}

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withConditionalMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SetShutdownChannel wires the channel closed by the shutdown endpoint so
// main can treat it like a signal.
func (s *Server) SetShutdownChannel(ch chan struct{}) {
	s.shutdownCh = ch
}

// Start starts the HTTP server
func (s *Server) Start() error {
	host := s.app.Config.Server.Host
	port := s.app.Config.Server.Port

	s.logger.Info().
		Str("address", fmt.Sprintf("%s:%d", host, port)).
		Msg("HTTP server starting")

	s.logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d/api", host, port)).
		Msg("API available")
	s.logger.Info().
		Str("url", fmt.Sprintf("ws://%s:%d/ws", host, port)).
		Msg("Status stream available")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// ShutdownHandler triggers a graceful shutdown over the API (dev mode).
// POST /api/shutdown
func (s *Server) ShutdownHandler(w http.ResponseWriter, r *http.Request) {
	if !handlers.RequireMethod(w, r, "POST") {
		return
	}

	if s.shutdownCh == nil {
		handlers.WriteError(w, http.StatusServiceUnavailable, "Shutdown endpoint not armed")
		return
	}

	s.logger.Info().Msg("Shutdown requested via API")
	handlers.WriteSuccess(w, "Shutting down")

	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}
