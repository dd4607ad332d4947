// Package server provides HTTP server initialization and lifecycle management
// for the fanout service.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scrypster/fanout/internal/app"
	"github.com/scrypster/fanout/internal/logging"
	"github.com/scrypster/fanout/web/handlers"
)

// Server is the HTTP front door of a built App.
type Server struct {
	app    *app.App
	hub    *handlers.DeadLetterHub
	http   *http.Server
	logger *slog.Logger
}

// New creates a server for a. Dead letters produced by a's bus are streamed
// to websocket clients of /ws/deadletters.
func New(a *app.App, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:    a,
		hub:    handlers.NewDeadLetterHub(nil, logger),
		logger: logging.WithComponent(logger, "server"),
	}
	a.OnDeadLetter(s.hub.Publish)

	s.http = &http.Server{
		Addr:         a.Config.Server.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	a := s.app
	mux := http.NewServeMux()

	events := handlers.NewEventHandlers(a.Gateway, a.Records, s.logger)
	mux.HandleFunc("POST /events", events.Submit)
	mux.HandleFunc("GET /events/{companyId}/{eventId}", events.GetRecord)

	mux.Handle("GET /recommendations", handlers.NewRecommendationHandler(a.Recommend, s.logger))
	mux.Handle("GET /deadletters", handlers.NewDeadLetterHandler(a.Bus, a.Subscribers(), s.logger))
	mux.Handle("GET /ws/deadletters", s.hub)

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", handlers.NewHealthHandler(map[string]handlers.Check{
		"records": func(ctx context.Context) error { _, err := a.Records.Count(ctx); return err },
		"vectors": func(ctx context.Context) error { _, err := a.Vectors.Count(ctx); return err },
	}).WithDetail("embedding_circuit", a.EmbeddingCircuitState))

	rateLimiter := handlers.NewRateLimiter(a.Config.Server.RateLimit, a.Config.Server.RateBurst)

	// Rate limiting first, then security headers, then request logging.
	var handler http.Handler = handlers.RateLimitMiddleware(mux, rateLimiter)
	handler = handlers.SecurityHeaders(handler)
	handler = handlers.RequestLogger(handler, s.logger)
	return handler
}

// Start listens on the configured address and serves until ctx is done, then
// shuts down gracefully. It returns the actual listen address (useful with
// port 0).
func (s *Server) Start(ctx context.Context) (string, error) {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return "", err
	}
	addr := listener.Addr().String()

	go s.hub.Run()

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", addr)
	return addr, nil
}

// Shutdown stops accepting requests and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.http.Shutdown(ctx)
}
