// Package server exposes health, metrics and the findings feeds over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"skimmerwatch/internal/outputs"
)

type Config struct {
	Name            string
	Addr            string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server is a supervised HTTP listener.
type Server struct {
	name            string
	router          chi.Router
	server          *http.Server
	shutdownTimeout time.Duration
	started         time.Time
	logger          *slog.Logger
}

func New(cfg Config, feed *outputs.FeedOutput) *Server {
	if cfg.Name == "" {
		cfg.Name = "skimmerwatch"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		name:            cfg.Name,
		shutdownTimeout: cfg.ShutdownTimeout,
		started:         time.Now(),
		logger:          cfg.Logger.With("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	if feed != nil {
		r.Route("/feed", func(r chi.Router) {
			r.Get("/rss", feed.Handler(outputs.FeedRSS))
			r.Get("/atom", feed.Handler(outputs.FeedAtom))
			r.Get("/json", feed.Handler(outputs.FeedJSON))
		})
	}

	s.router = r
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"name":   s.name,
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("HTTP server listening", "addr", s.server.Addr)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) String() string {
	return "http-server"
}
