// Package server exposes the resolvers over HTTP: entity lookups, resolver
// status and control, refresh event streaming and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/mdresolve/internal/app"
	"github.com/zjrosen/mdresolve/internal/config"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/tracing"
)

// heartbeatInterval keeps idle event streams open through proxies.
const heartbeatInterval = 30 * time.Second

// Server serves the HTTP API of one App.
type Server struct {
	app    *app.App
	cfg    config.ServerConfig
	tracer trace.Tracer
}

// New creates a server. A nil tracer disables request spans.
func New(a *app.App, cfg config.ServerConfig, tracer trace.Tracer) *Server {
	return &Server{app: a, cfg: cfg, tracer: tracer}
}

// Routes returns the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(tracing.NewHTTPMiddleware(s.tracer))

	r.Get("/healthz", s.Health)

	r.Get("/entities", s.ListEntities)
	r.Get("/entities/*", s.GetEntity)
	r.Get("/roles", s.ListRoles)

	r.Get("/status", s.ListStatus)
	r.Get("/status/{resolver}", s.GetStatus)
	r.Post("/resolvers/{resolver}/refresh", s.Refresh)
	r.Post("/resolvers/{resolver}/clear", s.Clear)

	r.Get("/events", s.StreamEvents)
	if s.cfg.EnableDebug {
		r.Get("/debug/log", s.StreamLog)
	}
	if m := s.app.Metrics(); m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	return r
}

// Serve serves on l until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(log.CatServer, "api listening", "addr", l.Addr().String())
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatServer, "api shutdown", err)
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info(log.CatServer, "api stopped")
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}
