package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/config"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/health"
	middleware "github.com/mohammed-shakir/mongo-shape-source/internal/core/middleware"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/router"
)

// Options carries the handlers mounted next to the shapes route.
type Options struct {
	Source  string
	Ready   http.Handler
	Metrics http.Handler
}

// NewRouter builds the HTTP routes.
func NewRouter(logger *slog.Logger, handler router.QueryHandler, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if opts.Ready != nil {
		r.Method(http.MethodGet, "/readyz", opts.Ready)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Get(router.Route, router.HandleQuery(logger, opts.Source, handler))
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, handler router.QueryHandler, opts Options) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(logger, handler, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Shapes.Timeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
