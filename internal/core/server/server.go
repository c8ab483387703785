// Package server wires the HTTP routes and runs the listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/core/config"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/core/health"
	middleware "github.com/mohammed-shakir/geoparquet-tiles/internal/core/middleware"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/core/router"
	"github.com/mohammed-shakir/geoparquet-tiles/internal/hitevents"
)

type Deps struct {
	Tiles  router.TileService
	Ready  health.ReadinessReporter
	Events hitevents.Sink
	// Metrics replaces the default /metrics handler when set.
	Metrics http.Handler
}

func NewRouter(cfg config.Config, logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	metrics := d.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r.Get("/", router.HandleRoot())
	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Ready))
	r.Handle("/metrics", metrics)

	tiles := router.HandleTile(logger, router.TileOptions{
		MaxZoom: cfg.Tile.MaxZoom,
		Events:  d.Events,
	}, d.Tiles)
	r.Get(router.TileRoute, tiles)
	r.Head(router.TileRoute, tiles)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg, logger, d),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
