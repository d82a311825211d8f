// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/dyad/internal/api"
	"github.com/starford/dyad/internal/sse"
)

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	rt, err := Open(ctx, opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.Config
	logger := rt.Logger
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("models_path", cfg.Models.Path),
		slog.String("documents_backend", cfg.Documents.Backend),
		slog.String("relational_driver", cfg.Relational.Driver),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if _, err := rt.Engine.Initialize(ctx, rt.Store); err != nil {
		return fmt.Errorf("initialize tables: %w", err)
	}
	if cfg.Sync.ReconcileOnStart {
		if _, err := rt.Projector.Reconcile(ctx); err != nil {
			logger.Warn("initial reconcile failed", slog.String("error", err.Error()))
		}
	}

	broker := sse.NewBroker(
		sse.WithStats(rt.Engine.Stats),
		sse.WithStatsThrottle(2*time.Second),
		sse.WithPrincipal(func(r *http.Request) string { return api.Principal(r.Context()) }),
	)
	defer broker.Close()
	rt.Observe(broker.PublishRecord)

	svc := api.NewService(rt.Engine, rt.Store)
	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := rt.DB.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)
	watchCtx, stopWatch := context.WithCancel(gCtx)
	defer stopWatch()

	if cfg.Sync.Watch {
		if rt.FS == nil {
			logger.Warn("watcher disabled", slog.String("error", errNoWatch.Error()))
		} else {
			g.Go(func() error {
				if err := rt.Projector.Watch(watchCtx, rt.FS, broker.PublishRecord); err != nil {
					logger.Error("watcher stopped", slog.String("error", err.Error()))
				}
				return nil
			})
		}
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		stopWatch()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
