// Package main is the entrypoint for the arkhaul transfer server.
package main

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

	"github.com/arkhaul/arkhaul/internal/api"
	"github.com/arkhaul/arkhaul/internal/api/handler"
	mw "github.com/arkhaul/arkhaul/internal/api/middleware"
	"github.com/arkhaul/arkhaul/internal/archive"
	"github.com/arkhaul/arkhaul/internal/bus"
	"github.com/arkhaul/arkhaul/internal/cache"
	"github.com/arkhaul/arkhaul/internal/config"
	"github.com/arkhaul/arkhaul/internal/jobs"
	"github.com/arkhaul/arkhaul/internal/runner"
	"github.com/arkhaul/arkhaul/internal/store"
	"github.com/arkhaul/arkhaul/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"transfer_tool", cfg.Transfer.Tool,
		"max_concurrent", cfg.Transfer.MaxConcurrent,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store, archive client, event bus and runner
	pgStore := store.NewPostgresStore(pool)
	archiveClient := archive.NewCachedClient(
		archive.NewHTTPClient(cfg.Archive.BaseURL, cfg.Archive.Timeout),
		redisCache,
	)
	eventBus := bus.New()
	defer eventBus.Close()
	toolRunner := runner.NewToolRunner(cfg.Transfer.Tool, cfg.Transfer.DownloadDir)

	// 6. Reconcile jobs orphaned by the previous process, then start the manager
	if err := jobs.Recover(ctx, pgStore); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	manager := jobs.New(pgStore, eventBus, toolRunner, archiveClient, jobs.Config{
		MaxConcurrent:    cfg.Transfer.MaxConcurrent,
		CancelGrace:      cfg.Transfer.CancelGrace,
		ProgressInterval: cfg.Transfer.ProgressInterval,
		DownloadDir:      cfg.Transfer.DownloadDir,
	})
	manager.Start(ctx)
	defer manager.Stop()

	// 7. Build router with dependencies
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, 120),

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		SubmitDownload: handler.NewSubmitHandler(manager, models.KindDownload),
		ListDownloads:  handler.NewListHandler(manager, models.KindDownload),
		ClearDownloads: handler.NewClearHandler(manager, models.KindDownload),
		DownloadEvents: handler.NewEventsHandler(eventBus, models.KindDownload),

		SubmitUpload: handler.NewSubmitHandler(manager, models.KindUpload),
		ListUploads:  handler.NewListHandler(manager, models.KindUpload),
		ClearUploads: handler.NewClearHandler(manager, models.KindUpload),
		UploadEvents: handler.NewEventsHandler(eventBus, models.KindUpload),

		GetJob:    handler.NewGetHandler(manager),
		CancelJob: handler.NewCancelHandler(manager),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server. WriteTimeout stays zero: the SSE streams are
	// long-lived and must not be cut by the server.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Stop the manager first so in-flight transfers are signaled and the SSE
	// streams see their last events, then close the bus so those streams end
	// and Shutdown is not held open by them.
	manager.Stop()
	eventBus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
