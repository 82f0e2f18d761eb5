// Package main is the entrypoint for the pdfarchive API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pdfarchive/internal/api"
	"github.com/kiranshivaraju/pdfarchive/internal/api/handler"
	mw "github.com/kiranshivaraju/pdfarchive/internal/api/middleware"
	"github.com/kiranshivaraju/pdfarchive/internal/api/response"
	"github.com/kiranshivaraju/pdfarchive/internal/cache"
	"github.com/kiranshivaraju/pdfarchive/internal/config"
	"github.com/kiranshivaraju/pdfarchive/internal/converter"
	"github.com/kiranshivaraju/pdfarchive/internal/event"
	"github.com/kiranshivaraju/pdfarchive/internal/jobs"
	"github.com/kiranshivaraju/pdfarchive/internal/storage"
	"github.com/kiranshivaraju/pdfarchive/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 30 * time.Second
	sqliteBusyTimeout = 5 * time.Second
)

func main() {
	slog.SetDefault(newLogger("info"))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run() error {
	// 1. Load config, fail fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Database.Driver,
		"engine", cfg.Converter.Engine,
		"auth", len(cfg.Auth.APIKeyHashes) > 0,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Store
	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Cache
	ca, err := openCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer ca.Close()

	// 4. Scratch storage and converter
	stor, err := storage.NewLocal(cfg.Storage.UploadDir, cfg.Storage.ConvertedDir)
	if err != nil {
		return fmt.Errorf("prepare storage: %w", err)
	}
	conv, err := converter.New(cfg.Converter)
	if err != nil {
		return fmt.Errorf("create converter: %w", err)
	}
	slog.Info("converter initialized", "engine", conv.Name())

	// 5. Pipeline
	bus := event.NewBus()
	orch := jobs.NewOrchestrator(st, ca, conv, stor, bus, jobs.OrchestratorConfig{
		Workers:        cfg.Worker.Concurrency,
		QueueSize:      cfg.Worker.QueueSize,
		ConvertTimeout: cfg.Worker.ConvertTimeout,
	})
	intake := jobs.NewIntake(st, ca, stor, orch, jobs.IntakeConfig{
		MaxFileSize:    cfg.Intake.MaxFileSize,
		MaxFilesPerJob: cfg.Intake.MaxFilesPerJob,
	})
	reporter := jobs.NewReporter(st, ca, stor, downloadURL)
	janitor := jobs.NewJanitor(st, ca, stor, orch, jobs.JanitorConfig{
		Interval:          cfg.Worker.JanitorInterval,
		TrackingRetention: cfg.Worker.TrackingRetention,
		FileRetention:     cfg.Worker.FileRetention,
	})

	g, gctx := errgroup.WithContext(ctx)

	orch.Start(gctx)
	defer orch.Stop()

	if _, _, err := jobs.Recover(ctx, st, orch); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	// 6. HTTP
	deps := api.Dependencies{
		Auth:        mw.NewAuth(cfg.Auth.APIKeyHashes),
		RateLimit:   mw.NewRateLimit(ca, cfg.Auth.RequestsPerMinute),
		UploadLimit: mw.UploadRateLimit(cfg.Auth.UploadRequestsPerMinute),

		HealthHandler:  healthHandler(st, ca),
		MetricsHandler: promhttp.Handler(),
		CreateJob: handler.NewCreateJobHandler(intake, handler.UploadLimits{
			MaxFileSize:    cfg.Intake.MaxFileSize,
			MaxFilesPerJob: cfg.Intake.MaxFilesPerJob,
		}),
		JobStatus:    handler.NewJobStatusHandler(reporter),
		JobResults:   handler.NewJobResultsHandler(reporter),
		JobEvents:    handler.NewJobEventsHandler(reporter, bus),
		CancelJob:    handler.NewCancelJobHandler(orch),
		DownloadFile: handler.NewDownloadHandler(reporter),
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 15 * time.Second,
		// uploads of a full batch can take a while on slow links
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		return janitor.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

func downloadURL(fileID uuid.UUID) string {
	return "/api/v1/files/" + fileID.String() + "/download"
}

// openStore connects the configured store driver and applies its migrations.
// The returned func releases the underlying connections.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := store.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := store.RunMigrations(cfg.URL, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database connected", "driver", cfg.Driver)
		return store.NewPostgresStore(pool), pool.Close, nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		if err := store.RunSQLiteMigrations(cfg.SQLitePath, cfg.MigrationsDir); err != nil {
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		db, err := store.OpenSQLite(cfg.SQLitePath, sqliteBusyTimeout)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("database opened", "driver", cfg.Driver, "path", cfg.SQLitePath)
		s := store.NewSQLiteStore(db)
		return s, func() { _ = s.Close() }, nil

	default:
		slog.Warn("using in-memory store, jobs are lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
}

// openCache connects to Redis when configured and falls back to an in-process cache.
func openCache(ctx context.Context, cfg config.RedisConfig) (cache.Cache, error) {
	if cfg.URL == "" {
		return cache.NewMemoryCache(), nil
	}
	rc, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := rc.Ping(ctx); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")
	return rc, nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
