// Package app initializes and holds the long-lived application services,
// acting as the process's composition root.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Sychedelic-but-cooler/vidnag/internal/api"
	"github.com/Sychedelic-but-cooler/vidnag/internal/clock/system"
	"github.com/Sychedelic-but-cooler/vidnag/internal/config"
	"github.com/Sychedelic-but-cooler/vidnag/internal/id/uuid"
	"github.com/Sychedelic-but-cooler/vidnag/internal/media"
	"github.com/Sychedelic-but-cooler/vidnag/internal/metrics"
	"github.com/Sychedelic-but-cooler/vidnag/internal/progress"
	"github.com/Sychedelic-but-cooler/vidnag/internal/scheduler"
	"github.com/Sychedelic-but-cooler/vidnag/internal/storage/local"
	"github.com/Sychedelic-but-cooler/vidnag/internal/storage/memory"
	"github.com/Sychedelic-but-cooler/vidnag/internal/storage/postgres"
	"github.com/Sychedelic-but-cooler/vidnag/internal/worker"
	"github.com/Sychedelic-but-cooler/vidnag/internal/ytdlp"
)

// App owns every long-lived service and their lifecycle. Construct once at
// startup, Start, and Shutdown on exit; nothing here is a package-level
// singleton.
type App struct {
	Logger      *zap.Logger
	Store       media.Store
	Files       *local.Files
	Broadcaster *progress.Broadcaster
	Scheduler   *scheduler.Scheduler
	Server      *api.Server

	closeStore func()
}

// New wires the service graph from configuration. An empty db.dsn selects the
// in-memory store, useful for development.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	files, err := local.New(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("init storage root: %w", err)
	}

	var (
		store      media.Store
		closeStore func()
	)
	if cfg.DB.DSN != "" {
		logger.Info("connecting to postgres")
		pgStore, err := postgres.NewMediaStore(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		store = pgStore
		closeStore = pgStore.Close
	} else {
		logger.Info("using in-memory store; state is lost on restart")
		store = memory.NewMediaStore()
		closeStore = func() {}
	}

	clock := system.New()
	broadcaster := progress.NewBroadcaster(cfg.Progress.BufferSize, logger.Named("progress"))
	runner := ytdlp.NewRunner(cfg.Download.Binary)

	w := worker.New(store, files, broadcaster, runner, clock, worker.Config{
		VideoDir:      cfg.Storage.VideoDir,
		TempDir:       cfg.Storage.TempDir,
		MaxSizeMB:     cfg.Download.MaxSizeMB,
		MergeFormat:   cfg.Download.MergeFormat,
		Timeout:       cfg.DownloadTimeout(),
		WriteInterval: cfg.ProgressWriteInterval(),
	}, logger.Named("worker"))

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "vidnag"
	}
	sched := scheduler.New(store, w, clock, scheduler.Config{
		MaxWorkers:   cfg.Scheduler.MaxWorkers,
		PollInterval: cfg.PollInterval(),
		StaleAfter:   cfg.StaleAfter(),
		WorkerID:     hostname,
	}, logger.Named("scheduler"))

	server := api.NewServer(store, sched, broadcaster, files, runner, uuid.NewUUIDGenerator(), clock, logger.Named("api"))

	return &App{
		Logger:      logger,
		Store:       store,
		Files:       files,
		Broadcaster: broadcaster,
		Scheduler:   sched,
		Server:      server,
		closeStore:  closeStore,
	}, nil
}

// Start launches the scheduler, including its orphaned-job reconciliation.
func (a *App) Start(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	return nil
}

// Shutdown drains in-flight downloads (bounded by ctx) and releases held
// resources.
func (a *App) Shutdown(ctx context.Context) {
	if err := a.Scheduler.Shutdown(ctx, true); err != nil {
		a.Logger.Warn("scheduler shutdown incomplete", zap.Error(err))
	}
	a.closeStore()
	if err := a.Logger.Sync(); err != nil {
		// Best effort; stderr may be gone already.
		_ = err
	}
}
