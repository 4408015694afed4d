package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/juju/clock"

	"bibharvest/internal/config"
	"bibharvest/internal/infrastructure/source"
	"bibharvest/internal/infrastructure/storage"
	"bibharvest/internal/infrastructure/telegram"
	"bibharvest/internal/logging"
	"bibharvest/internal/ports"
	"bibharvest/internal/progress"
	"bibharvest/internal/reliability"
	"bibharvest/internal/resolver"
	"bibharvest/internal/usecase"
)

// RunOptions carries the per-invocation flags down to the harvester.
type RunOptions struct {
	Resume bool
	Fresh  bool
}

// Application wires configuration to adapters and use cases.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *sql.DB
	store     *storage.Store
	progress  *progress.Store
	harvester *usecase.Harvester
}

// New builds a fully wired application instance. The caller owns Close.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger, runOpts RunOptions) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	db, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := storage.NewStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	wall := clock.WallClock
	limiter := reliability.NewRateLimiter(cfg.Harvest.MaxRequestsPerWindow, cfg.Harvest.Window(), wall)
	breaker := reliability.NewCircuitBreaker(cfg.Harvest.CircuitFailureThreshold, cfg.Harvest.CircuitCooldown(), wall)
	executor := reliability.NewExecutor(limiter, breaker, reliability.ExecutorConfig{
		MaxAttempts:       cfg.Harvest.MaxRetryAttempts,
		BaseDelay:         cfg.Harvest.BaseRetryDelay(),
		RateLimitCooldown: cfg.Harvest.RateLimitCooldown(),
	}, wall, baseLogger.With("component", "executor"))

	src := source.NewClient(source.Options{
		BaseURL:       cfg.Source.BaseURL,
		UserAgent:     cfg.Source.UserAgent,
		Timeout:       cfg.Source.Timeout(),
		PageSize:      cfg.Source.ListingPage,
		AttachmentDir: cfg.Storage.AttachmentDir,
	}, executor, nil, baseLogger.With("component", "source"))

	directory := resolver.NewDirectory()
	classify := resolver.Default(baseLogger.With("component", "resolver"), resolver.CollectionPolicy{
		SlugMap:          cfg.Collections.SlugMap,
		ConsortiumSuffix: cfg.Collections.ConsortiumSuffix,
	}, directory)

	var notifier ports.Notifier
	if tg := telegram.NewNotifier(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID); tg.Enabled() {
		notifier = tg
	}

	progressStore := progress.NewStore(cfg.Storage.ProgressPath)

	harvester := usecase.NewHarvester(usecase.HarvesterDeps{
		Source:        src,
		Store:         store,
		Progress:      progressStore,
		Resolver:      classify,
		Directory:     directory,
		Breaker:       breaker,
		Notifier:      notifier,
		Organizations: cfg.Members(),
		Clock:         wall,
		Logger:        baseLogger.With("component", "harvester"),
	}, usecase.HarvestOptions{
		Resume:            runOpts.Resume,
		Fresh:             runOpts.Fresh,
		CheckpointEvery:   cfg.Harvest.CheckpointEveryNRecords,
		FetchWorkers:      cfg.Harvest.FetchWorkers,
		AttachmentWorkers: cfg.Harvest.AttachmentWorkers,
	})

	return &Application{
		cfg:       cfg,
		logger:    baseLogger,
		db:        db,
		store:     store,
		progress:  progressStore,
		harvester: harvester,
	}, nil
}

// Harvest executes one full harvest run.
func (a *Application) Harvest(ctx context.Context) (usecase.Summary, error) {
	return a.harvester.Run(ctx)
}

// Status builds a read-only status report from the checkpoint and store.
func (a *Application) Status(ctx context.Context) (*usecase.StatusReport, error) {
	return usecase.BuildStatus(ctx, a.progress, a.store, nil)
}

// Store exposes the record store for read-only commands.
func (a *Application) Store() *storage.Store {
	return a.store
}

// Logger returns the application-wide logger.
func (a *Application) Logger() *slog.Logger {
	return a.logger
}

// Close releases the database handle.
func (a *Application) Close() error {
	return a.db.Close()
}
