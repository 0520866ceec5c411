// Package app wires the store, adapters and orchestrator from a Config. The
// binaries under cmd/ share it.
package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/dvloznov/finance-etl/internal/config"
	"github.com/dvloznov/finance-etl/internal/extract"
	"github.com/dvloznov/finance-etl/internal/gcsuploader"
	infraBQ "github.com/dvloznov/finance-etl/internal/infra/bigquery"
	"github.com/dvloznov/finance-etl/internal/infra/memory"
	"github.com/dvloznov/finance-etl/internal/infra/postgres"
	"github.com/dvloznov/finance-etl/internal/infra/redis"
	"github.com/dvloznov/finance-etl/internal/pipeline"
	"github.com/dvloznov/finance-etl/internal/store"
)

// App holds the wired components. Optional adapters are nil when their
// configuration section is empty.
type App struct {
	Config       *config.Config
	Log          zerolog.Logger
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Storage      *gcsuploader.GCSStorageService
	Runs         *infraBQ.RunSink

	db      *gorm.DB
	closers []func() error
}

// New builds an App. On error every component opened so far is closed.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}

	if err := a.openStore(); err != nil {
		return nil, err
	}

	opts := []pipeline.Option{pipeline.WithLogger(log)}

	var client *goredis.Client
	if cfg.Redis.Addr != "" {
		client = redis.NewClient(cfg.RedisOptions())
		a.closers = append(a.closers, client.Close)
		opts = append(opts, pipeline.WithCache(redis.NewDashboardCache(client, cfg.Redis.Prefix, cfg.Redis.DashboardTTL, log)))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis dashboard cache enabled")
	}
	if locker := a.ownerLocker(client); locker != nil {
		opts = append(opts, pipeline.WithLocker(locker))
	}

	if cfg.GCP.ProjectID != "" || cfg.GCP.Bucket != "" {
		svc, err := gcsuploader.NewGCSStorageService(ctx, cfg.GCP.MaxObjectBytes)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		a.Storage = svc
		a.closers = append(a.closers, svc.Close)
		opts = append(opts, pipeline.WithFetcher(svc))
	}

	if cfg.GCP.Dataset != "" {
		sink, err := infraBQ.NewRunSink(ctx, cfg.GCP.ProjectID, cfg.GCP.Dataset, cfg.GCP.RunsTable)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		a.Runs = sink
		a.closers = append(a.closers, sink.Close)
		opts = append(opts, pipeline.WithSink(sink))
		log.Info().Str("dataset", cfg.GCP.Dataset).Str("table", cfg.GCP.RunsTable).Msg("Run export to BigQuery enabled")
	}

	if cfg.GenAI.Enabled {
		ex, err := extract.New(ctx, cfg.GenAI.Model)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		opts = append(opts, pipeline.WithExtractor(ex))
		log.Info().Str("model", cfg.GenAI.Model).Msg("PDF statement extraction enabled")
	}

	a.Orchestrator = pipeline.New(a.Store, pcfg, opts...)
	return a, nil
}

func (a *App) openStore() error {
	if a.Config.DB.DSN == "" {
		a.Log.Warn().Msg("DB_DSN is not set, using the in-memory store")
		a.Store = memory.NewStore()
		return nil
	}

	db, err := postgres.Open(a.Config.DB.DSN, a.Config.PostgresOptions())
	if err != nil {
		return fmt.Errorf("New: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("New: getting sql.DB: %w", err)
	}
	a.closers = append(a.closers, sqlDB.Close)
	a.db = db
	a.Store = postgres.New(db)
	return nil
}

// ownerLocker picks the lock shared by every process on the same ledger:
// Redis when configured, else postgres advisory locks. The in-memory store is
// private to the process and keeps the orchestrator's local locks (nil).
func (a *App) ownerLocker(client *goredis.Client) pipeline.OwnerLocker {
	switch {
	case client != nil:
		a.Log.Info().Msg("Redis owner locks enabled")
		return redis.NewOwnerLocks(client, a.Config.Redis.Prefix, a.Config.Redis.LockTTL, a.Log)
	case a.db != nil:
		a.Log.Info().Msg("Postgres advisory owner locks enabled")
		return postgres.NewOwnerLocks(a.db, a.Log)
	}
	return nil
}

// Migrate auto-migrates the postgres schema and creates the query indexes.
// It fails on the in-memory store.
func (a *App) Migrate(ctx context.Context) error {
	if a.db == nil {
		return errors.New("Migrate: DB_DSN is not set")
	}
	if err := postgres.Migrate(ctx, a.db); err != nil {
		return err
	}
	return a.Store.EnsureIndexes(ctx)
}

// Close releases every opened component in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, goredis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
