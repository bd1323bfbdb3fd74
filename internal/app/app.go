// Package app assembles the StudyLoop services from configuration. The HTTP
// server, the Temporal worker, and the sweep commands all share one App.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	temporalsdkclient "go.temporal.io/sdk/client"
	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/config"
	"github.com/studyloopai/studyloop-backend/internal/generator"
	"github.com/studyloopai/studyloop-backend/internal/lock"
	"github.com/studyloopai/studyloop-backend/internal/ratelimit"
	"github.com/studyloopai/studyloop-backend/internal/repo"
	"github.com/studyloopai/studyloop-backend/internal/runner"
	"github.com/studyloopai/studyloop-backend/internal/services"
	"github.com/studyloopai/studyloop-backend/internal/worker"
)

// Infra are the external connections an App is built on. Redis and Temporal
// are optional.
type Infra struct {
	DB       *gorm.DB
	Redis    goredis.UniversalClient
	Temporal temporalsdkclient.Client
	Plans    config.PlanCatalog
}

// App holds the shared collaborators and services.
type App struct {
	Config config.Config
	Infra

	Tracker  runner.Tracker
	Runner   runner.Runner
	Registry *runner.Registry
	Tokens   *runner.TokenIssuer
	Guard    *ratelimit.Guard
	Locker   lock.Locker

	Idempotency *services.IdempotencyService
	Configs     *services.GenerationConfigService
	Quota       *services.QuotaService
	Materials   *services.MaterialService
	Dispatch    *services.DispatchService
	Status      *services.StatusService
	Content     *services.ContentService
	Jobs        *services.JobService
	Webhooks    *services.WebhookService
	Sweeps      *services.SweepService
}

// Open connects to the configured stores and assembles an App. Without a
// Temporal address every dispatch fails closed with the runner unavailable.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		return nil, err
	}

	db, err := repo.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	infra := Infra{DB: db, Plans: plans}

	if cfg.Redis.Enabled() {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			// Rate-limit windows fail open, so a cold Redis only degrades.
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis ping failed")
		}
		infra.Redis = rdb
	}

	if cfg.Temporal.Enabled() {
		tc, err := runner.Dial(ctx, cfg.Temporal, logger)
		if err != nil {
			closeInfra(infra)
			return nil, err
		}
		infra.Temporal = tc
	} else {
		logger.Warn().Msg("TEMPORAL_ADDRESS not set; generation dispatch is disabled")
	}

	return Assemble(cfg, infra), nil
}

// Assemble builds the services over infra.
func Assemble(cfg config.Config, infra Infra) *App {
	a := &App{
		Config:   cfg,
		Infra:    infra,
		Registry: runner.NewRegistry(cfg.Generation.MaxTaskDuration),
		Tokens:   runner.NewTokenIssuer(cfg.Generation.RunTokenSecret, cfg.Generation.RunTokenTTL),
	}

	if infra.Redis != nil {
		a.Tracker = runner.NewRedisTracker(infra.Redis)
		a.Guard = ratelimit.NewGuard(ratelimit.NewRedisStore(infra.Redis))
		a.Locker = lock.NewRedisLocker(infra.Redis)
	} else {
		a.Tracker = runner.NewMemoryTracker()
		a.Guard = ratelimit.NewGuard(ratelimit.NewMemoryStore())
		a.Locker = lock.NewFileLocker(cfg.Sweep.LockDir)
	}

	if infra.Temporal != nil {
		a.Runner = runner.NewTemporalRunner(infra.Temporal, cfg.Temporal.TaskQueue, a.Tokens)
	} else {
		a.Runner = runner.Unavailable{}
	}

	db := infra.DB
	now := func() time.Time { return time.Now().UTC() }

	a.Idempotency = services.NewIdempotencyService(db)
	a.Configs = services.NewGenerationConfigService(db)
	a.Quota = services.NewQuotaService(db, infra.Plans)
	a.Status = services.NewStatusService(db, a.Tracker, cfg.Generation.JobMaxAge)
	a.Content = &services.ContentService{DB: db}
	a.Jobs = services.NewJobService(db, cfg.Generation.JobMaxAge)
	a.Materials = &services.MaterialService{
		DB:             db,
		Configs:        a.Configs,
		Quota:          a.Quota,
		Idempotency:    a.Idempotency,
		Guard:          a.Guard,
		Limits:         cfg.Limits,
		Runner:         a.Runner,
		Tracker:        a.Tracker,
		Registry:       a.Registry,
		IdempotencyTTL: cfg.IdempotencyTTL,
		MaxRetries:     cfg.IdempotencyMaxRetries,
		Now:            now,
	}
	a.Dispatch = &services.DispatchService{
		DB:       db,
		Configs:  a.Configs,
		Quota:    a.Quota,
		Guard:    a.Guard,
		Limits:   cfg.Limits,
		Runner:   a.Runner,
		Tracker:  a.Tracker,
		Registry: a.Registry,
		Now:      now,
	}
	a.Webhooks = &services.WebhookService{
		DB:          db,
		Idempotency: a.Idempotency,
		Plans:       infra.Plans,
		Secret:      cfg.Webhooks.Secret,
		TTL:         cfg.Webhooks.IdempotencyTTL,
		MaxRetries:  cfg.Webhooks.MaxRetries,
	}
	a.Sweeps = &services.SweepService{
		DB:          db,
		Quota:       a.Quota,
		Webhooks:    a.Webhooks,
		Jobs:        a.Jobs,
		Locker:      a.Locker,
		Concurrency: cfg.Sweep.Concurrency,
		RetryBatch:  cfg.Sweep.RetryBatch,
		Now:         now,
	}
	return a
}

// Worker returns a Temporal worker over the App's services.
func (a *App) Worker(logger zerolog.Logger) (*worker.Worker, error) {
	if a.Temporal == nil {
		return nil, errors.New("worker requires TEMPORAL_ADDRESS")
	}
	return &worker.Worker{
		Client:      a.Temporal,
		TaskQueue:   a.Config.Temporal.TaskQueue,
		Concurrency: a.Config.Temporal.Concurrency,
		Registry:    a.Registry,
		Activities: &worker.Activities{
			DB:        a.DB,
			Configs:   a.Configs,
			Dispatch:  a.Dispatch,
			Quota:     a.Quota,
			Tracker:   a.Tracker,
			Embedder:  generator.NewIndexEmbedder(),
			Generator: generator.NewExtractiveGenerator(),
		},
		StartMaxWait: a.Config.Temporal.DialMaxWait,
		Logger:       logger,
	}, nil
}

// Close releases every connection.
func (a *App) Close() error { return closeInfra(a.Infra) }

func closeInfra(in Infra) error {
	var errs []error
	if in.Temporal != nil {
		in.Temporal.Close()
	}
	if in.Redis != nil {
		errs = append(errs, in.Redis.Close())
	}
	if in.DB != nil {
		if sqlDB, err := in.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
