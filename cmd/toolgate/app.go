package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	cfnats "github.com/Strob0t/toolgate/internal/adapter/nats"
	"github.com/Strob0t/toolgate/internal/adapter/natskv"
	"github.com/Strob0t/toolgate/internal/adapter/otel"
	"github.com/Strob0t/toolgate/internal/adapter/postgres"
	"github.com/Strob0t/toolgate/internal/adapter/ristretto"
	"github.com/Strob0t/toolgate/internal/adapter/tiered"
	"github.com/Strob0t/toolgate/internal/config"
	"github.com/Strob0t/toolgate/internal/logger"
	"github.com/Strob0t/toolgate/internal/port/cache"
	"github.com/Strob0t/toolgate/internal/service"
)

// app holds the infrastructure and services shared by every command.
type app struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	store   *postgres.Store
	queue   *cfnats.Queue
	metrics *otel.Metrics

	tools     *service.ToolRegistry
	audit     *service.AuditService
	runs      *service.RunService
	approvals *service.ApprovalService
	schedules *service.SchedulerService
	tokens    *service.TokenService

	closers []func()
}

// newApp connects to postgres and NATS and builds the core services.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	a.store = postgres.NewStore(pool)

	queue, err := cfnats.Connect(ctx, cfg.NATS, slog.Default())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("nats: %w", err)
	}
	a.queue = queue
	a.closers = append(a.closers, func() { _ = queue.Close() })

	toolCache, err := a.openCache(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	metrics, err := otel.NewMetrics()
	if err != nil {
		slog.Warn("metrics disabled", "error", err)
	}
	a.metrics = metrics

	a.tools = service.NewToolRegistry(a.store, toolCache, cfg.Cache.ToolTTL)
	a.audit = service.NewAuditService(a.store)
	a.runs = service.NewRunService(a.store, a.tools, queue, a.audit, cfg.Executor.RunsDir, cfg.Policy.StrictPaths)
	a.runs.SetMetrics(metrics)
	a.runs.SetPollInterval(cfg.Orchestrator.PollInterval)
	a.approvals = service.NewApprovalService(a.store, queue, a.audit)
	a.approvals.SetMetrics(metrics)
	a.approvals.SetPollInterval(cfg.Orchestrator.PollInterval)
	a.schedules = service.NewSchedulerService(a.store, a.tools, a.runs, a.audit)
	a.tokens = service.NewTokenService(a.store, a.audit)
	return a, nil
}

// openCache builds the tool cache: ristretto in-process, fronting a
// shared NATS KV bucket when cache.l2_bucket is set.
func (a *app) openCache(ctx context.Context) (cache.Cache, error) {
	l1, err := ristretto.New(a.cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return nil, fmt.Errorf("tool cache: %w", err)
	}
	a.closers = append(a.closers, l1.Close)
	if a.cfg.Cache.L2Bucket == "" {
		return l1, nil
	}

	l2, err := natskv.Open(ctx, a.queue.JetStream(), a.cfg.Cache.L2Bucket, a.cfg.Cache.L2TTL)
	if err != nil {
		return nil, fmt.Errorf("tool cache l2: %w", err)
	}
	return tiered.New(l1, l2, a.cfg.Cache.ToolTTL, slog.Default()), nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// loadConfig loads configuration with CLI overrides and installs the
// configured logger as the slog default. The returned func flushes it.
func loadConfig(flags config.CLIFlags) (*config.Config, func(), error) {
	cfg, path, err := config.LoadWithCLI(flags)
	if err != nil {
		return nil, nil, err
	}
	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	slog.Debug("config loaded", "path", path)
	return cfg, closer.Close, nil
}

// commandFlags returns a flag set for a CLI subcommand with --config/-c
// already registered.
func commandFlags(name string) (*flag.FlagSet, *config.CLIFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cf := &config.CLIFlags{}
	setPath := func(v string) error {
		cf.ConfigPath = &v
		return nil
	}
	fs.Func("config", "path to YAML config", setPath)
	fs.Func("c", "shorthand for --config", setPath)
	return fs, cf
}

// withApp loads config, builds the app, and runs fn with it.
func withApp(flags *config.CLIFlags, fn func(ctx context.Context, a *app) error) error {
	cfg, flush, err := loadConfig(*flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer flush()

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
