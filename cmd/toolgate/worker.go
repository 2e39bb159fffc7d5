package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Strob0t/toolgate/internal/adapter/executor"
	"github.com/Strob0t/toolgate/internal/adapter/otel"
	"github.com/Strob0t/toolgate/internal/config"
	"github.com/Strob0t/toolgate/internal/domain/tool"
	portexec "github.com/Strob0t/toolgate/internal/port/executor"
	"github.com/Strob0t/toolgate/internal/service"
)

func runWorker(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, flush, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := otel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer shutdownWith(shutdownOtel)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	executors := portexec.Registry{
		tool.ExecutorHost:      executor.NewHost(),
		tool.ExecutorSandboxed: executor.NewSandboxed(cfg.Executor.Sandbox, cfg.Executor.Workspace, slog.Default()),
	}
	runner := service.NewJobRunner(a.store, a.tools, executors, a.audit, service.JobRunnerConfig{
		RunsDir:     cfg.Executor.RunsDir,
		Workspace:   cfg.Executor.Workspace,
		DataDir:     cfg.Executor.DataDir,
		StrictPaths: cfg.Policy.StrictPaths,
	})
	runner.SetQueue(a.queue)
	runner.SetMetrics(a.metrics)

	w := service.NewWorker(a.store, a.queue, runner, cfg.Worker)
	cancels, err := w.StartSubscribers(ctx)
	if err != nil {
		return err
	}
	go w.RunSweeper(ctx)
	go a.schedules.Run(ctx, cfg.Worker.ScheduleEvery)

	slog.Info("worker started", "runs_dir", cfg.Executor.RunsDir, "workspace", cfg.Executor.Workspace)
	<-ctx.Done()
	slog.Info("worker shutting down")

	for _, cancel := range cancels {
		cancel()
	}
	if err := a.queue.Drain(); err != nil {
		slog.Warn("queue drain", "error", err)
	}
	return nil
}
