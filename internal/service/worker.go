package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/toolgate/internal/config"
	"github.com/Strob0t/toolgate/internal/port/database"
	"github.com/Strob0t/toolgate/internal/port/messagequeue"
)

const sweepBatch = 100

// Worker consumes runs.execute with a JobRunner. It periodically
// republishes queued runs whose job message was lost and fails running
// runs whose worker died.
type Worker struct {
	store  database.Store
	queue  messagequeue.Queue
	runner *JobRunner
	cfg    config.Worker
}

// NewWorker creates a Worker.
func NewWorker(store database.Store, queue messagequeue.Queue, runner *JobRunner, cfg config.Worker) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{store: store, queue: queue, runner: runner, cfg: cfg}
}

// StartSubscribers opens cfg.Concurrency subscriptions on runs.execute.
// Each handles one message at a time. Returns cancel functions for each.
func (w *Worker) StartSubscribers(ctx context.Context) ([]func(), error) {
	cancels := make([]func(), 0, w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		cancel, err := w.queue.Subscribe(ctx, messagequeue.SubjectRunExecute, w.runner.Handle)
		if err != nil {
			cancelAll(cancels)
			return nil, fmt.Errorf("subscribe run execute: %w", err)
		}
		cancels = append(cancels, cancel)
	}
	slog.Info("worker subscribed", "subject", messagequeue.SubjectRunExecute, "concurrency", w.cfg.Concurrency)
	return cancels, nil
}

// RunSweeper runs Sweep and Reap every cfg.SweepEvery until ctx is done.
// A run that was already executed is skipped by the JobRunner.
func (w *Worker) RunSweeper(ctx context.Context) {
	requeue, reap := w.cfg.RequeueAfter > 0, w.cfg.AbandonGrace > 0
	if w.cfg.SweepEvery <= 0 || (!requeue && !reap) {
		slog.Info("run sweeper disabled")
		return
	}
	t := time.NewTicker(w.cfg.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if requeue {
				if _, err := w.Sweep(ctx); err != nil {
					slog.Warn("queued-run sweep failed", "error", err)
				}
			}
			if reap {
				if _, err := w.Reap(ctx); err != nil {
					slog.Warn("abandoned-run sweep failed", "error", err)
				}
			}
		}
	}
}

// Reap fails one batch of running runs whose worker is gone. See
// JobRunner.Reap.
func (w *Worker) Reap(ctx context.Context) (int, error) {
	n, err := w.runner.Reap(ctx, w.cfg.AbandonGrace, sweepBatch)
	if n > 0 {
		slog.Info("failed abandoned runs", "count", n)
	}
	return n, err
}

// Sweep republishes one batch of queued runs older than RequeueAfter and
// returns how many were published.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	stale, err := w.store.ListStaleQueuedRuns(ctx, time.Now().UTC().Add(-w.cfg.RequeueAfter), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}
	n := 0
	for i := range stale {
		if err := publishRunJob(ctx, w.queue, &stale[i]); err != nil {
			slog.Warn("requeue failed", "run_id", stale[i].ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		slog.Info("requeued stale runs", "count", n)
	}
	return n, nil
}

func cancelAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
