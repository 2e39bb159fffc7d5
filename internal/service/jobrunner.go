package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Strob0t/toolgate/internal/adapter/otel"
	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/approval"
	"github.com/Strob0t/toolgate/internal/domain/argschema"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/pathguard"
	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/domain/tool"
	"github.com/Strob0t/toolgate/internal/logger"
	"github.com/Strob0t/toolgate/internal/port/database"
	"github.com/Strob0t/toolgate/internal/port/executor"
	"github.com/Strob0t/toolgate/internal/port/messagequeue"
)

// JobRunner executes queued runs delivered by the work queue. Every
// delivery is safe to repeat: terminal and running runs are skipped and
// the queued → running claim is conditional.
type JobRunner struct {
	store       database.Store
	tools       *ToolRegistry
	executors   executor.Registry
	queue       messagequeue.Queue
	audit       *AuditService
	metrics     *otel.Metrics
	runsDir     string
	workspace   string
	dataDir     string
	strictPaths bool
}

// JobRunnerConfig holds the filesystem layout a JobRunner works in.
type JobRunnerConfig struct {
	RunsDir     string
	Workspace   string
	DataDir     string
	StrictPaths bool
}

// NewJobRunner creates a JobRunner.
func NewJobRunner(store database.Store, tools *ToolRegistry, executors executor.Registry, auditSvc *AuditService, cfg JobRunnerConfig) *JobRunner {
	return &JobRunner{
		store:       store,
		tools:       tools,
		executors:   executors,
		audit:       auditSvc,
		runsDir:     cfg.RunsDir,
		workspace:   cfg.Workspace,
		dataDir:     cfg.DataDir,
		strictPaths: cfg.StrictPaths,
	}
}

// SetQueue enables runs.events notifications after each finished run.
func (j *JobRunner) SetQueue(q messagequeue.Queue) { j.queue = q }

// SetMetrics attaches metric instruments.
func (j *JobRunner) SetMetrics(m *otel.Metrics) { j.metrics = m }

// Handle is the messagequeue.Handler for runs.execute.
func (j *JobRunner) Handle(ctx context.Context, _ string, data []byte) error {
	var job messagequeue.RunJobPayload
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("decode run job: %w", err)
	}
	return j.Process(ctx, job)
}

// Process drives one run to a terminal state. A returned error means the
// store could not be reached and the delivery should be retried; every
// other failure is recorded on the run itself.
func (j *JobRunner) Process(ctx context.Context, job messagequeue.RunJobPayload) (err error) {
	if job.RequestID != "" && logger.RequestID(ctx) == "" {
		ctx = logger.WithRequestID(ctx, job.RequestID)
	}
	log := logger.From(ctx, slog.Default()).With("run_id", job.RunID, "tool_id", job.ToolID)

	ctx, span := otel.StartRunSpan(ctx, job.RunID, job.ToolID)
	defer func() { otel.EndSpan(span, err) }()

	defer func() {
		if p := recover(); p != nil {
			log.Error("run processing panicked", "panic", p)
			j.fail(ctx, job.RunID, job.ToolID, audit.RunFailed, fmt.Sprintf("internal error: %v", p))
			err = nil
		}
	}()

	r, err := j.store.GetRun(ctx, job.RunID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("run job for unknown run, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if r.Status.IsTerminal() || r.Status == run.StatusRunning {
		log.Debug("run already handled, skipping", "status", r.Status)
		return nil
	}

	a, err := j.store.GetLatestApprovalFor(ctx, approval.ResourceRun, r.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a = nil
	case err != nil:
		return fmt.Errorf("load approval: %w", err)
	case a.Status != approval.StatusApproved:
		return j.park(ctx, r, a)
	}

	t, err := j.tools.Get(ctx, r.ToolID)
	if errors.Is(err, domain.ErrNotFound) {
		j.fail(ctx, r.ID, r.ToolID, audit.RunFailed, "tool not found: "+r.ToolID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load tool: %w", err)
	}

	// A run can reach the queue without passing Submit (a direct insert or
	// a replayed job). The risk gate is enforced here too.
	if a == nil && t.RiskLevel.Effective().NeedsApproval() {
		return j.requestApproval(ctx, r, t)
	}

	if err := argschema.Validate(r.Args, t.ArgsSchema); err != nil {
		if errors.Is(err, argschema.ErrSchema) {
			log.Error("tool schema does not compile, rejecting run", "error", err)
		}
		j.fail(ctx, r.ID, t.ID, audit.RunInvalidArgs, "invalid args: "+err.Error())
		return nil
	}
	if err := pathguard.Check(r.Args, t.AllowedPaths, j.strictPaths); err != nil {
		j.fail(ctx, r.ID, t.ID, audit.RunPathBlocked, err.Error())
		return nil
	}

	if err := j.store.ClaimRun(ctx, r.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Debug("run claimed by another delivery")
			return nil
		}
		return fmt.Errorf("claim run: %w", err)
	}

	j.execute(ctx, r, t, log)
	return nil
}

// park holds r behind its latest approval a, which is pending or denied.
func (j *JobRunner) park(ctx context.Context, r *run.Run, a *approval.Approval) error {
	target, reason := run.StatusPendingApproval, "awaiting approval "+a.ID
	if a.Status == approval.StatusDenied {
		target, reason = run.StatusDenied, "approval denied"
		if a.DecisionNote != "" {
			reason = a.DecisionNote
		}
	}
	if r.Status != target {
		errMsg := ""
		if target == run.StatusDenied {
			errMsg = reason
		}
		if err := j.store.ParkRun(ctx, r.ID, target, errMsg); err != nil && !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("park run: %w", err)
		}
	}
	j.blocked(ctx, r, reason, map[string]any{"approval_id": a.ID, "approval_status": string(a.Status)})
	logger.From(ctx, slog.Default()).Info("run parked", "run_id", r.ID, "status", target)
	return nil
}

// requestApproval parks a queued high-risk run that has no approval record
// behind a fresh pending approval.
func (j *JobRunner) requestApproval(ctx context.Context, r *run.Run, t *tool.Tool) error {
	reason := fmt.Sprintf("risk_level=%s requires approval", t.RiskLevel.Effective())
	a, err := newRunApproval(t, r, r.CreatedBy, reason)
	if err != nil {
		return err
	}
	if err := j.store.RequestRunApproval(ctx, a); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.From(ctx, slog.Default()).Debug("run left the queue before approval was requested", "run_id", r.ID)
			return nil
		}
		return fmt.Errorf("request approval: %w", err)
	}

	j.blocked(ctx, r, reason, map[string]any{"approval_id": a.ID, "approval_status": string(a.Status)})
	j.audit.Log(ctx, audit.Event{
		Type: audit.ApprovalRequested, Action: "request", ActorID: r.CreatedBy,
		ResourceType: "approval", ResourceID: a.ID,
		Message: reason,
		Meta:    map[string]any{"run_id": r.ID, "tool_id": t.ID, "risk_level": string(t.RiskLevel)},
	})
	logger.From(ctx, slog.Default()).Warn("queued run had no approval, parked",
		"run_id", r.ID, "approval_id", a.ID, "risk_level", string(t.RiskLevel))
	return nil
}

func (j *JobRunner) blocked(ctx context.Context, r *run.Run, reason string, meta map[string]any) {
	j.audit.Log(ctx, audit.Event{
		Type: audit.RunBlocked, Action: "dispatch", Status: audit.StatusFail,
		ResourceType: "run", ResourceID: r.ID,
		Message: reason,
		Meta:    meta,
	})
	j.metrics.Blocked(ctx, r.ToolID, audit.RunBlocked)
}

func (j *JobRunner) execute(ctx context.Context, r *run.Run, t *tool.Tool, log *slog.Logger) {
	ex, err := j.executors.For(t.Kind())
	if err != nil {
		j.fail(ctx, r.ID, t.ID, audit.RunFailed, err.Error())
		return
	}

	stdoutPath, stderrPath := r.StdoutPath, r.StderrPath
	if stdoutPath == "" {
		stdoutPath = filepath.Join(j.runsDir, r.ID, "stdout.txt")
	}
	if stderrPath == "" {
		stderrPath = filepath.Join(j.runsDir, r.ID, "stderr.txt")
	}
	stdout, stderr, closeFiles, err := openOutputs(stdoutPath, stderrPath)
	if err != nil {
		j.fail(ctx, r.ID, t.ID, audit.RunFailed, "open output files: "+err.Error())
		return
	}
	defer closeFiles()

	env := tool.Env(r.ID, t.ID, r.Args)
	if j.workspace != "" {
		env = append(env, "WORKSPACE="+j.workspace)
	}
	if j.dataDir != "" {
		env = append(env, "DATA_DIR="+j.dataDir)
	}
	timeout := time.Duration(t.Timeout()) * time.Second

	log.Info("run started", "executor", t.Kind(), "timeout", timeout)
	start := time.Now()
	code, runErr := ex.Run(ctx, executor.Spec{
		RunID:   r.ID,
		Command: tool.Render(t.Command, r.Args),
		Cwd:     t.Cwd,
		Env:     env,
		Timeout: timeout,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	elapsed := time.Since(start)

	outcome := run.Outcome{ExitCode: code}
	if runErr != nil {
		outcome = run.Outcome{ExitCode: executor.ExitLaunchFailure, Error: runErr.Error()}
	} else if code != 0 {
		outcome.Error = fmt.Sprintf("exit code %d", code)
	}
	status := outcome.FinalStatus()
	timedOut := code == executor.ExitTimeout && runErr == nil && elapsed >= timeout

	// The run must be finished even if the delivery context was cancelled.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	exitCode := outcome.ExitCode
	if err := j.store.FinishRun(fctx, r.ID, status, &exitCode, outcome.Error, time.Now().UTC()); err != nil {
		log.Error("record run finish failed", "error", err)
	}

	auditStatus := audit.StatusSuccess
	if status != run.StatusSucceeded {
		auditStatus = audit.StatusFail
	}
	j.audit.Log(fctx, audit.Event{
		Type: audit.RunExecuted, Action: "execute", Status: auditStatus,
		ActorID:      r.CreatedBy,
		ResourceType: "run", ResourceID: r.ID,
		Message: outcome.Error,
		Meta: map[string]any{
			"tool_id":     t.ID,
			"exit_code":   exitCode,
			"duration_ms": elapsed.Milliseconds(),
			"timed_out":   timedOut,
		},
	})
	j.metrics.Finished(fctx, t.ID, string(status), elapsed.Seconds())
	j.notify(fctx, r.ID, t.ID, status, &exitCode)

	log.Info("run finished", "status", status, "exit_code", exitCode, "duration", elapsed, "timed_out", timedOut)
}

// fail finishes a run as failed without executing it.
// abandonedMsg is recorded on runs whose worker stopped before finishing them.
const abandonedMsg = "abandoned by worker"

// Reap fails running runs that have outlived their tool timeout plus
// grace. Such a run was claimed by a worker that exited before recording
// an outcome. It returns how many runs were failed.
func (j *JobRunner) Reap(ctx context.Context, grace time.Duration, limit int) (int, error) {
	now := time.Now().UTC()
	stale, err := j.store.ListStaleRunningRuns(ctx, now.Add(-grace), limit)
	if err != nil {
		return 0, fmt.Errorf("list running runs: %w", err)
	}

	n := 0
	for i := range stale {
		r := &stale[i]
		if r.StartedAt == nil {
			continue
		}
		timeout := time.Duration(tool.DefaultTimeoutSec) * time.Second
		if t, err := j.tools.Get(ctx, r.ToolID); err == nil {
			timeout = time.Duration(t.Timeout()) * time.Second
		}
		if now.Sub(*r.StartedAt) < timeout+grace {
			continue
		}

		err := j.store.FinishRun(ctx, r.ID, run.StatusFailed, nil, abandonedMsg, now)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("fail abandoned run %s: %w", r.ID, err)
		}
		j.audit.Log(ctx, audit.Event{
			Type: audit.RunFailed, Action: "reap", Status: audit.StatusFail,
			ResourceType: "run", ResourceID: r.ID,
			Message: abandonedMsg,
			Meta:    map[string]any{"tool_id": r.ToolID, "started_at": r.StartedAt.Format(time.RFC3339)},
		})
		j.metrics.Finished(ctx, r.ToolID, string(run.StatusFailed), now.Sub(*r.StartedAt).Seconds())
		j.notify(ctx, r.ID, r.ToolID, run.StatusFailed, nil)
		logger.From(ctx, slog.Default()).Warn("abandoned run failed", "run_id", r.ID, "tool_id", r.ToolID, "started_at", *r.StartedAt)
		n++
	}
	return n, nil
}

func (j *JobRunner) fail(ctx context.Context, runID, toolID, eventType, msg string) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := j.store.FinishRun(fctx, runID, run.StatusFailed, nil, msg, time.Now().UTC()); err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Error("record run failure failed", "run_id", runID, "error", err)
	}
	j.audit.Log(fctx, audit.Event{
		Type: eventType, Action: "dispatch", Status: audit.StatusFail,
		ResourceType: "run", ResourceID: runID,
		Message: msg,
		Meta:    map[string]any{"tool_id": toolID},
	})
	j.metrics.Finished(fctx, toolID, string(run.StatusFailed), 0)
	j.notify(fctx, runID, toolID, run.StatusFailed, nil)
	logger.From(ctx, slog.Default()).Warn("run failed before execution", "run_id", runID, "event", eventType, "reason", msg)
}

func (j *JobRunner) notify(ctx context.Context, runID, toolID string, status run.Status, exitCode *int) {
	if j.queue == nil {
		return
	}
	data, err := json.Marshal(messagequeue.RunEventPayload{RunID: runID, ToolID: toolID, Status: string(status), ExitCode: exitCode})
	if err != nil {
		return
	}
	if err := j.queue.Publish(ctx, messagequeue.SubjectRunEvents, data); err != nil {
		slog.Debug("run event publish failed", "run_id", runID, "error", err)
	}
}

func openOutputs(stdoutPath, stderrPath string) (stdout, stderr *os.File, closeFn func(), err error) {
	for _, p := range []string{stdoutPath, stderrPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, nil, nil, err
		}
	}
	stdout, err = os.Create(stdoutPath) //nolint:gosec // G304: path built from runs_dir and run id
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err = os.Create(stderrPath) //nolint:gosec // G304: path built from runs_dir and run id
	if err != nil {
		_ = stdout.Close()
		return nil, nil, nil, err
	}
	return stdout, stderr, func() {
		_ = stdout.Close()
		_ = stderr.Close()
	}, nil
}
