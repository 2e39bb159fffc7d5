package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/toolgate/internal/adapter/otel"
	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/approval"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/pathguard"
	"github.com/Strob0t/toolgate/internal/domain/policy"
	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/domain/tool"
	"github.com/Strob0t/toolgate/internal/logger"
	"github.com/Strob0t/toolgate/internal/port/database"
	"github.com/Strob0t/toolgate/internal/port/messagequeue"
)

// OutputTailBytes is how much of each output stream GetOutput returns.
const OutputTailBytes = 4000

// RunService accepts run submissions and answers run queries.
type RunService struct {
	store       database.Store
	tools       *ToolRegistry
	queue       messagequeue.Queue
	audit       *AuditService
	engine      policy.Engine
	metrics     *otel.Metrics
	runsDir     string
	strictPaths bool
	poll        time.Duration
}

// NewRunService creates a RunService. runsDir is where each run's
// stdout.txt and stderr.txt live.
func NewRunService(store database.Store, tools *ToolRegistry, queue messagequeue.Queue, auditSvc *AuditService, runsDir string, strictPaths bool) *RunService {
	return &RunService{
		store:       store,
		tools:       tools,
		queue:       queue,
		audit:       auditSvc,
		runsDir:     runsDir,
		strictPaths: strictPaths,
		poll:        2 * time.Second,
	}
}

// SetMetrics attaches metric instruments.
func (s *RunService) SetMetrics(m *otel.Metrics) { s.metrics = m }

// SetPollInterval changes how often Await re-reads a run.
func (s *RunService) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.poll = d
	}
}

// Submit evaluates policy for the request and records a run. The run is
// either queued and published for the worker, or parked behind a new
// approval request. Policy, schema and path violations are returned as
// errors and create no run.
func (s *RunService) Submit(ctx context.Context, caller policy.Caller, req run.CreateRequest) (*run.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}
	log := logger.From(ctx, slog.Default()).With("tool_id", req.ToolID, "actor", caller.ID)

	t, err := s.tools.Get(ctx, req.ToolID)
	if err != nil {
		return nil, fmt.Errorf("get tool %s: %w", req.ToolID, err)
	}

	decision := s.engine.Decide(caller.Scopes, t, req.Args)
	if !decision.Allowed {
		// Past the scope and enabled checks the only refusal is the schema.
		if caller.Can(policy.ScopeExecute) && t.Enabled {
			s.reject(ctx, caller, t, audit.RunInvalidArgs, decision.Reason)
			return nil, fmt.Errorf("%s: %w", decision.Reason, domain.ErrValidation)
		}
		s.reject(ctx, caller, t, audit.RunBlocked, decision.Reason)
		return nil, fmt.Errorf("%s: %w", decision.Reason, domain.ErrPolicyDenied)
	}

	if len(t.AllowedPaths) == 0 && len(pathguard.Extract(req.Args)) > 0 {
		log.Warn("tool has no path allow-list; path arguments are unrestricted", "strict", s.strictPaths)
	}
	if err := pathguard.Check(req.Args, t.AllowedPaths, s.strictPaths); err != nil {
		s.reject(ctx, caller, t, audit.RunPathBlocked, err.Error())
		return nil, err
	}

	id := uuid.NewString()
	r := &run.Run{
		ID:         id,
		ToolID:     t.ID,
		Args:       req.Args,
		CreatedBy:  caller.ID,
		StdoutPath: filepath.Join(s.runsDir, id, "stdout.txt"),
		StderrPath: filepath.Join(s.runsDir, id, "stderr.txt"),
	}

	if decision.RequiresApproval {
		if err := s.createGated(ctx, caller, t, r, req.Reason); err != nil {
			return nil, err
		}
		log.Info("run awaiting approval", "run_id", r.ID, "approval_id", r.ApprovalID)
		return r, nil
	}

	r.Status = run.StatusQueued
	if err := s.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w: %w", domain.ErrUnavailable, err)
	}
	s.audit.Log(ctx, audit.Event{
		Type: audit.RunCreated, Action: "submit", ActorID: caller.ID,
		ResourceType: "run", ResourceID: r.ID,
		Message: decision.Reason,
		Meta:    map[string]any{"tool_id": t.ID, "status": string(r.Status)},
	})
	s.metrics.Submitted(ctx, t.ID, string(r.Status))

	// The run is durable; if the publish fails the worker's sweeper
	// republishes it.
	if err := publishRunJob(ctx, s.queue, r); err != nil {
		log.Warn("run job publish failed, left for sweeper", "run_id", r.ID, "error", err)
	}
	log.Info("run queued", "run_id", r.ID)
	return r, nil
}

func (s *RunService) createGated(ctx context.Context, caller policy.Caller, t *tool.Tool, r *run.Run, reason string) error {
	if reason == "" {
		reason = "execute tool " + t.ID
	}
	a, err := newRunApproval(t, r, caller.ID, reason)
	if err != nil {
		return err
	}
	r.Status = run.StatusPendingApproval
	if err := s.store.CreateRunWithApproval(ctx, r, a); err != nil {
		return fmt.Errorf("create gated run: %w: %w", domain.ErrUnavailable, err)
	}

	s.audit.Log(ctx, audit.Event{
		Type: audit.RunCreated, Action: "submit", ActorID: caller.ID,
		ResourceType: "run", ResourceID: r.ID,
		Meta: map[string]any{"tool_id": t.ID, "status": string(r.Status), "approval_id": a.ID},
	})
	s.audit.Log(ctx, audit.Event{
		Type: audit.ApprovalRequested, Action: "request", ActorID: caller.ID,
		ResourceType: "approval", ResourceID: a.ID,
		Message: reason,
		Meta:    map[string]any{"run_id": r.ID, "tool_id": t.ID, "risk_level": string(t.RiskLevel)},
	})
	s.metrics.Submitted(ctx, t.ID, string(r.Status))
	return nil
}

// newRunApproval builds the pending approval that gates r.
func newRunApproval(t *tool.Tool, r *run.Run, requestedBy, reason string) (*approval.Approval, error) {
	payload, err := json.Marshal(approval.RunPayload{ToolID: t.ID, Args: r.Args, RunID: r.ID})
	if err != nil {
		return nil, fmt.Errorf("marshal approval payload: %w", err)
	}
	return &approval.Approval{
		ID:           uuid.NewString(),
		ResourceType: approval.ResourceRun,
		ResourceID:   r.ID,
		RequestedBy:  requestedBy,
		RiskLevel:    string(t.RiskLevel),
		Reason:       reason,
		Payload:      payload,
		Status:       approval.StatusPending,
	}, nil
}

func (s *RunService) reject(ctx context.Context, caller policy.Caller, t *tool.Tool, eventType, reason string) {
	logger.From(ctx, slog.Default()).Info("run rejected", "tool_id", t.ID, "event", eventType, "reason", reason)
	s.audit.Log(ctx, audit.Event{
		Type: eventType, Action: "submit", Status: audit.StatusFail, ActorID: caller.ID,
		ResourceType: "tool", ResourceID: t.ID,
		Message: reason,
	})
	s.metrics.Blocked(ctx, t.ID, eventType)
}

// Get returns a run by id.
func (s *RunService) Get(ctx context.Context, id string) (*run.Run, error) {
	return s.store.GetRun(ctx, id)
}

// List returns runs matching f, newest first.
func (s *RunService) List(ctx context.Context, f run.Filter) ([]run.Run, error) {
	return s.store.ListRuns(ctx, f)
}

// Output is the tail of a run's captured streams.
type Output struct {
	Stdout string `json:"stdout_tail"`
	Stderr string `json:"stderr_tail"`
}

// GetOutput reads the last OutputTailBytes of each stream. Missing files
// (run not started yet, or output on another host) read as empty.
func (s *RunService) GetOutput(r *run.Run) Output {
	return Output{Stdout: readTail(r.StdoutPath, OutputTailBytes), Stderr: readTail(r.StderrPath, OutputTailBytes)}
}

// Await polls until the run is terminal, parked for approval, or timeout
// elapses. A run still pending approval is returned as is.
func (s *RunService) Await(ctx context.Context, id string, timeout time.Duration) (*run.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		r, err := s.store.GetRun(ctx, id)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if r != nil && (r.Status.IsTerminal() || r.Status == run.StatusPendingApproval) {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return r, fmt.Errorf("run %s still running after %s: %w", id, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func readTail(path string, n int64) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path) //nolint:gosec // G304: path is generated by RunService
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	if st, err := f.Stat(); err == nil && st.Size() > n {
		if _, err := f.Seek(st.Size()-n, io.SeekStart); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, n))
	if err != nil {
		return ""
	}
	return string(data)
}
