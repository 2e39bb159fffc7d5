package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/toolgate/internal/adapter/otel"
	"github.com/Strob0t/toolgate/internal/config"
	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/plan"
	"github.com/Strob0t/toolgate/internal/domain/policy"
	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/domain/tool"
	"github.com/Strob0t/toolgate/internal/logger"
)

// Execution modes.
const (
	ModeSequential = "sequential"
	ModeLayered    = "layered"
)

// RunSubmitter is the part of RunService a plan step needs.
type RunSubmitter interface {
	Submit(ctx context.Context, caller policy.Caller, req run.CreateRequest) (*run.Run, error)
	Await(ctx context.Context, id string, timeout time.Duration) (*run.Run, error)
	GetOutput(r *run.Run) Output
}

// ApprovalWaiter blocks until an approval is decided. It reports whether
// it was granted; an undecided approval at the deadline is (false, nil).
type ApprovalWaiter interface {
	Wait(ctx context.Context, approvalID string, timeout time.Duration) (bool, error)
}

// ToolGetter resolves tool definitions, used to find undo tools.
type ToolGetter interface {
	Get(ctx context.Context, id string) (*tool.Tool, error)
}

var errStepFailed = errors.New("step failed")

// OrchestratorService executes plans step by step through the normal run
// submission path.
type OrchestratorService struct {
	runs    RunSubmitter
	tools   ToolGetter
	waiter  ApprovalWaiter
	audit   *AuditService
	metrics *otel.Metrics
	orchCfg *config.Orchestrator
}

// NewOrchestratorService creates an OrchestratorService.
func NewOrchestratorService(runs RunSubmitter, tools ToolGetter, auditSvc *AuditService, orchCfg *config.Orchestrator) *OrchestratorService {
	if orchCfg == nil {
		d := config.Defaults().Orchestrator
		orchCfg = &d
	}
	return &OrchestratorService{runs: runs, tools: tools, audit: auditSvc, orchCfg: orchCfg}
}

// SetApprovalWaiter lets steps that need approval wait for a decision
// (up to orchestrator.approval_wait) instead of ending blocked.
func (s *OrchestratorService) SetApprovalWaiter(w ApprovalWaiter) { s.waiter = w }

// SetMetrics attaches metric instruments.
func (s *OrchestratorService) SetMetrics(m *otel.Metrics) { s.metrics = m }

// execution is the mutable state of one Execute call.
type execution struct {
	plan     *plan.Plan
	caller   policy.Caller
	results  map[int]plan.StepResult
	done     map[string]plan.StepStatus
	rollback *plan.RollbackReport
}

func (e *execution) record(idx int, r plan.StepResult) {
	e.results[idx] = r
	e.done[r.StepID] = r.Status
}

// ordered returns the recorded results in plan order.
func (e *execution) ordered() []plan.StepResult {
	out := make([]plan.StepResult, 0, len(e.results))
	for i := range e.plan.Steps {
		if r, ok := e.results[i]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Execute runs p and returns its result. It never returns nil; a panic
// while executing yields a failed result whose summary is the panic text.
func (s *OrchestratorService) Execute(ctx context.Context, p *plan.Plan, caller policy.Caller) *plan.ExecutionResult {
	mode := s.orchCfg.Mode
	if mode != ModeLayered {
		mode = ModeSequential
	}
	log := logger.From(ctx, slog.Default()).With("plan_id", p.ID, "mode", mode)
	ctx, span := otel.StartPlanSpan(ctx, p.ID, mode, len(p.Steps))

	started := time.Now().UTC()
	e := &execution{
		plan:    p,
		caller:  caller,
		results: make(map[int]plan.StepResult, len(p.Steps)),
		done:    make(map[string]plan.StepStatus, len(p.Steps)),
	}

	log.Info("plan execution started", "steps", len(p.Steps))
	var panicked any
	func() {
		defer func() { panicked = recover() }()
		if mode == ModeLayered {
			s.executeLayered(ctx, e)
		} else {
			s.executeSequential(ctx, e)
		}
	}()

	res := &plan.ExecutionResult{
		PlanID:    p.ID,
		Steps:     e.ordered(),
		Rollback:  e.rollback,
		StartedAt: started,
	}
	if panicked != nil {
		log.Error("plan execution panicked", "panic", panicked)
		res.Status = plan.StatusFailed
		res.Summary = fmt.Sprint(panicked)
	} else {
		res.Status = plan.Aggregate(res.Steps)
		res.Summary = plan.Summarize(res.Steps)
	}
	res.CompletedAt = time.Now().UTC()
	res.TotalDuration = res.CompletedAt.Sub(started).Seconds()

	auditStatus := audit.StatusSuccess
	var spanErr error
	if res.Status != plan.StatusSuccess {
		auditStatus = audit.StatusFail
		spanErr = fmt.Errorf("plan %s", res.Status)
	}
	s.audit.Log(ctx, audit.Event{
		Type: audit.PlanExecuted, Action: "execute", Status: auditStatus, ActorID: caller.ID,
		ResourceType: "plan", ResourceID: p.ID,
		Message: string(res.Status),
		Meta: map[string]any{
			"mode":           mode,
			"task_type":      string(p.TaskType),
			"steps":          len(p.Steps),
			"steps_recorded": len(res.Steps),
			"duration_ms":    int64(res.TotalDuration * 1000),
		},
	})
	otel.EndSpan(span, spanErr)
	log.Info("plan execution finished", "status", res.Status, "duration", res.CompletedAt.Sub(started))
	return res
}

// executeSequential walks steps in plan order. A failed step's policy
// decides whether the walk continues.
func (s *OrchestratorService) executeSequential(ctx context.Context, e *execution) {
	for i := range e.plan.Steps {
		if ctx.Err() != nil {
			return
		}
		st := &e.plan.Steps[i]
		if ok, dep := plan.DependenciesMet(st, e.done); !ok {
			e.record(i, s.skip(ctx, st, dep))
			continue
		}

		r := s.runStep(ctx, st, e.caller)
		e.record(i, r)
		if r.Status != plan.StepFailed {
			continue
		}
		switch st.OnFail {
		case plan.OnFailStop:
			slog.Info("plan stopped after failed step", "plan_id", e.plan.ID, "step_id", st.ID)
			return
		case plan.OnFailRollback:
			e.rollback = s.rollback(ctx, e, st.ID)
			return
		}
	}
}

// executeLayered runs each dependency layer concurrently. Failure
// policies are merged once the whole layer has finished: rollback wins
// over stop, and either ends the plan.
func (s *OrchestratorService) executeLayered(ctx context.Context, e *execution) {
	layers, err := plan.Layers(e.plan.Steps)
	if err != nil {
		panic(fmt.Sprintf("plan %s: %v", e.plan.ID, err))
	}
	limit := s.orchCfg.MaxParallel
	if limit <= 0 {
		limit = 1
	}

	for _, layer := range layers {
		if ctx.Err() != nil {
			return
		}
		out := make([]plan.StepResult, len(layer))
		panics := make([]any, len(layer))

		var g errgroup.Group
		g.SetLimit(limit)
		for k, idx := range layer {
			st := &e.plan.Steps[idx]
			if ok, dep := plan.DependenciesMet(st, e.done); !ok {
				out[k] = s.skip(ctx, st, dep)
				continue
			}
			g.Go(func() (err error) {
				defer func() {
					if p := recover(); p != nil {
						panics[k] = p
						err = fmt.Errorf("step %s panicked", st.ID)
					}
				}()
				out[k] = s.runStep(ctx, st, e.caller)
				return nil
			})
		}
		_ = g.Wait()
		// Siblings of a panicking step keep their results.
		var panicked any
		for k, idx := range layer {
			if panics[k] != nil {
				if panicked == nil {
					panicked = panics[k]
				}
				continue
			}
			e.record(idx, out[k])
		}
		if panicked != nil {
			panic(panicked)
		}

		trigger := ""
		stop := false
		for k, idx := range layer {
			if out[k].Status != plan.StepFailed {
				continue
			}
			switch e.plan.Steps[idx].OnFail {
			case plan.OnFailRollback:
				if trigger == "" {
					trigger = out[k].StepID
				}
			case plan.OnFailStop:
				stop = true
			}
		}
		if trigger != "" {
			e.rollback = s.rollback(ctx, e, trigger)
			return
		}
		if stop {
			slog.Info("plan stopped after failed layer", "plan_id", e.plan.ID)
			return
		}
	}
}

func (s *OrchestratorService) skip(ctx context.Context, st *plan.Step, dep string) plan.StepResult {
	now := time.Now().UTC()
	s.metrics.Step(ctx, string(plan.StepSkipped))
	return plan.StepResult{
		StepID:      st.ID,
		ToolID:      st.ToolID,
		Status:      plan.StepSkipped,
		Error:       fmt.Sprintf("dependency %s not completed", dep),
		StartedAt:   now,
		CompletedAt: now,
	}
}

// runStep executes one step, retrying an execution failure once when the
// step asks for it.
func (s *OrchestratorService) runStep(ctx context.Context, st *plan.Step, caller policy.Caller) (res plan.StepResult) {
	ctx, span := otel.StartStepSpan(ctx, st.ID, st.ToolID)
	res = plan.StepResult{StepID: st.ID, ToolID: st.ToolID, Status: plan.StepInProgress, StartedAt: time.Now().UTC()}
	defer func() {
		res.CompletedAt = time.Now().UTC()
		res.Duration = res.CompletedAt.Sub(res.StartedAt).Seconds()
		s.metrics.Step(ctx, string(res.Status))
		var err error
		if res.Status == plan.StepFailed {
			err = errors.New(res.Error)
		}
		otel.EndSpan(span, err)
	}()

	retries := uint64(0)
	if st.RetryOnFail {
		retries = 1
	}
	backoff := s.orchCfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	b := retry.WithMaxRetries(retries, retry.NewConstant(backoff))

	_ = retry.Do(ctx, b, func(ctx context.Context) error {
		res.Attempts++
		out, retryable := s.invoke(ctx, st, caller)
		out.StepID, out.ToolID, out.Attempts, out.StartedAt = res.StepID, res.ToolID, res.Attempts, res.StartedAt
		res = out
		if res.Status == plan.StepFailed && retryable {
			slog.Info("plan step failed", "step_id", st.ID, "attempt", res.Attempts, "error", res.Error)
			return retry.RetryableError(errStepFailed)
		}
		return nil
	})
	if res.Status == plan.StepInProgress {
		res.Status = plan.StepFailed
		res.Error = fmt.Sprintf("step not started: %v", ctx.Err())
	}
	return res
}

// invoke submits the step as a run and waits for it. retryable is true
// only when a second submission cannot overlap the first: the submission
// itself failed on infrastructure, or the run reached failed.
func (s *OrchestratorService) invoke(ctx context.Context, st *plan.Step, caller policy.Caller) (plan.StepResult, bool) {
	var res plan.StepResult
	r, err := s.runs.Submit(ctx, caller, run.CreateRequest{ToolID: st.ToolID, Args: st.Args, Reason: st.Reason})
	if err != nil {
		res.Status = plan.StepFailed
		res.Error = err.Error()
		return res, errors.Is(err, domain.ErrUnavailable)
	}
	res.RunID = r.ID

	if r.Status == run.StatusPendingApproval {
		res.ApprovalID = r.ApprovalID
		granted, err := s.waitApproval(ctx, r.ApprovalID)
		if err != nil || !granted {
			res.Status = plan.StepBlocked
			res.Error = "approval required: " + r.ApprovalID
			if err != nil {
				res.Error += " (" + err.Error() + ")"
			}
			return res, false
		}
	}

	// The run exists from here on. A timed-out wait leaves it queued or
	// running, so resubmitting would execute the tool twice.
	final, err := s.runs.Await(ctx, r.ID, st.Timeout())
	if err != nil {
		res.Status = plan.StepFailed
		res.Error = err.Error()
		return res, false
	}

	switch final.Status {
	case run.StatusSucceeded:
		res.Status = plan.StepCompleted
		res.Output = s.runs.GetOutput(final).Stdout
		return res, false
	case run.StatusPendingApproval:
		res.Status = plan.StepBlocked
		res.ApprovalID = final.ApprovalID
		res.Error = "approval required: " + final.ApprovalID
		return res, false
	case run.StatusDenied:
		res.Status = plan.StepBlocked
		res.Error = "run denied: " + final.Error
		return res, false
	default:
		res.Status = plan.StepFailed
		res.Error = final.Error
		if res.Error == "" {
			res.Error = "run " + string(final.Status)
		}
		return res, true
	}
}

func (s *OrchestratorService) waitApproval(ctx context.Context, approvalID string) (bool, error) {
	if s.waiter == nil || s.orchCfg.ApprovalWait <= 0 {
		return false, nil
	}
	return s.waiter.Wait(ctx, approvalID, s.orchCfg.ApprovalWait)
}

// rollback walks completed steps in reverse and submits each tool's
// declared undo tool with the step's arguments.
func (s *OrchestratorService) rollback(ctx context.Context, e *execution, trigger string) *plan.RollbackReport {
	report := &plan.RollbackReport{TriggeredBy: trigger}
	for i := len(e.plan.Steps) - 1; i >= 0; i-- {
		r, ok := e.results[i]
		if !ok || r.Status != plan.StepCompleted {
			continue
		}
		st := &e.plan.Steps[i]
		entry := plan.RollbackEntry{StepID: st.ID}

		t, err := s.tools.Get(ctx, st.ToolID)
		switch {
		case err != nil:
			entry.Outcome = plan.UndoFailed
			entry.Detail = "load tool: " + err.Error()
		case t.UndoToolID == "":
			entry.Outcome = plan.UndoUnsupported
			entry.Detail = "tool " + t.ID + " declares no undo tool"
		default:
			undo := plan.Step{
				ID:         st.ID + "_undo",
				ToolID:     t.UndoToolID,
				Args:       st.Args,
				Reason:     "rollback of step " + st.ID,
				TimeoutSec: st.TimeoutSec,
			}
			out, _ := s.invoke(ctx, &undo, e.caller)
			entry.RunID = out.RunID
			if out.Status == plan.StepCompleted {
				entry.Outcome = plan.UndoApplied
			} else {
				entry.Outcome = plan.UndoFailed
				entry.Detail = out.Error
			}
		}
		report.Entries = append(report.Entries, entry)
	}

	outcomes := make([]map[string]any, 0, len(report.Entries))
	status := audit.StatusSuccess
	for _, en := range report.Entries {
		outcomes = append(outcomes, map[string]any{"step_id": en.StepID, "outcome": string(en.Outcome), "run_id": en.RunID})
		if en.Outcome != plan.UndoApplied {
			status = audit.StatusFail
		}
	}
	s.audit.Log(ctx, audit.Event{
		Type: audit.PlanRollback, Action: "rollback", Status: status, ActorID: e.caller.ID,
		ResourceType: "plan", ResourceID: e.plan.ID,
		Message: "triggered by step " + trigger,
		Meta:    map[string]any{"entries": outcomes},
	})
	slog.Warn("plan rolled back", "plan_id", e.plan.ID, "triggered_by", trigger, "entries", len(report.Entries))
	return report
}
