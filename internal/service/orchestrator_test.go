package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/toolgate/internal/config"
	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/plan"
	"github.com/Strob0t/toolgate/internal/domain/policy"
	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/domain/tool"
)

// scriptedRuns is a RunSubmitter whose runs end in scripted statuses, one
// entry consumed per submission of a tool. Tools without a script succeed.
type scriptedRuns struct {
	mu        sync.Mutex
	script    map[string][]run.Status
	gated     map[string]bool
	submitErr map[string]error
	awaitErr  map[string]error
	panicOn   string
	submitted []string
	runs      map[string]*run.Run
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	delay     time.Duration
}

func newScriptedRuns() *scriptedRuns {
	return &scriptedRuns{
		script:    map[string][]run.Status{},
		gated:     map[string]bool{},
		submitErr: map[string]error{},
		awaitErr:  map[string]error{},
		runs:      map[string]*run.Run{},
	}
}

func (s *scriptedRuns) Submit(_ context.Context, _ policy.Caller, req run.CreateRequest) (*run.Run, error) {
	if req.ToolID == s.panicOn {
		panic("submitter exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, req.ToolID)
	if err := s.submitErr[req.ToolID]; err != nil {
		return nil, err
	}

	final := run.StatusSucceeded
	if q := s.script[req.ToolID]; len(q) > 0 {
		final, s.script[req.ToolID] = q[0], q[1:]
	}
	r := &run.Run{ID: fmt.Sprintf("run-%d", len(s.submitted)), ToolID: req.ToolID, Status: final}
	if final == run.StatusFailed {
		r.Error = "exit code 1"
	}
	s.runs[r.ID] = r

	out := *r
	if s.gated[req.ToolID] {
		out.Status = run.StatusPendingApproval
		out.ApprovalID = "appr-" + r.ID
	}
	return &out, nil
}

func (s *scriptedRuns) Await(_ context.Context, id string, _ time.Duration) (*run.Run, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxFlight.Load()
		if n <= m || s.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.runs[id]
	if err := s.awaitErr[cp.ToolID]; err != nil {
		cp.Status = run.StatusRunning
		return &cp, err
	}
	return &cp, nil
}

func (s *scriptedRuns) GetOutput(r *run.Run) Output {
	return Output{Stdout: "output of " + r.ToolID}
}

func (s *scriptedRuns) calls(toolID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.submitted {
		if id == toolID {
			n++
		}
	}
	return n
}

type staticWaiter struct{ granted bool }

func (w staticWaiter) Wait(context.Context, string, time.Duration) (bool, error) {
	return w.granted, nil
}

func newOrchestrator(runs RunSubmitter, store *mockStore, mode string) *OrchestratorService {
	cfg := config.Defaults().Orchestrator
	cfg.Mode = mode
	cfg.RetryBackoff = time.Millisecond
	return NewOrchestratorService(runs, NewToolRegistry(store, nil, 0), NewAuditService(store), &cfg)
}

func testPlan(steps ...plan.Step) *plan.Plan {
	for i := range steps {
		if steps[i].OnFail == "" {
			steps[i].OnFail = plan.OnFailStop
		}
		if steps[i].TimeoutSec == 0 {
			steps[i].TimeoutSec = 5
		}
	}
	return &plan.Plan{ID: "plan_test", Query: "q", TaskType: plan.TaskCustom, Steps: steps}
}

func statuses(res *plan.ExecutionResult) string {
	parts := make([]string, len(res.Steps))
	for i, s := range res.Steps {
		parts[i] = s.StepID + "=" + string(s.Status)
	}
	return strings.Join(parts, ",")
}

func TestExecute_AllCompleted(t *testing.T) {
	runs := newScriptedRuns()
	store := newMockStore()
	o := newOrchestrator(runs, store, ModeSequential)

	res := o.Execute(context.Background(), testPlan(
		plan.Step{ID: "a", ToolID: "t1"},
		plan.Step{ID: "b", ToolID: "t2", DependsOn: []string{"a"}},
	), alice)

	if res.Status != plan.StatusSuccess {
		t.Fatalf("status = %s (%s)", res.Status, statuses(res))
	}
	if res.Steps[1].Output != "output of t2" || res.Steps[1].RunID == "" {
		t.Errorf("step result = %+v", res.Steps[1])
	}
	if !strings.HasPrefix(res.Summary, "All 2 steps completed.") {
		t.Errorf("summary = %q", res.Summary)
	}
	if res.CompletedAt.Before(res.StartedAt) {
		t.Error("completed before started")
	}
	if !store.hasEvent(audit.PlanExecuted) {
		t.Error("missing plan.executed audit")
	}
}

func TestExecute_FailurePolicies(t *testing.T) {
	tests := []struct {
		name       string
		onFail     plan.FailurePolicy
		want       string
		wantStatus plan.Status
	}{
		{"stop never reaches dependent", plan.OnFailStop, "a=failed", plan.StatusFailed},
		{"continue skips dependent", plan.OnFailContinue, "a=failed,b=skipped,c=completed", plan.StatusPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := newScriptedRuns()
			runs.script["t1"] = []run.Status{run.StatusFailed}
			o := newOrchestrator(runs, newMockStore(), ModeSequential)

			res := o.Execute(context.Background(), testPlan(
				plan.Step{ID: "a", ToolID: "t1", OnFail: tt.onFail},
				plan.Step{ID: "b", ToolID: "t2", DependsOn: []string{"a"}},
				plan.Step{ID: "c", ToolID: "t3"},
			), alice)

			if got := statuses(res); got != tt.want {
				t.Fatalf("steps = %s, want %s", got, tt.want)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", res.Status, tt.wantStatus)
			}
			if runs.calls("t2") != 0 {
				t.Error("dependent step was submitted")
			}
		})
	}
}

func TestExecute_SkippedStepExplainsDependency(t *testing.T) {
	runs := newScriptedRuns()
	runs.script["t1"] = []run.Status{run.StatusFailed}
	o := newOrchestrator(runs, newMockStore(), ModeSequential)

	res := o.Execute(context.Background(), testPlan(
		plan.Step{ID: "a", ToolID: "t1", OnFail: plan.OnFailContinue},
		plan.Step{ID: "b", ToolID: "t2", DependsOn: []string{"a"}},
	), alice)

	if res.Status != plan.StatusFailed {
		t.Errorf("failed + skipped should aggregate to failed, got %s", res.Status)
	}
	if !strings.Contains(res.Steps[1].Error, "dependency a not completed") {
		t.Errorf("skip error = %q", res.Steps[1].Error)
	}
}

func TestExecute_RetryOnce(t *testing.T) {
	runs := newScriptedRuns()
	runs.script["flaky"] = []run.Status{run.StatusFailed, run.StatusSucceeded}
	runs.script["broken"] = []run.Status{run.StatusFailed, run.StatusFailed, run.StatusSucceeded}
	o := newOrchestrator(runs, newMockStore(), ModeSequential)

	res := o.Execute(context.Background(), testPlan(
		plan.Step{ID: "a", ToolID: "flaky", RetryOnFail: true},
		plan.Step{ID: "b", ToolID: "broken", RetryOnFail: true, OnFail: plan.OnFailContinue},
	), alice)

	if res.Steps[0].Status != plan.StepCompleted || res.Steps[0].Attempts != 2 {
		t.Errorf("flaky step = %+v", res.Steps[0])
	}
	if res.Steps[1].Status != plan.StepFailed || res.Steps[1].Attempts != 2 {
		t.Errorf("broken step should fail after exactly one retry: %+v", res.Steps[1])
	}
	if runs.calls("broken") != 2 {
		t.Errorf("broken submitted %d times, want 2", runs.calls("broken"))
	}
}

func TestRunStep_AwaitTimeoutIsNotResubmitted(t *testing.T) {
	runs := newScriptedRuns()
	runs.awaitErr["slow"] = fmt.Errorf("run still running after 1s: %w", context.DeadlineExceeded)
	o := newOrchestrator(runs, newMockStore(), ModeSequential)

	st := &plan.Step{ID: "a", ToolID: "slow", RetryOnFail: true, TimeoutSec: 1}
	res := o.runStep(context.Background(), st, alice)

	if runs.calls("slow") != 1 {
		t.Fatalf("run submitted %d times while the first was still in flight", runs.calls("slow"))
	}
	if res.Status != plan.StepFailed || res.Attempts != 1 || res.RunID == "" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "still running") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecute_PolicyRefusalIsNotRetried(t *testing.T) {
	runs := newScriptedRuns()
	runs.submitErr["t1"] = fmt.Errorf("missing required scope: %w", domain.ErrPolicyDenied)
	o := newOrchestrator(runs, newMockStore(), ModeSequential)

	res := o.Execute(context.Background(), testPlan(plan.Step{ID: "a", ToolID: "t1", RetryOnFail: true}), alice)

	if res.Steps[0].Status != plan.StepFailed || runs.calls("t1") != 1 {
		t.Errorf("policy refusal retried: %+v, calls %d", res.Steps[0], runs.calls("t1"))
	}
	if !strings.Contains(res.Steps[0].Error, "missing required scope") {
		t.Errorf("error = %q", res.Steps[0].Error)
	}
}

func TestExecute_BlockedStepDoesNotHaltPlan(t *testing.T) {
	runs := newScriptedRuns()
	runs.gated["deploy"] = true
	o := newOrchestrator(runs, newMockStore(), ModeSequential)

	res := o.Execute(context.Background(), testPlan(
		plan.Step{ID: "a", ToolID: "deploy"},
		plan.Step{ID: "b", ToolID: "t2"},
	), alice)

	if got := statuses(res); got != "a=blocked,b=completed" {
		t.Fatalf("steps = %s", got)
	}
	if res.Steps[0].ApprovalID == "" {
		t.Error("blocked step should carry its approval id")
	}
	if res.Status != plan.StatusBlocked {
		t.Errorf("status = %s, want blocked", res.Status)
	}
}

func TestExecute_ApprovalWaiter(t *testing.T) {
	for _, granted := range []bool{true, false} {
		t.Run(fmt.Sprintf("granted=%v", granted), func(t *testing.T) {
			runs := newScriptedRuns()
			runs.gated["deploy"] = true
			o := newOrchestrator(runs, newMockStore(), ModeSequential)
			o.orchCfg.ApprovalWait = time.Second
			o.SetApprovalWaiter(staticWaiter{granted: granted})

			res := o.Execute(context.Background(), testPlan(plan.Step{ID: "a", ToolID: "deploy"}), alice)

			want := plan.StepBlocked
			if granted {
				want = plan.StepCompleted
			}
			if res.Steps[0].Status != want {
				t.Errorf("step = %+v, want %s", res.Steps[0], want)
			}
		})
	}
}

func TestExecute_Rollback(t *testing.T) {
	store := newMockStore(
		tool.Tool{ID: "mkdir", UndoToolID: "rmdir", Enabled: true},
		tool.Tool{ID: "rmdir", Enabled: true},
		tool.Tool{ID: "touch", Enabled: true},
		tool.Tool{ID: "deploy", Enabled: true},
	)
	runs := newScriptedRuns()
	runs.script["deploy"] = []run.Status{run.StatusFailed}
	o := newOrchestrator(runs, store, ModeSequential)

	res := o.Execute(context.Background(), testPlan(
		plan.Step{ID: "a", ToolID: "mkdir", Args: map[string]any{"path": "out"}},
		plan.Step{ID: "b", ToolID: "touch"},
		plan.Step{ID: "c", ToolID: "deploy", OnFail: plan.OnFailRollback},
		plan.Step{ID: "d", ToolID: "touch"},
	), alice)

	if got := statuses(res); got != "a=completed,b=completed,c=failed" {
		t.Fatalf("steps = %s", got)
	}
	if res.Status != plan.StatusPartial {
		t.Errorf("status = %s", res.Status)
	}
	rb := res.Rollback
	if rb == nil || rb.TriggeredBy != "c" || len(rb.Entries) != 2 {
		t.Fatalf("rollback report = %+v", rb)
	}
	if rb.Entries[0].StepID != "b" || rb.Entries[0].Outcome != plan.UndoUnsupported {
		t.Errorf("first entry = %+v", rb.Entries[0])
	}
	if rb.Entries[1].StepID != "a" || rb.Entries[1].Outcome != plan.UndoApplied || rb.Entries[1].RunID == "" {
		t.Errorf("second entry = %+v", rb.Entries[1])
	}
	if runs.calls("rmdir") != 1 {
		t.Error("undo tool was not submitted")
	}
	if !store.hasEvent(audit.PlanRollback) {
		t.Error("missing plan.rollback audit")
	}
}

func TestExecute_PanicReportsFailed(t *testing.T) {
	runs := newScriptedRuns()
	runs.panicOn = "bad"
	o := newOrchestrator(runs, newMockStore(), ModeSequential)

	res := o.Execute(context.Background(), testPlan(
		plan.Step{ID: "a", ToolID: "t1"},
		plan.Step{ID: "b", ToolID: "bad"},
	), alice)

	if res.Status != plan.StatusFailed || res.Summary != "submitter exploded" {
		t.Fatalf("result = %s / %q", res.Status, res.Summary)
	}
	if len(res.Steps) != 1 || res.Steps[0].Status != plan.StepCompleted {
		t.Errorf("results before the panic should be kept: %s", statuses(res))
	}
}

func TestExecute_LayeredRunsLayerConcurrently(t *testing.T) {
	runs := newScriptedRuns()
	runs.delay = 20 * time.Millisecond
	o := newOrchestrator(runs, newMockStore(), ModeLayered)
	o.orchCfg.MaxParallel = 3

	res := o.Execute(context.Background(), testPlan(
		plan.Step{ID: "a", ToolID: "t1"},
		plan.Step{ID: "b", ToolID: "t2"},
		plan.Step{ID: "c", ToolID: "t3"},
		plan.Step{ID: "d", ToolID: "t4", DependsOn: []string{"a", "b", "c"}},
	), alice)

	if res.Status != plan.StatusSuccess {
		t.Fatalf("status = %s (%s)", res.Status, statuses(res))
	}
	if got := statuses(res); got != "a=completed,b=completed,c=completed,d=completed" {
		t.Errorf("results not in plan order: %s", got)
	}
	if runs.maxFlight.Load() < 2 {
		t.Errorf("independent steps did not overlap (max in flight %d)", runs.maxFlight.Load())
	}
}

func TestExecute_LayeredStopsAtLayerBoundary(t *testing.T) {
	runs := newScriptedRuns()
	runs.script["t1"] = []run.Status{run.StatusFailed}
	o := newOrchestrator(runs, newMockStore(), ModeLayered)

	res := o.Execute(context.Background(), testPlan(
		plan.Step{ID: "a", ToolID: "t1", OnFail: plan.OnFailStop},
		plan.Step{ID: "b", ToolID: "t2", OnFail: plan.OnFailContinue},
		plan.Step{ID: "c", ToolID: "t3", DependsOn: []string{"b"}},
	), alice)

	// b is in a's layer so it still runs; c is in the next layer.
	if got := statuses(res); got != "a=failed,b=completed" {
		t.Fatalf("steps = %s", got)
	}
	if res.Status != plan.StatusPartial {
		t.Errorf("status = %s", res.Status)
	}
}

func TestExecute_LayeredRollbackWinsOverStop(t *testing.T) {
	store := newMockStore(tool.Tool{ID: "t3", Enabled: true})
	runs := newScriptedRuns()
	runs.script["t1"] = []run.Status{run.StatusFailed}
	runs.script["t2"] = []run.Status{run.StatusFailed}
	o := newOrchestrator(runs, store, ModeLayered)

	res := o.Execute(context.Background(), testPlan(
		plan.Step{ID: "z", ToolID: "t3"},
		plan.Step{ID: "a", ToolID: "t1", OnFail: plan.OnFailStop, DependsOn: []string{"z"}},
		plan.Step{ID: "b", ToolID: "t2", OnFail: plan.OnFailRollback, DependsOn: []string{"z"}},
	), alice)

	if res.Rollback == nil || res.Rollback.TriggeredBy != "b" {
		t.Fatalf("expected rollback triggered by b, got %+v", res.Rollback)
	}
	if len(res.Rollback.Entries) != 1 || res.Rollback.Entries[0].Outcome != plan.UndoUnsupported {
		t.Errorf("entries = %+v", res.Rollback.Entries)
	}
}

func TestExecute_LayeredPanic(t *testing.T) {
	runs := newScriptedRuns()
	runs.panicOn = "bad"
	o := newOrchestrator(runs, newMockStore(), ModeLayered)

	res := o.Execute(context.Background(), testPlan(
		plan.Step{ID: "a", ToolID: "bad"},
		plan.Step{ID: "b", ToolID: "t1"},
		plan.Step{ID: "c", ToolID: "t2", DependsOn: []string{"a"}},
	), alice)

	if res.Status != plan.StatusFailed || res.Summary != "submitter exploded" {
		t.Fatalf("result = %s / %q", res.Status, res.Summary)
	}
	// b ran in the same layer as a and finished; its run must be reported.
	if got := statuses(res); got != "b=completed" {
		t.Errorf("steps = %s, want b=completed", got)
	}
	if runs.calls("t2") != 0 {
		t.Error("the layer after the panic was started")
	}
}

func TestExecute_EmptyPlanFails(t *testing.T) {
	o := newOrchestrator(newScriptedRuns(), newMockStore(), ModeSequential)
	res := o.Execute(context.Background(), &plan.Plan{ID: "empty"}, alice)
	if res.Status != plan.StatusFailed {
		t.Errorf("status = %s", res.Status)
	}
}

func TestRunStep_UnavailableIsRetried(t *testing.T) {
	runs := newScriptedRuns()
	runs.submitErr["t1"] = fmt.Errorf("create run: %w: %w", domain.ErrUnavailable, errors.New("db down"))
	o := newOrchestrator(runs, newMockStore(), ModeSequential)

	st := &plan.Step{ID: "a", ToolID: "t1", RetryOnFail: true, TimeoutSec: 1}
	res := o.runStep(context.Background(), st, alice)
	if res.Attempts != 2 || res.Status != plan.StepFailed {
		t.Errorf("result = %+v", res)
	}
}
