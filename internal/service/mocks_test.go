package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/apitoken"
	"github.com/Strob0t/toolgate/internal/domain/approval"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/domain/schedule"
	"github.com/Strob0t/toolgate/internal/domain/tool"
	"github.com/Strob0t/toolgate/internal/port/database"
	"github.com/Strob0t/toolgate/internal/port/executor"
	"github.com/Strob0t/toolgate/internal/port/messagequeue"
)

// mockStore is an in-memory database.Store with the same conditional
// update rules as the postgres adapter.
type mockStore struct {
	mu        sync.Mutex
	tools     map[string]tool.Tool
	runs      map[string]*run.Run
	approvals map[string]*approval.Approval
	events    []audit.Event
	schedules map[string]*schedule.Job
	tokens    map[string]*apitoken.Token
	getRunErr error
}

var _ database.Store = (*mockStore)(nil)

func newMockStore(tools ...tool.Tool) *mockStore {
	s := &mockStore{
		tools:     map[string]tool.Tool{},
		runs:      map[string]*run.Run{},
		approvals: map[string]*approval.Approval{},
		schedules: map[string]*schedule.Job{},
		tokens:    map[string]*apitoken.Token{},
	}
	for _, t := range tools {
		s.tools[t.ID] = t
	}
	return s
}

func (s *mockStore) ListTools(_ context.Context, enabledOnly bool) ([]tool.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tool.Tool
	for _, t := range s.tools {
		if enabledOnly && !t.Enabled {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *mockStore) GetTool(_ context.Context, id string) (*tool.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return nil, fmt.Errorf("tool %s: %w", id, domain.ErrNotFound)
	}
	return &t, nil
}

func (s *mockStore) UpsertTool(_ context.Context, t *tool.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.ID] = *t
	return nil
}

func (s *mockStore) SetToolEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Enabled = enabled
	s.tools[id] = t
	return nil
}

func (s *mockStore) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *mockStore) CreateRunWithApproval(_ context.Context, r *run.Run, a *approval.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ApprovalID = a.ID
	r.CreatedAt = time.Now().UTC()
	a.CreatedAt = r.CreatedAt
	rc, ac := *r, *a
	s.runs[r.ID] = &rc
	s.approvals[a.ID] = &ac
	return nil
}

func (s *mockStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getRunErr != nil {
		return nil, s.getRunErr
	}
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *mockStore) ListRuns(_ context.Context, f run.Filter) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, r := range s.runs {
		if (f.Status == "" || r.Status == f.Status) && (f.ToolID == "" || r.ToolID == f.ToolID) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *mockStore) ClaimRun(_ context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status != run.StatusQueued {
		return domain.ErrConflict
	}
	r.Status = run.StatusRunning
	r.StartedAt = &startedAt
	return nil
}

func (s *mockStore) FinishRun(_ context.Context, id string, status run.Status, exitCode *int, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status.IsTerminal() {
		return domain.ErrConflict
	}
	r.Status = status
	r.ExitCode = exitCode
	r.Error = errMsg
	r.FinishedAt = &at
	return nil
}

func (s *mockStore) ParkRun(_ context.Context, id string, status run.Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || (r.Status != run.StatusQueued && r.Status != run.StatusPendingApproval) {
		return domain.ErrConflict
	}
	r.Status = status
	r.Error = errMsg
	return nil
}

func (s *mockStore) ListStaleQueuedRuns(_ context.Context, olderThan time.Time, limit int) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, r := range s.runs {
		if r.Status == run.StatusQueued && r.CreatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *mockStore) ListStaleRunningRuns(_ context.Context, startedBefore time.Time, limit int) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, r := range s.runs {
		if r.Status == run.StatusRunning && r.StartedAt != nil && r.StartedAt.Before(startedBefore) && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *mockStore) RequestRunApproval(_ context.Context, a *approval.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[a.ResourceID]
	if !ok || r.Status != run.StatusQueued {
		return domain.ErrConflict
	}
	a.CreatedAt = time.Now().UTC()
	ac := *a
	s.approvals[a.ID] = &ac
	r.Status = run.StatusPendingApproval
	r.ApprovalID = a.ID
	return nil
}

func (s *mockStore) GetApproval(_ context.Context, id string) (*approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *mockStore) ListApprovals(_ context.Context, status approval.Status, limit int) ([]approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []approval.Approval
	for _, a := range s.approvals {
		if (status == "" || a.Status == status) && len(out) < limit {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *mockStore) GetLatestApprovalFor(_ context.Context, resourceType, resourceID string) (*approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.approvals {
		if a.ResourceType == resourceType && a.ResourceID == resourceID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *mockStore) decide(id string, d approval.Decision, at time.Time, to approval.Status) (*approval.Approval, *run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	if a.IsDecided() {
		return nil, nil, domain.ErrConflict
	}
	r, ok := s.runs[a.ResourceID]
	if !ok {
		return nil, nil, domain.ErrConflict
	}
	a.Status, a.DecidedBy, a.DecisionNote, a.DecidedAt = to, d.Actor, d.Note, &at
	if to == approval.StatusApproved {
		r.Status = run.StatusQueued
	} else {
		r.Status, r.Error, r.FinishedAt = run.StatusDenied, d.Note, &at
	}
	ac, rc := *a, *r
	return &ac, &rc, nil
}

func (s *mockStore) ApproveRunApproval(_ context.Context, id string, d approval.Decision, at time.Time) (*approval.Approval, *run.Run, error) {
	return s.decide(id, d, at, approval.StatusApproved)
}

func (s *mockStore) DenyRunApproval(_ context.Context, id string, d approval.Decision, at time.Time) (*approval.Approval, *run.Run, error) {
	return s.decide(id, d, at, approval.StatusDenied)
}

func (s *mockStore) InsertAuditEvent(_ context.Context, ev *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = uuid.NewString()
	ev.CreatedAt = time.Now().UTC()
	s.events = append(s.events, *ev)
	return nil
}

func (s *mockStore) ListAuditEvents(_ context.Context, f audit.Filter) ([]audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, ev := range s.events {
		if (f.Type == "" || ev.Type == f.Type) && (f.ResourceID == "" || ev.ResourceID == f.ResourceID) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *mockStore) CreateSchedule(_ context.Context, j *schedule.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.CreatedAt = time.Now().UTC()
	cp := *j
	s.schedules[j.ID] = &cp
	return nil
}

func (s *mockStore) GetSchedule(_ context.Context, id string) (*schedule.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (s *mockStore) ListSchedules(_ context.Context, enabledOnly bool) ([]schedule.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedule.Job
	for _, j := range s.schedules {
		if !enabledOnly || j.Enabled {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *mockStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.schedules, id)
	return nil
}

func (s *mockStore) SetScheduleEnabled(_ context.Context, id string, enabled bool, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.schedules[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Enabled, j.NextRunAt = enabled, next
	return nil
}

func (s *mockStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]schedule.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedule.Job
	for _, j := range s.schedules {
		if j.Enabled && j.NextRunAt != nil && !j.NextRunAt.After(now) && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *mockStore) AdvanceSchedule(_ context.Context, id string, due, firedAt time.Time, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.schedules[id]
	if !ok || !j.Enabled || j.NextRunAt == nil || !j.NextRunAt.Equal(due) {
		return domain.ErrConflict
	}
	j.LastRunAt, j.NextRunAt = &firedAt, next
	j.RunCount++
	return nil
}

func (s *mockStore) SetScheduleLastRun(_ context.Context, id, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.schedules[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.LastRunID = runID
	return nil
}

func (s *mockStore) CreateAPIToken(_ context.Context, t *apitoken.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.CreatedAt = time.Now().UTC()
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *mockStore) BootstrapAPIToken(ctx context.Context, t *apitoken.Token) error {
	s.mu.Lock()
	n := len(s.tokens)
	s.mu.Unlock()
	if n > 0 {
		return domain.ErrConflict
	}
	return s.CreateAPIToken(ctx, t)
}

func (s *mockStore) GetAPITokenByHash(_ context.Context, hash string) (*apitoken.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Hash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *mockStore) ListAPITokens(_ context.Context, actor string) ([]apitoken.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []apitoken.Token
	for _, t := range s.tokens {
		if actor == "" || t.Actor == actor {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *mockStore) RevokeAPIToken(_ context.Context, id, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.RevokedAt != nil || (actor != "" && t.Actor != actor) {
		return domain.ErrNotFound
	}
	t.RevokedAt = &at
	return nil
}

// eventTypes returns the audit event types recorded so far, in order.
func (s *mockStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i := range s.events {
		out[i] = s.events[i].Type
	}
	return out
}

func (s *mockStore) hasEvent(eventType string) bool {
	for _, t := range s.eventTypes() {
		if t == eventType {
			return true
		}
	}
	return false
}

func (s *mockStore) run(id string) run.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.runs[id]
}

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct {
	mu         sync.Mutex
	published  []publishedMsg
	publishErr error
}

type publishedMsg struct {
	subject string
	data    []byte
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, publishedMsg{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

// jobs returns the run jobs published on runs.execute.
func (q *mockQueue) jobs() []messagequeue.RunJobPayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []messagequeue.RunJobPayload
	for _, m := range q.published {
		if m.subject != messagequeue.SubjectRunExecute {
			continue
		}
		var p messagequeue.RunJobPayload
		if json.Unmarshal(m.data, &p) == nil {
			out = append(out, p)
		}
	}
	return out
}

// fakeExecutor records specs and writes a canned result.
type fakeExecutor struct {
	mu     sync.Mutex
	specs  []executor.Spec
	code   int
	stdout string
	err    error
}

func (e *fakeExecutor) Run(_ context.Context, spec executor.Spec) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.specs = append(e.specs, spec)
	if e.err != nil {
		return 0, e.err
	}
	if spec.Stdout != nil {
		out := e.stdout
		if out == "" {
			out = strings.Join(spec.Command[1:], " ") + "\n"
		}
		_, _ = io.WriteString(spec.Stdout, out)
	}
	return e.code, nil
}

func (e *fakeExecutor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.specs)
}

func echoTool() tool.Tool {
	return tool.Tool{
		ID: "echo_test", Name: "Echo", RiskLevel: tool.RiskRead,
		Executor: tool.ExecutorHost, Command: []string{"echo", "hi"}, Enabled: true,
	}
}

func rmTool() tool.Tool {
	return tool.Tool{
		ID: "rm_tool", Name: "Remove", RiskLevel: tool.RiskWrite,
		Executor: tool.ExecutorHost, Command: []string{"rm", "{path}"}, Enabled: true,
	}
}

func catTool() tool.Tool {
	return tool.Tool{
		ID: "cat_file", Name: "Cat", RiskLevel: tool.RiskRead,
		Executor: tool.ExecutorHost, Command: []string{"cat", "{path}"},
		AllowedPaths: []string{"workspace"}, Enabled: true,
	}
}
