package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/argschema"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/policy"
	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/domain/schedule"
	"github.com/Strob0t/toolgate/internal/logger"
	"github.com/Strob0t/toolgate/internal/port/database"
)

const scheduleBatch = 50

// SchedulerService manages scheduled jobs and fires the due ones through
// RunService.Submit, so a scheduled run passes the same policy, schema,
// path and approval gates as one submitted by hand.
type SchedulerService struct {
	store database.Store
	tools *ToolRegistry
	runs  *RunService
	audit *AuditService
	now   func() time.Time
}

// NewSchedulerService creates a SchedulerService.
func NewSchedulerService(store database.Store, tools *ToolRegistry, runs *RunService, auditSvc *AuditService) *SchedulerService {
	return &SchedulerService{
		store: store,
		tools: tools,
		runs:  runs,
		audit: auditSvc,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create validates and stores a new enabled job. The args are checked
// against the tool's schema now so a typo fails here, not at 2am.
func (s *SchedulerService) Create(ctx context.Context, caller policy.Caller, req schedule.CreateRequest) (*schedule.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	t, err := s.tools.Get(ctx, req.ToolID)
	if err != nil {
		return nil, fmt.Errorf("get tool %s: %w", req.ToolID, err)
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}
	if err := argschema.Validate(req.Args, t.ArgsSchema); err != nil {
		return nil, fmt.Errorf("tool %s: %w", t.ID, err)
	}

	j := &schedule.Job{
		ID:        uuid.NewString(),
		Name:      req.Name,
		ToolID:    t.ID,
		Args:      req.Args,
		Trigger:   req.Trigger,
		Spec:      req.Spec,
		Enabled:   true,
		CreatedBy: caller.ID,
	}
	next, err := j.First(s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if next == nil {
		return nil, fmt.Errorf("%w: date %s is in the past", domain.ErrValidation, req.Spec)
	}
	j.NextRunAt = next

	if err := s.store.CreateSchedule(ctx, j); err != nil {
		return nil, err
	}
	s.audit.Log(ctx, audit.Event{
		Type: audit.ScheduleCreated, Action: "create", ActorID: caller.ID,
		ResourceType: "schedule", ResourceID: j.ID,
		Meta: map[string]any{"tool_id": j.ToolID, "trigger": string(j.Trigger), "spec": j.Spec},
	})
	logger.From(ctx, slog.Default()).Info("schedule created",
		"schedule_id", j.ID, "tool_id", j.ToolID, "next_run_at", j.NextRunAt)
	return j, nil
}

func (s *SchedulerService) Get(ctx context.Context, id string) (*schedule.Job, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *SchedulerService) List(ctx context.Context, enabledOnly bool) ([]schedule.Job, error) {
	return s.store.ListSchedules(ctx, enabledOnly)
}

// Delete removes a job. Runs it already submitted are kept.
func (s *SchedulerService) Delete(ctx context.Context, caller policy.Caller, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.audit.Log(ctx, audit.Event{
		Type: audit.ScheduleDeleted, Action: "delete", ActorID: caller.ID,
		ResourceType: "schedule", ResourceID: id,
	})
	return nil
}

// Enable re-arms a job from now. A date trigger in the past cannot be
// re-enabled.
func (s *SchedulerService) Enable(ctx context.Context, id string) (*schedule.Job, error) {
	j, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := j.First(s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if next == nil {
		return nil, fmt.Errorf("%w: schedule %s has nothing left to fire", domain.ErrValidation, id)
	}
	if err := s.store.SetScheduleEnabled(ctx, id, true, next); err != nil {
		return nil, err
	}
	j.Enabled, j.NextRunAt = true, next
	return j, nil
}

func (s *SchedulerService) Disable(ctx context.Context, id string) (*schedule.Job, error) {
	if err := s.store.SetScheduleEnabled(ctx, id, false, nil); err != nil {
		return nil, err
	}
	return s.store.GetSchedule(ctx, id)
}

// Tick fires every due job once and returns how many runs it submitted.
// Each job is advanced before its run is submitted; a concurrent ticker
// that loses the advance skips the job, so one slot yields one run.
func (s *SchedulerService) Tick(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListDueSchedules(ctx, now, scheduleBatch)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}
	fired := 0
	for i := range due {
		if s.fire(ctx, &due[i], now) {
			fired++
		}
	}
	return fired, nil
}

func (s *SchedulerService) fire(ctx context.Context, j *schedule.Job, now time.Time) bool {
	log := logger.From(ctx, slog.Default()).With("schedule_id", j.ID, "tool_id", j.ToolID)

	slot := *j.NextRunAt
	next, err := j.Next(slot, now)
	if err != nil {
		// The spec was validated at creation; park the job rather than
		// retry it every tick.
		log.Error("schedule spec no longer parses, disabling", "spec", j.Spec, "error", err)
		if err := s.store.SetScheduleEnabled(ctx, j.ID, false, nil); err != nil {
			log.Warn("disable schedule", "error", err)
		}
		return false
	}
	if err := s.store.AdvanceSchedule(ctx, j.ID, slot, now, next); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Debug("schedule slot taken by another ticker")
		} else {
			log.Warn("advance schedule", "error", err)
		}
		return false
	}

	caller := policy.Caller{ID: j.Actor(), Scopes: []string{policy.ScopeExecute}}
	r, err := s.runs.Submit(ctx, caller, run.CreateRequest{
		ToolID: j.ToolID,
		Args:   j.Args,
		Reason: "schedule " + j.Name,
	})
	if err != nil {
		log.Warn("scheduled run rejected", "error", err)
		s.audit.Log(ctx, audit.Event{
			Type: audit.ScheduleFired, Action: "fire", Status: audit.StatusFail, ActorID: caller.ID,
			ResourceType: "schedule", ResourceID: j.ID,
			Message: err.Error(),
			Meta:    map[string]any{"tool_id": j.ToolID, "slot": slot},
		})
		return false
	}
	if err := s.store.SetScheduleLastRun(ctx, j.ID, r.ID); err != nil {
		log.Warn("record schedule last run", "run_id", r.ID, "error", err)
	}
	s.audit.Log(ctx, audit.Event{
		Type: audit.ScheduleFired, Action: "fire", ActorID: caller.ID,
		ResourceType: "schedule", ResourceID: j.ID,
		Meta: map[string]any{"tool_id": j.ToolID, "run_id": r.ID, "run_status": string(r.Status), "slot": slot},
	})
	log.Info("schedule fired", "run_id", r.ID, "status", r.Status, "next_run_at", next)
	return true
}

// Run calls Tick every interval until ctx is done.
func (s *SchedulerService) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		slog.Info("scheduler disabled")
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	slog.Info("scheduler started", "every", every)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Tick(ctx); err != nil {
				slog.Error("scheduler tick", "error", err)
			}
		}
	}
}
