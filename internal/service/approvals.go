package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/toolgate/internal/adapter/otel"
	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/approval"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/logger"
	"github.com/Strob0t/toolgate/internal/port/database"
	"github.com/Strob0t/toolgate/internal/port/messagequeue"
)

const defaultApprovalListLimit = 100

// ApprovalService is the approval ledger: it lists pending requests and
// records decisions. An approved run is published to the worker.
type ApprovalService struct {
	store   database.Store
	queue   messagequeue.Queue
	audit   *AuditService
	metrics *otel.Metrics
	poll    time.Duration
}

// NewApprovalService creates an ApprovalService.
func NewApprovalService(store database.Store, queue messagequeue.Queue, auditSvc *AuditService) *ApprovalService {
	return &ApprovalService{store: store, queue: queue, audit: auditSvc, poll: 2 * time.Second}
}

// SetMetrics attaches metric instruments.
func (s *ApprovalService) SetMetrics(m *otel.Metrics) { s.metrics = m }

// SetPollInterval changes how often Wait re-reads an approval.
func (s *ApprovalService) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.poll = d
	}
}

// List returns approvals with the given status (all when empty).
func (s *ApprovalService) List(ctx context.Context, status approval.Status, limit int) ([]approval.Approval, error) {
	if limit <= 0 {
		limit = defaultApprovalListLimit
	}
	return s.store.ListApprovals(ctx, status, limit)
}

// Get returns one approval.
func (s *ApprovalService) Get(ctx context.Context, id string) (*approval.Approval, error) {
	return s.store.GetApproval(ctx, id)
}

// Approve records an approval and queues its run. The decision and the
// run transition commit together; the publish happens afterwards and a
// failure there is left to the worker's sweeper.
func (s *ApprovalService) Approve(ctx context.Context, id string, d approval.Decision) (*approval.Approval, error) {
	if d.Actor == "" {
		d.Actor = logger.Actor(ctx)
	}
	a, r, err := s.store.ApproveRunApproval(ctx, id, d, time.Now().UTC())
	if err != nil {
		return nil, decideErr(id, err)
	}
	log := logger.From(ctx, slog.Default()).With("approval_id", a.ID, "run_id", r.ID)

	s.audit.Log(ctx, audit.Event{
		Type: audit.ApprovalApproved, Action: "approve", ActorID: d.Actor,
		ResourceType: "approval", ResourceID: a.ID,
		Message: d.Note,
		Meta:    map[string]any{"run_id": r.ID, "tool_id": r.ToolID},
	})
	s.metrics.Decided(ctx, string(approval.StatusApproved))

	if err := publishRunJob(ctx, s.queue, r); err != nil {
		log.Warn("approved run publish failed, left for sweeper", "error", err)
	}
	log.Info("approval approved", "decided_by", d.Actor)
	return a, nil
}

// Deny records a denial; the run is finished as denied with the note as
// its error.
func (s *ApprovalService) Deny(ctx context.Context, id string, d approval.Decision) (*approval.Approval, error) {
	if d.Actor == "" {
		d.Actor = logger.Actor(ctx)
	}
	a, r, err := s.store.DenyRunApproval(ctx, id, d, time.Now().UTC())
	if err != nil {
		return nil, decideErr(id, err)
	}

	s.audit.Log(ctx, audit.Event{
		Type: audit.ApprovalDenied, Action: "deny", ActorID: d.Actor,
		ResourceType: "approval", ResourceID: a.ID,
		Message: d.Note,
		Meta:    map[string]any{"run_id": r.ID, "tool_id": r.ToolID},
	})
	s.audit.Log(ctx, audit.Event{
		Type: audit.RunDenied, Action: "deny", Status: audit.StatusFail, ActorID: d.Actor,
		ResourceType: "run", ResourceID: r.ID,
		Message: d.Note,
		Meta:    map[string]any{"approval_id": a.ID, "tool_id": r.ToolID},
	})
	s.metrics.Decided(ctx, string(approval.StatusDenied))
	s.metrics.Finished(ctx, r.ToolID, string(run.StatusDenied), 0)

	logger.From(ctx, slog.Default()).Info("approval denied", "approval_id", a.ID, "run_id", r.ID, "decided_by", d.Actor)
	return a, nil
}

// Wait polls an approval until it is decided or timeout elapses. It
// reports whether the approval was granted; an undecided approval at the
// deadline returns false with a nil error.
func (s *ApprovalService) Wait(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return false, nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		a, err := s.store.GetApproval(ctx, id)
		if err != nil {
			return false, err
		}
		if a.IsDecided() {
			return a.Status == approval.StatusApproved, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}

func decideErr(id string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrValidation):
		return fmt.Errorf("approval %s: %w", id, err)
	default:
		return fmt.Errorf("approval %s: %w: %w", id, domain.ErrUnavailable, err)
	}
}
