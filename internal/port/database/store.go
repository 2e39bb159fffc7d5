// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/toolgate/internal/domain/apitoken"
	"github.com/Strob0t/toolgate/internal/domain/approval"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/domain/schedule"
	"github.com/Strob0t/toolgate/internal/domain/tool"
)

// Store is the port interface for database operations.
//
// Methods that touch both a run and its approval are atomic: either both
// rows change or neither does.
type Store interface {
	// Tools
	ListTools(ctx context.Context, enabledOnly bool) ([]tool.Tool, error)
	GetTool(ctx context.Context, id string) (*tool.Tool, error)
	UpsertTool(ctx context.Context, t *tool.Tool) error
	SetToolEnabled(ctx context.Context, id string, enabled bool) error

	// Runs
	CreateRun(ctx context.Context, r *run.Run) error
	CreateRunWithApproval(ctx context.Context, r *run.Run, a *approval.Approval) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRuns(ctx context.Context, f run.Filter) ([]run.Run, error)
	// ClaimRun moves a queued run to running. It returns domain.ErrConflict
	// when the run is not queued, so only one delivery executes it.
	ClaimRun(ctx context.Context, id string, startedAt time.Time) error
	FinishRun(ctx context.Context, id string, status run.Status, exitCode *int, errMsg string, finishedAt time.Time) error
	// ParkRun sets a non-terminal run to pending_approval or denied without executing it.
	ParkRun(ctx context.Context, id string, status run.Status, errMsg string) error
	ListStaleQueuedRuns(ctx context.Context, olderThan time.Time, limit int) ([]run.Run, error)
	ListStaleRunningRuns(ctx context.Context, startedBefore time.Time, limit int) ([]run.Run, error)
	// RequestRunApproval inserts a pending approval for a queued run and
	// moves the run to pending_approval. It returns domain.ErrConflict when
	// the run is no longer queued.
	RequestRunApproval(ctx context.Context, a *approval.Approval) error

	// Approvals
	GetApproval(ctx context.Context, id string) (*approval.Approval, error)
	ListApprovals(ctx context.Context, status approval.Status, limit int) ([]approval.Approval, error)
	GetLatestApprovalFor(ctx context.Context, resourceType, resourceID string) (*approval.Approval, error)
	// ApproveRunApproval marks a pending approval approved and, in the same
	// transaction, moves its run from pending_approval to queued.
	ApproveRunApproval(ctx context.Context, id string, d approval.Decision, at time.Time) (*approval.Approval, *run.Run, error)
	// DenyRunApproval marks a pending approval denied and finishes its run as denied.
	DenyRunApproval(ctx context.Context, id string, d approval.Decision, at time.Time) (*approval.Approval, *run.Run, error)

	// Audit
	InsertAuditEvent(ctx context.Context, ev *audit.Event) error
	ListAuditEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error)

	// Schedules
	CreateSchedule(ctx context.Context, j *schedule.Job) error
	GetSchedule(ctx context.Context, id string) (*schedule.Job, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]schedule.Job, error)
	DeleteSchedule(ctx context.Context, id string) error
	SetScheduleEnabled(ctx context.Context, id string, enabled bool, nextRunAt *time.Time) error
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]schedule.Job, error)
	// AdvanceSchedule records a firing at firedAt and moves next_run_at on to
	// next (nil retires the job). It returns domain.ErrConflict when
	// next_run_at no longer equals due, so one worker fires each slot.
	AdvanceSchedule(ctx context.Context, id string, due, firedAt time.Time, next *time.Time) error
	SetScheduleLastRun(ctx context.Context, id, runID string) error

	// API tokens
	CreateAPIToken(ctx context.Context, t *apitoken.Token) error
	GetAPITokenByHash(ctx context.Context, hash string) (*apitoken.Token, error)
	ListAPITokens(ctx context.Context, actor string) ([]apitoken.Token, error)
	RevokeAPIToken(ctx context.Context, id, actor string, at time.Time) error
	// BootstrapAPIToken creates the first token. It returns
	// domain.ErrConflict once any token exists.
	BootstrapAPIToken(ctx context.Context, t *apitoken.Token) error
}
