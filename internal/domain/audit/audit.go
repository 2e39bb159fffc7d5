// Package audit defines the append-only audit record written for every
// policy-relevant transition.
package audit

import "time"

// Event types.
const (
	RunCreated     = "run.created"
	RunBlocked     = "run.blocked"
	RunFailed      = "run.failed"
	RunInvalidArgs = "run.invalid_args"
	RunPathBlocked = "run.path_blocked"
	RunExecuted    = "run.executed"
	RunDenied      = "run.denied"

	ApprovalRequested = "approval.requested"
	ApprovalApproved  = "approval.approved"
	ApprovalDenied    = "approval.denied"

	PlanExecuted = "plan.executed"
	PlanRollback = "plan.rollback"

	ScheduleCreated = "schedule.created"
	ScheduleDeleted = "schedule.deleted"
	ScheduleFired   = "schedule.fired"

	TokenCreated = "token.created"
	TokenRevoked = "token.revoked"
)

// Outcome values.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

// Event is one audit record.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Action       string         `json:"action"`
	Status       string         `json:"status"`
	ActorID      string         `json:"actor_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Message      string         `json:"message,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Filter narrows audit queries.
type Filter struct {
	Type       string
	ResourceID string
	Limit      int
}
