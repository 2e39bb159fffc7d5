// Package approval defines the approval request entity. A request starts
// pending and is decided exactly once.
package approval

import (
	"encoding/json"
	"time"
)

// Status is the decision state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// ResourceRun is the only resource type gated today.
const ResourceRun = "run"

// Approval is a request for a human decision on a guarded action.
type Approval struct {
	ID           string          `json:"id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	RequestedBy  string          `json:"requested_by"`
	RiskLevel    string          `json:"risk_level"`
	Reason       string          `json:"reason"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       Status          `json:"status"`
	DecidedAt    *time.Time      `json:"decided_at,omitempty"`
	DecidedBy    string          `json:"decided_by,omitempty"`
	DecisionNote string          `json:"decision_note,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// IsDecided reports whether the request has left the pending state.
func (a *Approval) IsDecided() bool {
	return a.Status != StatusPending
}

// RunPayload is the snapshot stored with a run approval.
type RunPayload struct {
	ToolID string         `json:"tool_id"`
	Args   map[string]any `json:"args"`
	RunID  string         `json:"run_id"`
}

// Decision is the input to approve/deny.
type Decision struct {
	Actor string `json:"-"`
	Note  string `json:"note,omitempty"`
}
