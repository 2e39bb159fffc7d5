// Package run defines the Run entity: one invocation of a tool with concrete
// arguments, moving through a monotonic lifecycle.
package run

import (
	"fmt"
	"time"
)

// Status represents the current state of a run.
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusDenied          Status = "denied"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusDenied
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingApproval, StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusDenied:
		return true
	}
	return false
}

// transitions lists the allowed next states. Terminal states have none.
var transitions = map[Status][]Status{
	StatusPendingApproval: {StatusQueued, StatusDenied},
	StatusQueued:          {StatusRunning, StatusFailed, StatusDenied, StatusPendingApproval},
	StatusRunning:         {StatusSucceeded, StatusFailed},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Run is one tool invocation.
type Run struct {
	ID         string         `json:"id"`
	ToolID     string         `json:"tool_id"`
	Args       map[string]any `json:"args"`
	Status     Status         `json:"status"`
	CreatedBy  string         `json:"created_by"`
	ApprovalID string         `json:"approval_id,omitempty"`
	StdoutPath string         `json:"stdout_path,omitempty"`
	StderrPath string         `json:"stderr_path,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// CreateRequest is the caller-facing submission.
type CreateRequest struct {
	ToolID string         `json:"tool_id"`
	Args   map[string]any `json:"args"`
	Reason string         `json:"reason,omitempty"`
}

// Validate checks the request shape. Argument contents are checked by the
// schema validator and path guard.
func (r *CreateRequest) Validate() error {
	if r.ToolID == "" {
		return fmt.Errorf("tool_id is required")
	}
	return nil
}

// Filter narrows ListRuns.
type Filter struct {
	Status Status
	ToolID string
	Limit  int
}

// Outcome is the executor result recorded when a run finishes.
type Outcome struct {
	ExitCode int
	Error    string
}

// FinalStatus maps an exit code onto the terminal status.
func (o Outcome) FinalStatus() Status {
	if o.ExitCode == 0 {
		return StatusSucceeded
	}
	return StatusFailed
}
