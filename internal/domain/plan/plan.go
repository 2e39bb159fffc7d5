// Package plan defines multi-step execution plans: ordered tool steps with
// dependencies, retry flags and per-step failure policies, plus the result
// types the orchestrator produces.
package plan

import (
	"time"
)

// TaskType categorizes the request a plan was derived from.
type TaskType string

const (
	TaskCodeSearch    TaskType = "code_search"
	TaskCodeModify    TaskType = "code_modify"
	TaskFileOperation TaskType = "file_operation"
	TaskGitOperation  TaskType = "git_operation"
	TaskTestExecution TaskType = "test_execution"
	TaskDeployment    TaskType = "deployment"
	TaskCustom        TaskType = "custom"
)

// ParseTaskType maps s onto a known type. Unknown values become custom and
// ok is false.
func ParseTaskType(s string) (t TaskType, ok bool) {
	switch TaskType(s) {
	case TaskCodeSearch, TaskCodeModify, TaskFileOperation, TaskGitOperation,
		TaskTestExecution, TaskDeployment, TaskCustom:
		return TaskType(s), true
	}
	return TaskCustom, false
}

// FailurePolicy decides what the orchestrator does after a step fails.
type FailurePolicy string

const (
	OnFailStop     FailurePolicy = "stop"
	OnFailContinue FailurePolicy = "continue"
	OnFailRollback FailurePolicy = "rollback"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == OnFailStop || p == OnFailContinue || p == OnFailRollback
}

// DefaultStepTimeoutSec applies when a step declares no timeout.
const DefaultStepTimeoutSec = 60

// Step is one element of a plan.
type Step struct {
	ID          string         `json:"step_id"`
	ToolID      string         `json:"tool_id"`
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args"`
	Reason      string         `json:"reason"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	RetryOnFail bool           `json:"retry_on_fail"`
	TimeoutSec  int            `json:"timeout_seconds"`
	OnFail      FailurePolicy  `json:"on_fail"`
}

// Timeout returns the step timeout as a duration.
func (s *Step) Timeout() time.Duration {
	if s.TimeoutSec <= 0 {
		return DefaultStepTimeoutSec * time.Second
	}
	return time.Duration(s.TimeoutSec) * time.Second
}

// Plan is an immutable, validated sequence of steps.
type Plan struct {
	ID                   string    `json:"plan_id"`
	Query                string    `json:"user_query"`
	TaskType             TaskType  `json:"task_type"`
	Steps                []Step    `json:"steps"`
	EstimatedDurationSec int       `json:"estimated_duration"`
	CreatedAt            time.Time `json:"created_at"`
}

// StepStatus is the state of a step within one execution.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepBlocked    StepStatus = "blocked"
	StepSkipped    StepStatus = "skipped"
)

// IsTerminal reports whether the step will not change again in this execution.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepBlocked || s == StepSkipped
}

// StepResult records what happened to one step.
type StepResult struct {
	StepID      string     `json:"step_id"`
	ToolID      string     `json:"tool_id"`
	Status      StepStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	ApprovalID  string     `json:"approval_id,omitempty"`
	Attempts    int        `json:"attempts"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
	Duration    float64    `json:"execution_time"`
}

// Status is the aggregate outcome of a plan execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusBlocked Status = "blocked"
)

// ExecutionResult is produced once per plan execution and never mutated after.
type ExecutionResult struct {
	PlanID        string          `json:"plan_id"`
	Status        Status          `json:"status"`
	Steps         []StepResult    `json:"step_results"`
	Summary       string          `json:"summary"`
	Rollback      *RollbackReport `json:"rollback,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   time.Time       `json:"completed_at"`
	TotalDuration float64         `json:"total_duration"`
}

// UndoOutcome describes what rollback did for one completed step.
type UndoOutcome string

const (
	UndoApplied     UndoOutcome = "undone"
	UndoUnsupported UndoOutcome = "unsupported"
	UndoFailed      UndoOutcome = "undo_failed"
)

// RollbackEntry is one line of a rollback report.
type RollbackEntry struct {
	StepID  string      `json:"step_id"`
	RunID   string      `json:"run_id,omitempty"`
	Outcome UndoOutcome `json:"outcome"`
	Detail  string      `json:"detail,omitempty"`
}

// RollbackReport lists completed steps in reverse order with what was done
// about each.
type RollbackReport struct {
	TriggeredBy string          `json:"triggered_by"`
	Entries     []RollbackEntry `json:"entries"`
}
