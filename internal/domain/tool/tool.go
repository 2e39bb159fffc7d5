// Package tool defines the registered-tool entity: a command template plus
// the risk metadata the policy engine reads.
package tool

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RiskLevel classifies how dangerous a tool is.
type RiskLevel string

const (
	RiskRead     RiskLevel = "read"
	RiskExecLow  RiskLevel = "exec_low"
	RiskExecHigh RiskLevel = "exec_high"
	RiskWrite    RiskLevel = "write"
)

// Valid reports whether r is one of the known levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskRead, RiskExecLow, RiskExecHigh, RiskWrite:
		return true
	}
	return false
}

// Effective returns r, or exec_low when r is not a known level.
func (r RiskLevel) Effective() RiskLevel {
	if !r.Valid() {
		return RiskExecLow
	}
	return r
}

// NeedsApproval reports whether runs at this level must be approved by a human.
func (r RiskLevel) NeedsApproval() bool {
	return r == RiskExecHigh || r == RiskWrite
}

// ExecutorKind selects the executor variant for a tool.
type ExecutorKind string

const (
	ExecutorHost      ExecutorKind = "host"
	ExecutorSandboxed ExecutorKind = "sandboxed"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// DefaultTimeoutSec applies when a tool declares no timeout.
const DefaultTimeoutSec = 120

// Tool is a registered, invocable operation.
type Tool struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	Description  string          `json:"description,omitempty" yaml:"description,omitempty"`
	RiskLevel    RiskLevel       `json:"risk_level" yaml:"risk_level"`
	Executor     ExecutorKind    `json:"executor" yaml:"executor"`
	Command      []string        `json:"command" yaml:"command"`
	Cwd          string          `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	TimeoutSec   int             `json:"timeout_sec" yaml:"timeout_sec"`
	ArgsSchema   json.RawMessage `json:"args_schema,omitempty" yaml:"-"`
	AllowedPaths []string        `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
	UndoToolID   string          `json:"undo_tool_id,omitempty" yaml:"undo_tool_id,omitempty"`
	Enabled      bool            `json:"enabled" yaml:"-"`
	CreatedAt    time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time       `json:"updated_at" yaml:"-"`
}

// Timeout returns the effective timeout in seconds.
func (t *Tool) Timeout() int {
	if t.TimeoutSec <= 0 {
		return DefaultTimeoutSec
	}
	return t.TimeoutSec
}

// Kind returns the executor kind, defaulting to sandboxed.
func (t *Tool) Kind() ExecutorKind {
	if t.Executor == "" {
		return ExecutorSandboxed
	}
	return t.Executor
}

// Validate checks the registration fields. Unknown risk levels are accepted
// here; the policy engine downgrades them to exec_low at evaluation time.
func (t *Tool) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("tool id is required")
	}
	if !idPattern.MatchString(t.ID) {
		return fmt.Errorf("tool id %q: only letters, digits, '_', '-' and '.' are allowed", t.ID)
	}
	if len(t.Command) == 0 {
		return fmt.Errorf("tool %s: command is required", t.ID)
	}
	switch t.Executor {
	case "", ExecutorHost, ExecutorSandboxed:
	default:
		return fmt.Errorf("tool %s: unknown executor %q", t.ID, t.Executor)
	}
	if t.UndoToolID == t.ID {
		return fmt.Errorf("tool %s: undo_tool_id cannot reference itself", t.ID)
	}
	if t.TimeoutSec < 0 {
		return fmt.Errorf("tool %s: timeout_sec must be >= 0", t.ID)
	}
	if len(t.ArgsSchema) > 0 && !json.Valid(t.ArgsSchema) {
		return fmt.Errorf("tool %s: args_schema is not valid JSON", t.ID)
	}
	return nil
}
