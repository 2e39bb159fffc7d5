// Package policy decides, for a caller and a tool, whether a run may
// proceed and whether a human must approve it first.
package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/Strob0t/toolgate/internal/domain/argschema"
	"github.com/Strob0t/toolgate/internal/domain/tool"
)

// Scopes understood by toolgate.
const (
	ScopeExecute = "tool:execute"    // submit runs and plans
	ScopeApprove = "approval:decide" // approve or deny approval requests
	ScopeAudit   = "audit:read"      // read the audit trail
	ScopeTokens  = "token:admin"     // manage API tokens of any actor
)

// AllScopes lists every scope, for the local caller and bootstrap tokens.
func AllScopes() []string {
	return []string{ScopeExecute, ScopeApprove, ScopeAudit, ScopeTokens}
}

// Caller is the authenticated principal behind a request.
type Caller struct {
	ID     string   `json:"id"`
	Scopes []string `json:"scopes"`
}

// Can reports whether the caller holds scope.
func (c Caller) Can(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Decision is the outcome of Decide.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason"`
}

// Engine evaluates tool requests. The zero value logs to slog.Default.
type Engine struct {
	Logger *slog.Logger
}

// Decide is Engine{}.Decide.
func Decide(scopes []string, t *tool.Tool, args map[string]any) Decision {
	return Engine{}.Decide(scopes, t, args)
}

// Decide applies the rules in order: scope, enabled, risk level, schema.
// High-risk tools skip schema validation here; the job runner validates
// before executing.
func (e Engine) Decide(scopes []string, t *tool.Tool, args map[string]any) Decision {
	if !slices.Contains(scopes, ScopeExecute) {
		return Decision{Reason: "missing required scope: " + ScopeExecute}
	}
	if !t.Enabled {
		return Decision{Reason: "tool is disabled"}
	}

	risk := t.RiskLevel.Effective()
	if risk != t.RiskLevel {
		e.logger().Warn("unknown risk level, treating as exec_low",
			"tool_id", t.ID, "risk_level", string(t.RiskLevel))
	}

	if risk.NeedsApproval() {
		return Decision{
			Allowed:          true,
			RequiresApproval: true,
			Reason:           fmt.Sprintf("risk_level=%s requires approval", risk),
		}
	}

	if err := argschema.Validate(args, t.ArgsSchema); err != nil {
		if errors.Is(err, argschema.ErrSchema) {
			e.logger().Error("tool schema does not compile, rejecting run",
				"tool_id", t.ID, "error", err)
		}
		return Decision{Reason: "schema validation failed: " + err.Error()}
	}
	return Decision{Allowed: true, Reason: "policy check passed"}
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
