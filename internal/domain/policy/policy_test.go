package policy_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/Strob0t/toolgate/internal/domain/policy"
	"github.com/Strob0t/toolgate/internal/domain/tool"
)

var execScopes = []string{"tool:read", policy.ScopeExecute}

func newTool(risk tool.RiskLevel) *tool.Tool {
	return &tool.Tool{
		ID:         "t1",
		RiskLevel:  risk,
		Enabled:    true,
		Command:    []string{"echo"},
		ArgsSchema: json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`),
	}
}

func TestDecide_MissingScope(t *testing.T) {
	for _, risk := range []tool.RiskLevel{tool.RiskRead, tool.RiskExecLow, tool.RiskExecHigh, tool.RiskWrite} {
		d := policy.Decide([]string{"tool:read"}, newTool(risk), map[string]any{"n": 1})
		if d.Allowed {
			t.Errorf("%s: expected denial without execute scope", risk)
		}
		if !strings.Contains(d.Reason, "missing required scope") {
			t.Errorf("%s: unexpected reason %q", risk, d.Reason)
		}
	}
}

func TestDecide_Disabled(t *testing.T) {
	tl := newTool(tool.RiskRead)
	tl.Enabled = false
	d := policy.Decide(execScopes, tl, map[string]any{"n": 1})
	if d.Allowed || d.Reason != "tool is disabled" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestDecide_HighRiskRequiresApprovalRegardlessOfArgs(t *testing.T) {
	for _, risk := range []tool.RiskLevel{tool.RiskExecHigh, tool.RiskWrite} {
		// Arguments violate the schema on purpose.
		d := policy.Decide(execScopes, newTool(risk), map[string]any{"n": "bad"})
		if !d.Allowed || !d.RequiresApproval {
			t.Errorf("%s: expected allowed+approval, got %+v", risk, d)
		}
		if d.Reason != "risk_level="+string(risk)+" requires approval" {
			t.Errorf("%s: unexpected reason %q", risk, d.Reason)
		}
	}
}

func TestDecide_LowRisk(t *testing.T) {
	for _, risk := range []tool.RiskLevel{tool.RiskRead, tool.RiskExecLow} {
		ok := policy.Decide(execScopes, newTool(risk), map[string]any{"n": 1})
		if !ok.Allowed || ok.RequiresApproval {
			t.Errorf("%s: expected allowed without approval, got %+v", risk, ok)
		}

		bad := policy.Decide(execScopes, newTool(risk), map[string]any{"n": "x"})
		if bad.Allowed {
			t.Errorf("%s: expected schema denial", risk)
		}
		if !strings.HasPrefix(bad.Reason, "schema validation failed") {
			t.Errorf("%s: unexpected reason %q", risk, bad.Reason)
		}
	}
}

func TestDecide_UnknownRiskTreatedAsExecLow(t *testing.T) {
	tl := newTool("nuclear")
	d := policy.Decide(execScopes, tl, map[string]any{"n": 1})
	if !d.Allowed || d.RequiresApproval {
		t.Fatalf("expected exec_low behaviour, got %+v", d)
	}
}

func TestDecide_Deterministic(t *testing.T) {
	tl := newTool(tool.RiskExecLow)
	args := map[string]any{"n": "x"}
	first := policy.Decide(execScopes, tl, args)
	for range 20 {
		if got := policy.Decide(execScopes, tl, args); got != first {
			t.Fatalf("decision changed: %+v vs %+v", got, first)
		}
	}
}

func TestDecide_EmptySchema(t *testing.T) {
	tl := newTool(tool.RiskRead)
	tl.ArgsSchema = nil
	if d := policy.Decide(execScopes, tl, map[string]any{"anything": true}); !d.Allowed {
		t.Fatalf("empty schema should accept, got %+v", d)
	}
}

func TestDecide_BrokenSchemaIsLoggedAndDenied(t *testing.T) {
	var buf bytes.Buffer
	e := policy.Engine{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	tl := newTool(tool.RiskRead)
	tl.ID = "broken_schema"
	tl.ArgsSchema = json.RawMessage(`{"type": 12}`)

	d := e.Decide(execScopes, tl, map[string]any{"n": 1})
	if d.Allowed {
		t.Fatalf("broken schema must fail closed, got %+v", d)
	}
	if !strings.Contains(buf.String(), `"tool_id":"broken_schema"`) {
		t.Errorf("log does not name the tool: %s", buf.String())
	}
}
