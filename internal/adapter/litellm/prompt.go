package litellm

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/Strob0t/toolgate/internal/port/planner"
)

const systemPrompt = `You are a task planner. Turn the user's request into a short sequence of
executable steps, choosing a tool for each step.

Rules:
- Use only the tools listed by the user message.
- State the reason for every write or exec_high step.
- Keep steps small and atomic.
- Reply with a single JSON object and nothing else.`

const planFormat = `{
  "task_type": "code_search|code_modify|file_operation|git_operation|test_execution|deployment|custom",
  "steps": [
    {
      "step_id": "step_1",
      "tool_id": "<one of the tool ids above>",
      "tool_name": "<tool name>",
      "args": {"<arg>": "<value>"},
      "reason": "<why this step is needed>",
      "depends_on": [],
      "retry_on_fail": false,
      "timeout_seconds": 60,
      "on_fail": "stop"
    }
  ],
  "estimated_duration": 60
}`

// buildPrompt renders the user message: request, context, tool catalogue
// and the expected answer shape.
func buildPrompt(req planner.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\n", sanitize(req.Query))

	summary := sanitize(req.ContextSummary)
	if summary == "" {
		summary = "(none)"
	}
	fmt.Fprintf(&b, "Context:\n%s\n\nAvailable tools:\n", summary)

	for i := range req.Tools {
		t := &req.Tools[i]
		desc := t.Description
		if desc == "" {
			desc = "no description"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n  risk_level: %s\n", t.ID, t.Name, desc, t.RiskLevel)
		if len(t.ArgsSchema) > 0 {
			fmt.Fprintf(&b, "  args_schema: %s\n", t.ArgsSchema)
		}
	}

	b.WriteString("\nAnswer with JSON in exactly this shape:\n")
	b.WriteString(planFormat)
	b.WriteString(`

Requirements:
1. step_id values are step_1, step_2, ... in order.
2. depends_on lists ids of earlier steps only.
3. args must satisfy the tool's args_schema.
4. on_fail is one of stop, continue, rollback.
`)
	return b.String()
}

// maxUserText bounds the caller-controlled text placed in a prompt.
const maxUserText = 8000

// roleMarker matches lines that try to open a new chat turn.
var roleMarker = regexp.MustCompile(`(?i)^\s*(system|assistant|user|tool)\s*:|^\s*\[(system|assistant)\]|^\s*<\|[a-z_]+\|>|^\s*###\s*(system|assistant|instruction)`)

// sanitize strips control characters, defuses role markers at line starts
// and truncates caller-supplied text before it reaches the planner.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if roleMarker.MatchString(line) {
			lines[i] = "> " + line
		}
	}
	s = strings.Join(lines, "\n")

	if r := []rune(s); len(r) > maxUserText {
		s = string(r[:maxUserText]) + "\n[truncated]"
	}
	return s
}
