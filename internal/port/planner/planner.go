// Package planner defines the port for translating a natural-language
// request into draft plan JSON. Its output is untrusted.
package planner

import (
	"context"

	"github.com/Strob0t/toolgate/internal/domain/tool"
)

// Request is the input to a translation.
type Request struct {
	Query          string
	Tools          []tool.Tool
	ContextSummary string
}

// Translator returns raw JSON describing a plan draft.
type Translator interface {
	Translate(ctx context.Context, req Request) ([]byte, error)
}
