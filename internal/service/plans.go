package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/plan"
	"github.com/Strob0t/toolgate/internal/logger"
	"github.com/Strob0t/toolgate/internal/port/planner"
)

// PlanService turns natural-language requests and caller-supplied drafts
// into validated plans. Nothing it produces is trusted until Build has
// checked it against the live tool registry.
type PlanService struct {
	tools      *ToolRegistry
	translator planner.Translator
}

// NewPlanService creates a PlanService. translator may be nil, in which
// case Translate reports ErrUnavailable.
func NewPlanService(tools *ToolRegistry, translator planner.Translator) *PlanService {
	return &PlanService{tools: tools, translator: translator}
}

// Translate asks the planner for a plan covering query and validates the
// answer. pc is the caller's conversation state; it is read, never stored.
func (s *PlanService) Translate(ctx context.Context, query string, pc *plan.Context) (*plan.Plan, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", domain.ErrValidation)
	}
	if s.translator == nil {
		return nil, fmt.Errorf("plan translation: %w: no planner configured", domain.ErrUnavailable)
	}

	enabled, err := s.tools.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("%w: no enabled tools to plan with", domain.ErrValidation)
	}

	raw, err := s.translator.Translate(ctx, planner.Request{
		Query:          query,
		Tools:          enabled,
		ContextSummary: pc.Summary(),
	})
	if err != nil {
		return nil, fmt.Errorf("plan translation: %w", err)
	}

	d, err := plan.Parse(raw)
	if err != nil {
		return nil, err
	}
	p, err := s.build(ctx, d, query)
	if err != nil {
		return nil, err
	}
	logger.From(ctx, slog.Default()).Info("plan translated", "plan_id", p.ID, "task_type", p.TaskType, "steps", len(p.Steps))
	return p, nil
}

// Create validates a caller-supplied draft through the same path as a
// translated one.
func (s *PlanService) Create(ctx context.Context, d *plan.Draft, query string) (*plan.Plan, error) {
	return s.build(ctx, d, query)
}

func (s *PlanService) build(ctx context.Context, d *plan.Draft, query string) (*plan.Plan, error) {
	lookup, err := s.tools.Lookup(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}
	if d != nil {
		if _, ok := plan.ParseTaskType(d.TaskType); !ok && d.TaskType != "" {
			slog.Warn("unknown task type, using custom", "task_type", d.TaskType)
		}
	}
	return plan.Build(d, query, lookup)
}
