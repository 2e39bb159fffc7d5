package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/tool"
)

var (
	ErrMalformed         = errors.New("plan is not valid JSON")
	ErrNoSteps           = errors.New("plan has no steps")
	ErrStepMissingTool   = errors.New("step tool_id is required")
	ErrUnknownTool       = errors.New("step references an unknown or disabled tool")
	ErrDuplicateStepID   = errors.New("duplicate step_id")
	ErrUnknownDependency = errors.New("step depends on an unknown step")
	ErrForwardDependency = errors.New("step depends on a later step")
	ErrDAGCycle          = errors.New("step dependencies contain a cycle")
	ErrInvalidFailPolicy = errors.New("on_fail must be stop, continue or rollback")
	ErrNegativeTimeout   = errors.New("timeout_seconds must be >= 0")
)

// Draft is the untrusted wire shape of a plan, as produced by a planner or
// submitted by a caller.
type Draft struct {
	TaskType          string      `json:"task_type"`
	Steps             []DraftStep `json:"steps"`
	EstimatedDuration int         `json:"estimated_duration"`
}

// DraftStep is the untrusted wire shape of a step.
type DraftStep struct {
	StepID      string         `json:"step_id"`
	ToolID      string         `json:"tool_id"`
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args"`
	Reason      string         `json:"reason"`
	DependsOn   []string       `json:"depends_on"`
	RetryOnFail bool           `json:"retry_on_fail"`
	TimeoutSec  *int           `json:"timeout_seconds"`
	OnFail      string         `json:"on_fail"`
}

// Parse decodes raw planner output into a Draft.
func Parse(raw []byte) (*Draft, error) {
	var d Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", domain.ErrValidation, ErrMalformed, err)
	}
	return &d, nil
}

// Build validates a draft against the live tool registry and returns an
// immutable plan. tools must contain only enabled tools, keyed by id.
// Unknown task types fall back to custom; the caller decides whether to log.
func Build(d *Draft, query string, tools map[string]*tool.Tool) (*Plan, error) {
	if d == nil || len(d.Steps) == 0 {
		return nil, invalid(ErrNoSteps)
	}

	taskType, _ := ParseTaskType(d.TaskType)
	p := &Plan{
		ID:        "plan_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Query:     query,
		TaskType:  taskType,
		Steps:     make([]Step, 0, len(d.Steps)),
		CreatedAt: time.Now().UTC(),
	}

	seen := make(map[string]int, len(d.Steps))
	total := 0
	for i := range d.Steps {
		ds := &d.Steps[i]
		s := Step{
			ID:          strings.TrimSpace(ds.StepID),
			ToolID:      strings.TrimSpace(ds.ToolID),
			ToolName:    ds.ToolName,
			Args:        ds.Args,
			Reason:      ds.Reason,
			DependsOn:   ds.DependsOn,
			RetryOnFail: ds.RetryOnFail,
			TimeoutSec:  DefaultStepTimeoutSec,
			OnFail:      FailurePolicy(ds.OnFail),
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("step_%d", i+1)
		}
		if s.Args == nil {
			s.Args = map[string]any{}
		}
		if s.OnFail == "" {
			s.OnFail = OnFailStop
		}
		if ds.TimeoutSec != nil {
			if *ds.TimeoutSec < 0 {
				return nil, invalidStep(s.ID, ErrNegativeTimeout)
			}
			if *ds.TimeoutSec > 0 {
				s.TimeoutSec = *ds.TimeoutSec
			}
		}

		if s.ToolID == "" {
			return nil, invalidStep(s.ID, ErrStepMissingTool)
		}
		t, ok := tools[s.ToolID]
		if !ok || t == nil || !t.Enabled {
			return nil, fmt.Errorf("%w: step %s: %w: %s", domain.ErrValidation, s.ID, ErrUnknownTool, s.ToolID)
		}
		if s.ToolName == "" {
			s.ToolName = t.Name
		}
		if !s.OnFail.Valid() {
			return nil, invalidStep(s.ID, ErrInvalidFailPolicy)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, invalidStep(s.ID, ErrDuplicateStepID)
		}
		for _, dep := range s.DependsOn {
			if _, ok := seen[dep]; ok {
				continue
			}
			switch {
			case dep == s.ID:
				return nil, invalidStep(s.ID, ErrDAGCycle)
			case stepIndex(d.Steps, dep) > i:
				return nil, fmt.Errorf("%w: step %s: %w: %s", domain.ErrValidation, s.ID, ErrForwardDependency, dep)
			default:
				return nil, fmt.Errorf("%w: step %s: %w: %s", domain.ErrValidation, s.ID, ErrUnknownDependency, dep)
			}
		}

		seen[s.ID] = i
		total += s.TimeoutSec
		p.Steps = append(p.Steps, s)
	}

	p.EstimatedDurationSec = d.EstimatedDuration
	if p.EstimatedDurationSec <= 0 {
		p.EstimatedDurationSec = total
	}
	return p, nil
}

// Validate re-checks an already built plan, e.g. one submitted by a caller
// as a Plan rather than a Draft.
func Validate(p *Plan, tools map[string]*tool.Tool) error {
	d := &Draft{TaskType: string(p.TaskType), EstimatedDuration: p.EstimatedDurationSec}
	for i := range p.Steps {
		s := &p.Steps[i]
		timeout := s.TimeoutSec
		d.Steps = append(d.Steps, DraftStep{
			StepID: s.ID, ToolID: s.ToolID, ToolName: s.ToolName, Args: s.Args,
			Reason: s.Reason, DependsOn: s.DependsOn, RetryOnFail: s.RetryOnFail,
			TimeoutSec: &timeout, OnFail: string(s.OnFail),
		})
	}
	_, err := Build(d, p.Query, tools)
	return err
}

func stepIndex(steps []DraftStep, id string) int {
	for i := range steps {
		if steps[i].StepID == id {
			return i
		}
	}
	return -1
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrValidation, err)
}

func invalidStep(id string, err error) error {
	return fmt.Errorf("%w: step %s: %w", domain.ErrValidation, id, err)
}
