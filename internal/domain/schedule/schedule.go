// Package schedule defines scheduled jobs: a tool invocation submitted
// automatically on a cron, interval or one-shot date trigger.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Trigger selects how Spec is interpreted.
type Trigger string

const (
	TriggerCron     Trigger = "cron"     // Spec is a cron expression, see ParseCron
	TriggerInterval Trigger = "interval" // Spec is a Go duration, e.g. "1h30m"
	TriggerDate     Trigger = "date"     // Spec is an RFC 3339 timestamp; fires once
)

// MinInterval is the shortest accepted interval trigger.
const MinInterval = time.Minute

// Job is a persisted schedule. NextRunAt is nil once a job has nothing
// left to fire (a date trigger that already fired).
type Job struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	ToolID    string         `json:"tool_id"`
	Args      map[string]any `json:"args"`
	Trigger   Trigger        `json:"trigger"`
	Spec      string         `json:"spec"`
	Enabled   bool           `json:"enabled"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt *time.Time     `json:"next_run_at,omitempty"`
	RunCount  int            `json:"run_count"`
	LastRunID string         `json:"last_run_id,omitempty"`
}

// Actor is the created_by recorded on runs the job submits.
func (j *Job) Actor() string { return "scheduler:" + j.ID }

// Next returns the firing that follows prev, the slot that just fired,
// skipping every slot at or before now. Missed slots collapse into one.
// A nil result means the job is exhausted.
func (j *Job) Next(prev, now time.Time) (*time.Time, error) {
	switch j.Trigger {
	case TriggerCron:
		c, err := ParseCron(j.Spec)
		if err != nil {
			return nil, err
		}
		n := c.NextAfter(now)
		return &n, nil
	case TriggerInterval:
		d, err := parseInterval(j.Spec)
		if err != nil {
			return nil, err
		}
		n := prev.Add(d)
		if !n.After(now) {
			n = prev.Add(d * (now.Sub(prev)/d + 1))
		}
		n = n.UTC()
		return &n, nil
	case TriggerDate:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown trigger %q", j.Trigger)
	}
}

// First returns the first firing after now for a new or re-enabled job. A
// date trigger that already passed yields nil.
func (j *Job) First(now time.Time) (*time.Time, error) {
	switch j.Trigger {
	case TriggerInterval:
		d, err := parseInterval(j.Spec)
		if err != nil {
			return nil, err
		}
		n := now.Add(d).UTC()
		return &n, nil
	case TriggerDate:
		at, err := parseDate(j.Spec)
		if err != nil {
			return nil, err
		}
		if !at.After(now) {
			return nil, nil
		}
		return &at, nil
	default:
		return j.Next(now, now)
	}
}

// CreateRequest is the caller-facing input for a new job.
type CreateRequest struct {
	Name    string         `json:"name"`
	ToolID  string         `json:"tool_id"`
	Args    map[string]any `json:"args,omitempty"`
	Trigger Trigger        `json:"trigger"`
	Spec    string         `json:"spec"`
}

// Validate checks the request shape and that Spec parses for Trigger.
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if r.ToolID == "" {
		return errors.New("tool_id is required")
	}
	return ValidateSpec(r.Trigger, r.Spec)
}

// ValidateSpec reports whether spec is well formed for trigger.
func ValidateSpec(trigger Trigger, spec string) error {
	var err error
	switch trigger {
	case TriggerCron:
		_, err = ParseCron(spec)
	case TriggerInterval:
		_, err = parseInterval(spec)
	case TriggerDate:
		_, err = parseDate(spec)
	default:
		return fmt.Errorf("trigger must be cron, interval or date, got %q", trigger)
	}
	return err
}

func parseInterval(spec string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(spec))
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", spec, err)
	}
	if d < MinInterval {
		return 0, fmt.Errorf("interval %s is shorter than %s", d, MinInterval)
	}
	return d, nil
}

func parseDate(spec string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(spec))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want RFC 3339", spec)
	}
	return t.UTC(), nil
}
