package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "toolgate"

// Metrics holds the toolgate metric instruments.
type Metrics struct {
	RunsSubmitted metric.Int64Counter
	RunsBlocked   metric.Int64Counter
	RunsFinished  metric.Int64Counter
	RunDuration   metric.Float64Histogram
	Approvals     metric.Int64Counter
	PlanSteps     metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsSubmitted, err = meter.Int64Counter("toolgate.runs.submitted",
		metric.WithDescription("Runs accepted at submission, by initial status"))
	if err != nil {
		return nil, err
	}

	m.RunsBlocked, err = meter.Int64Counter("toolgate.runs.blocked",
		metric.WithDescription("Submissions or dispatches refused by policy, schema or path guard"))
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("toolgate.runs.finished",
		metric.WithDescription("Runs reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("toolgate.run.duration_seconds",
		metric.WithDescription("Executor wall time in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.Approvals, err = meter.Int64Counter("toolgate.approvals.decided",
		metric.WithDescription("Approval decisions"))
	if err != nil {
		return nil, err
	}

	m.PlanSteps, err = meter.Int64Counter("toolgate.plan.steps",
		metric.WithDescription("Plan steps by final status"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// The helpers below tolerate a nil receiver so services can run without metrics.

func (m *Metrics) Submitted(ctx context.Context, toolID, status string) {
	if m == nil {
		return
	}
	m.RunsSubmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool.id", toolID), attribute.String("status", status)))
}

func (m *Metrics) Blocked(ctx context.Context, toolID, reason string) {
	if m == nil {
		return
	}
	m.RunsBlocked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool.id", toolID), attribute.String("reason", reason)))
}

func (m *Metrics) Finished(ctx context.Context, toolID, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool.id", toolID), attribute.String("status", status))
	m.RunsFinished.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) Decided(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.Approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *Metrics) Step(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.PlanSteps.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
