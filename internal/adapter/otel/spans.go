package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "toolgate"

// StartRunSpan starts a span for one job runner dispatch.
func StartRunSpan(ctx context.Context, runID, toolID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("tool.id", toolID),
		),
	)
}

// StartPlanSpan starts a span for a whole plan execution.
func StartPlanSpan(ctx context.Context, planID, mode string, steps int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "plan.execute",
		trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.String("plan.mode", mode),
			attribute.Int("plan.steps", steps),
		),
	)
}

// StartStepSpan starts a span for a single plan step.
func StartStepSpan(ctx context.Context, stepID, toolID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "plan.step",
		trace.WithAttributes(
			attribute.String("step.id", stepID),
			attribute.String("tool.id", toolID),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
