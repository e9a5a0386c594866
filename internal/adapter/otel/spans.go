package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "boardroom"

// StartSessionSpan starts a span covering one session drive.
func StartSessionSpan(ctx context.Context, sessionID string, panelVariant int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("session.panel_variant", panelVariant),
		),
	)
}

// StartSubProblemSpan starts a span for one sub-problem's deliberation.
func StartSubProblemSpan(ctx context.Context, sessionID string, spIndex int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "subproblem",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("subproblem.index", spIndex),
		),
	)
}

// StartRoundSpan starts a span for one deliberation round.
func StartRoundSpan(ctx context.Context, sessionID string, spIndex, round int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "round",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("subproblem.index", spIndex),
			attribute.Int("round.number", round),
		),
	)
}

// StartAdvisorySpan starts a span for one advisory API call.
func StartAdvisorySpan(ctx context.Context, operation, persona string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "advisory."+operation,
		trace.WithAttributes(
			attribute.String("advisory.operation", operation),
			attribute.String("advisory.persona", persona),
		),
	)
}
