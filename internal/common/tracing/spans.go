package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const orchestratorTracerName = "spawnd-orchestrator"

func orchestratorTracer() trace.Tracer {
	return Tracer(orchestratorTracerName)
}

// TraceSession creates the root span for one orchestrated work item.
func TraceSession(ctx context.Context, issueID, sessionID string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "orchestrator.session",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("issue_id", issueID),
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// TracePhase creates a child span for a named pipeline phase.
func TracePhase(ctx context.Context, phase, issueID string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "orchestrator."+phase,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("issue_id", issueID))
	return ctx, span
}

// TraceExecute creates a span for one provider execution attempt.
func TraceExecute(ctx context.Context, issueID, provider string, attempt int) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "executor.execute",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("issue_id", issueID),
		attribute.String("provider", provider),
		attribute.Int("attempt", attempt),
	)
	return ctx, span
}

// RecordResult records an error outcome on a span, if any.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
