package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "query-orchestrator"

// Tracer wraps OpenTelemetry tracing for the orchestrator.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
// A nil Tracer returns a no-op span so components can run without tracing.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("orchestrator.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for orchestrator tracing.
var (
	AttrExecID     = attribute.Key("orchestrator.execution.id")
	AttrBatchID    = attribute.Key("orchestrator.batch.id")
	AttrWorkflowID = attribute.Key("orchestrator.workflow.id")
	AttrInstanceID = attribute.Key("orchestrator.instance.id")
	AttrJobHandle  = attribute.Key("orchestrator.job_handle")
	AttrOperation  = attribute.Key("orchestrator.gateway.operation")
	AttrAttempt    = attribute.Key("orchestrator.attempt")
)
