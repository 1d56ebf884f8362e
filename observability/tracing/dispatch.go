package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DispatchTracer provides convenience methods for creating spans around the
// dispatch lifecycle.
type DispatchTracer struct {
	tracer trace.Tracer
}

// NewDispatchTracer creates a DispatchTracer. If tracer is nil, the global
// tracer provider is used.
func NewDispatchTracer(tracer trace.Tracer) *DispatchTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("sapops.dispatch")
	}
	return &DispatchTracer{tracer: tracer}
}

// StartDispatch begins a new span for one dispatched operation.
func (d *DispatchTracer) StartDispatch(ctx context.Context, requestID, operation, system, component string) (context.Context, trace.Span) {
	ctx, span := d.tracer.Start(ctx, "dispatch.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("dispatch.request_id", requestID),
			attribute.String("dispatch.operation", operation),
			attribute.String("dispatch.system", system),
			attribute.String("dispatch.component", component),
		),
	)
	return ctx, span
}

// StartPlane begins a child span for one plane's backend execution.
func (d *DispatchTracer) StartPlane(ctx context.Context, plane string) (context.Context, trace.Span) {
	ctx, span := d.tracer.Start(ctx, "dispatch.plane."+plane,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dispatch.plane", plane),
		),
	)
	return ctx, span
}

// MarkState records a state transition on the span.
func (d *DispatchTracer) MarkState(span trace.Span, state string) {
	span.AddEvent("state." + state)
}

// RecordError records an error on the given span and sets the span status.
func (d *DispatchTracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetOutcome records the terminal status on the span.
func (d *DispatchTracer) SetOutcome(span trace.Span, status string, success bool) {
	span.SetAttributes(attribute.String("dispatch.status", status))
	if success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, status)
	}
}
