package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*DispatchTracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	tracer := NewDispatchTracer(tp.Tracer("test"))
	return tracer, exporter
}

func TestDispatchTracer_StartDispatch(t *testing.T) {
	dt, exporter := newTestTracer(t)

	ctx, span := dt.StartDispatch(context.Background(), "req-1", "sap_status", "PRD", "db")
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "dispatch.execute" {
		t.Errorf("expected span name 'dispatch.execute', got %q", spans[0].Name)
	}

	found := map[string]string{}
	for _, attr := range spans[0].Attributes {
		found[string(attr.Key)] = attr.Value.AsString()
	}
	if found["dispatch.operation"] != "sap_status" {
		t.Errorf("expected dispatch.operation attribute, got %v", found)
	}
	if found["dispatch.system"] != "PRD" || found["dispatch.component"] != "db" {
		t.Errorf("expected system and component attributes, got %v", found)
	}
}

func TestDispatchTracer_StartPlane(t *testing.T) {
	dt, exporter := newTestTracer(t)

	_, span := dt.StartPlane(context.Background(), "shell")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "dispatch.plane.shell" {
		t.Errorf("unexpected span name: %q", spans[0].Name)
	}
}

func TestDispatchTracer_MarkState(t *testing.T) {
	dt, exporter := newTestTracer(t)

	_, span := dt.StartDispatch(context.Background(), "req-1", "sap_status", "PRD", "db")
	dt.MarkState(span, "authorizing")
	dt.MarkState(span, "executing")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != "state.authorizing" || events[1].Name != "state.executing" {
		t.Errorf("unexpected events %v", events)
	}
}

func TestDispatchTracer_RecordError(t *testing.T) {
	dt, exporter := newTestTracer(t)

	_, span := dt.StartPlane(context.Background(), "cloud")
	dt.RecordError(span, errors.New("control plane unreachable"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status.Code)
	}
}

func TestDispatchTracer_RecordError_Nil(t *testing.T) {
	dt, exporter := newTestTracer(t)

	_, span := dt.StartPlane(context.Background(), "cloud")
	dt.RecordError(span, nil) // should not panic
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("expected non-error status for nil error")
	}
}

func TestDispatchTracer_SetOutcome(t *testing.T) {
	dt, exporter := newTestTracer(t)

	_, span := dt.StartDispatch(context.Background(), "req-1", "sap_start", "PRD", "db")
	dt.SetOutcome(span, "success", true)
	span.End()

	_, span = dt.StartDispatch(context.Background(), "req-2", "sap_start", "PRD", "db")
	dt.SetOutcome(span, "denied", false)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "denied" {
		t.Errorf("expected error status carrying the terminal status, got %+v", spans[1].Status)
	}
}

func TestNewDispatchTracer_NilTracer(t *testing.T) {
	// Set up a global provider so the fallback works.
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	dt := NewDispatchTracer(nil)
	if dt.tracer == nil {
		t.Fatal("expected non-nil tracer from global provider")
	}
}
