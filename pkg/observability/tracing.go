package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope used by the repository and stores.
const TracerName = "github.com/plaenen/aggregatestore"

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(TracerName)
}

// StartSpan starts a new span with the given name and attributes
// Returns the span and a context containing the span
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan ends a span, optionally recording an error
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID extracts the trace ID from context as a string
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// Common attribute keys
var (
	AttrAggregateID = attribute.Key("aggregate.id")
	AttrVersion     = attribute.Key("aggregate.version")
	AttrTarget      = attribute.Key("aggregate.target_version")
	AttrStream      = attribute.Key("stream.name")
	AttrExpected    = attribute.Key("stream.expected_version")
	AttrEventCount  = attribute.Key("event.count")
	AttrStart       = attribute.Key("stream.start")
)
