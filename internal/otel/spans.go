package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for conductor spans.
var (
	AttrProjectID = attribute.Key("conductor.project.id")
	AttrTaskID    = attribute.Key("conductor.task.id")
	AttrWorkerID  = attribute.Key("conductor.worker.id")
	AttrCapTag    = attribute.Key("conductor.capability.tag")
	AttrBackend   = attribute.Key("conductor.backend")
	AttrRuleID    = attribute.Key("conductor.trigger.rule")
	AttrDomain    = attribute.Key("conductor.knowledge.domain")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
