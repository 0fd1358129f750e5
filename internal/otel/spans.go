package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for station spans.
var (
	AttrRosterID   = attribute.Key("calyx.roster.id")
	AttrCycleID    = attribute.Key("calyx.cycle.id")
	AttrCycleKind  = attribute.Key("calyx.cycle.kind")
	AttrIntentID   = attribute.Key("calyx.intent.id")
	AttrLeaseID    = attribute.Key("calyx.lease.id")
	AttrChannel    = attribute.Key("calyx.svf.channel")
	AttrPulseID    = attribute.Key("calyx.pulse.id")
	AttrModule     = attribute.Key("calyx.toolkit.module")
	AttrToolServer = attribute.Key("calyx.tool.server")
	AttrToolName   = attribute.Key("calyx.tool.name")
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

// StartClientSpan starts a span for an outbound call (scribe, tool server).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
