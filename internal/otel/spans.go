package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrTaskID     = attribute.Key("currency_agent.task.id")
	AttrContextID  = attribute.Key("currency_agent.context.id")
	AttrRPCMethod  = attribute.Key("currency_agent.rpc.method")
	AttrToolName   = attribute.Key("currency_agent.tool.name")
	AttrToolResult = attribute.Key("currency_agent.tool.result")
	AttrModel      = attribute.Key("currency_agent.llm.model")
	AttrStoreTable = attribute.Key("currency_agent.store.table")
	AttrStoreOp    = attribute.Key("currency_agent.store.op")
	AttrPushURL    = attribute.Key("currency_agent.push.url")
	AttrErrorClass = attribute.Key("currency_agent.error.class")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (database, LLM, webhook).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
