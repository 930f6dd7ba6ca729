package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
)

var tracer = otel.Tracer("workerhub")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartInstallSpan starts a span covering one install attempt.
	StartInstallSpan(ctx context.Context, evt event.Reference) (context.Context, trace.Span)

	// StartDispatchSpan starts a span covering the routing of one event.
	StartDispatchSpan(ctx context.Context, evt event.Reference) (context.Context, trace.Span)

	// EndSpanWithError completes a span, recording err if non-nil.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the span in ctx.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager using the global OTel tracer provider.
func NewSpanManager() SpanManager {
	return otelSpanManager{}
}

func (otelSpanManager) StartInstallSpan(ctx context.Context, evt event.Reference) (context.Context, trace.Span) {
	return tracer.Start(ctx, "workerhub.install",
		trace.WithAttributes(
			attribute.String("event.id", evt.ID),
			attribute.String("event.source", evt.Source),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (otelSpanManager) StartDispatchSpan(ctx context.Context, evt event.Reference) (context.Context, trace.Span) {
	return tracer.Start(ctx, "workerhub.dispatch",
		trace.WithAttributes(
			attribute.String("event.id", evt.ID),
			attribute.String("event.source", evt.Source),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
