package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordEventReceived(context.Context, string)          {}
func (NoopMetrics) RecordDispatch(context.Context, int)                  {}
func (NoopMetrics) RecordSendFailure(context.Context, string)            {}
func (NoopMetrics) RecordInstall(context.Context, string, time.Duration) {}
func (NoopMetrics) RecordError(context.Context, string)                  {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

func (NoopSpanManager) StartInstallSpan(ctx context.Context, _ event.Reference) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) StartDispatchSpan(ctx context.Context, _ event.Reference) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
