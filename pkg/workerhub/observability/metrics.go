package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Install outcomes recorded by RecordInstall.
const (
	OutcomeInstalled = "installed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// MetricsRecorder records workerhub metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEventReceived counts an event taken off the bus.
	RecordEventReceived(ctx context.Context, eventType string)

	// RecordDispatch records the number of workers an event was forwarded to.
	// Zero forwards counts as unrouted.
	RecordDispatch(ctx context.Context, forwarded int)

	// RecordSendFailure counts a forward that could not be queued.
	RecordSendFailure(ctx context.Context, workerID string)

	// RecordInstall records an install attempt and its latency.
	RecordInstall(ctx context.Context, outcome string, duration time.Duration)

	// RecordError counts a reported error by kind.
	RecordError(ctx context.Context, kind string)
}

type otelMetrics struct {
	eventsReceived   metric.Int64Counter
	eventsDispatched metric.Int64Counter
	eventsUnrouted   metric.Int64Counter
	forwards         metric.Int64Counter
	sendFailures     metric.Int64Counter
	installs         metric.Int64Counter
	installLatency   metric.Float64Histogram
	errors           metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("workerhub")
	m := &otelMetrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.eventsReceived, "workerhub.events.received", "Events taken off the bus"},
		{&m.eventsDispatched, "workerhub.events.dispatched", "Domain events routed through the dispatcher"},
		{&m.eventsUnrouted, "workerhub.events.unrouted", "Domain events that matched no listener"},
		{&m.forwards, "workerhub.forwards", "Events forwarded to worker processes"},
		{&m.sendFailures, "workerhub.send_failures", "Forwards that could not be queued"},
		{&m.installs, "workerhub.installs", "Worker install attempts"},
		{&m.errors, "workerhub.errors", "Reported errors by kind"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	latency, err := meter.Float64Histogram("workerhub.install.latency_ms",
		metric.WithDescription("Worker install latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.installLatency = latency
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel meter
// provider. If initialization fails it returns NoopMetrics.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordEventReceived(ctx context.Context, eventType string) {
	m.eventsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *otelMetrics) RecordDispatch(ctx context.Context, forwarded int) {
	m.eventsDispatched.Add(ctx, 1)
	if forwarded == 0 {
		m.eventsUnrouted.Add(ctx, 1)
		return
	}
	m.forwards.Add(ctx, int64(forwarded))
}

func (m *otelMetrics) RecordSendFailure(ctx context.Context, workerID string) {
	m.sendFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("worker_id", workerID)))
}

func (m *otelMetrics) RecordInstall(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.installs.Add(ctx, 1, attrs)
	m.installLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordError(ctx context.Context, kind string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
