package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
)

func newBufferLogger(level slog.Level) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})), &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogHelpersTolerateNilLogger(t *testing.T) {
	evt := event.Reference{ID: "e1", Source: "app.x"}
	assert.NotPanics(t, func() {
		LogEventReceived(nil, evt)
		LogInstallStart(nil, evt)
		LogInstallComplete(nil, "w1", 1, 1, time.Second)
		LogInstallError(nil, "e1", errors.New("x"), time.Second)
		LogDispatch(nil, evt, 0)
		LogWorkerOutput(nil, "info", "hello")
	})
	assert.Nil(t, WorkerLogger(nil, "w1"))
}

func TestLogInstallComplete(t *testing.T) {
	logger, buf := newBufferLogger(slog.LevelDebug)
	LogInstallComplete(logger, "w1", 123, 2, 1500*time.Millisecond)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "worker installed", lines[0]["msg"])
	assert.Equal(t, "w1", lines[0]["worker_id"])
	assert.EqualValues(t, 123, lines[0]["pid"])
	assert.EqualValues(t, 2, lines[0]["listeners"])
	assert.EqualValues(t, 1500, lines[0]["duration_ms"])
}

func TestLogWorkerOutputUsesWorkerLevel(t *testing.T) {
	logger, buf := newBufferLogger(slog.LevelInfo)
	wl := WorkerLogger(logger, "w1")

	LogWorkerOutput(wl, "debug", "hidden")
	LogWorkerOutput(wl, "warn", "careful")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "careful", lines[0]["msg"])
	assert.Equal(t, "w1", lines[0]["worker_id"])
	assert.Equal(t, "worker", lines[0]["origin"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("whatever"))
}

func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsDispatch(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDispatch(ctx, 0)
	m.RecordDispatch(ctx, 3)
	m.RecordSendFailure(ctx, "w1")

	assert.EqualValues(t, 2, sumOf(t, reader, "workerhub.events.dispatched"))
	assert.EqualValues(t, 1, sumOf(t, reader, "workerhub.events.unrouted"))
	assert.EqualValues(t, 3, sumOf(t, reader, "workerhub.forwards"))
	assert.EqualValues(t, 1, sumOf(t, reader, "workerhub.send_failures"))
}

func TestMetricsInstall(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordInstall(context.Background(), OutcomeInstalled, 20*time.Millisecond)
	m.RecordInstall(context.Background(), OutcomeFailed, 5*time.Millisecond)

	assert.EqualValues(t, 2, sumOf(t, reader, "workerhub.installs"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name == "workerhub.install.latency_ms" {
				found = true
				hist, ok := metric.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				assert.Len(t, hist.DataPoints, 2)
			}
		}
	}
	assert.True(t, found)
}

func TestReporterLevels(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)
	logger, buf := newBufferLogger(slog.LevelDebug)
	r := NewReporter(logger, m)

	ctx := context.Background()
	r.Report(ctx, wherrors.RoutingMiss("e1", "nobody.listens"))
	spawn := wherrors.Spawn("register", errors.New("exited")).WithWorker("w1")
	spawn.ExitCode = 3
	spawn.Stderr = "boom"
	r.Report(ctx, spawn)
	r.Report(ctx, nil)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "routing_miss", lines[0]["kind"])
	assert.Equal(t, "e1", lines[0]["event_id"])

	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, "spawn", lines[1]["kind"])
	assert.Equal(t, "w1", lines[1]["worker_id"])
	assert.EqualValues(t, 3, lines[1]["exit_code"])
	assert.Equal(t, "boom", lines[1]["stderr"])

	assert.EqualValues(t, 2, sumOf(t, reader, "workerhub.errors"))
}

func TestNilReporter(t *testing.T) {
	var r *Reporter
	assert.NotPanics(t, func() { r.Report(context.Background(), errors.New("x")) })
}

func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("workerhub")
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		tracer = otel.Tracer("workerhub")
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInstallSpan(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	ctx, span := sm.StartInstallSpan(context.Background(), event.Reference{ID: "e1", Source: "repo", Type: event.TypeSystem})
	sm.AddSpanEvent(ctx, "staged")
	sm.EndSpanWithError(span, errors.New("spawn failed"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "workerhub.install", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	require.Len(t, spans[0].Events, 2) // staged + recorded error
	assert.Equal(t, "staged", spans[0].Events[0].Name)
}

func TestDispatchSpanOK(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	_, span := sm.StartDispatchSpan(context.Background(), event.Reference{ID: "e1", Source: "app.x"})
	sm.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "workerhub.dispatch", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()
	var sm SpanManager = NoopSpanManager{}
	got, span := sm.StartInstallSpan(ctx, event.Reference{})
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	sm.EndSpanWithError(span, errors.New("ignored"))

	var m MetricsRecorder = NoopMetrics{}
	assert.NotPanics(t, func() {
		m.RecordDispatch(ctx, 0)
		m.RecordInstall(ctx, OutcomeFailed, time.Second)
	})
}
