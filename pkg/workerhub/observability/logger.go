// Package observability provides structured logging helpers, OpenTelemetry
// metrics and tracing, and the error Reporter used across workerhub.
//
// Every helper tolerates a nil logger, and metrics and tracing have no-op
// implementations for when they are disabled.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
)

// WorkerLogger returns a logger annotated with the worker id.
func WorkerLogger(logger *slog.Logger, workerID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("worker_id", workerID))
}

// LogEventReceived logs an inbound bus event.
func LogEventReceived(logger *slog.Logger, evt event.Reference) {
	if logger == nil {
		return
	}
	logger.Debug("event received",
		slog.String("event_id", evt.ID),
		slog.String("source", evt.Source),
		slog.String("type", evt.Type),
	)
}

// LogInstallStart logs the start of an install triggered by evt.
func LogInstallStart(logger *slog.Logger, evt event.Reference) {
	if logger == nil {
		return
	}
	logger.Info("install starting",
		slog.String("event_id", evt.ID),
		slog.String("source", evt.Source),
	)
}

// LogInstallComplete logs a worker that registered successfully.
func LogInstallComplete(logger *slog.Logger, workerID string, pid, listeners int, duration time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("worker installed",
		slog.String("worker_id", workerID),
		slog.Int("pid", pid),
		slog.Int("listeners", listeners),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// LogInstallError logs a failed install.
func LogInstallError(logger *slog.Logger, eventID string, err error, duration time.Duration) {
	if logger == nil {
		return
	}
	logger.Error("install failed",
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// LogDispatch logs the outcome of routing one event.
func LogDispatch(logger *slog.Logger, evt event.Reference, forwarded int) {
	if logger == nil {
		return
	}
	logger.Debug("event dispatched",
		slog.String("event_id", evt.ID),
		slog.String("source", evt.Source),
		slog.Int("forwarded", forwarded),
	)
}

// LogWorkerOutput relays a log line emitted by a worker process. logger is
// expected to carry the worker id already (see WorkerLogger).
func LogWorkerOutput(logger *slog.Logger, level, msg string) {
	if logger == nil {
		return
	}
	logger.Log(context.Background(), ParseLevel(level), msg, slog.String("origin", "worker"))
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to Info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "warning", "WARN":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TimedOperation returns a function reporting the time elapsed since the call.
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
