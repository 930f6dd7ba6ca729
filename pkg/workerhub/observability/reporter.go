package observability

import (
	"context"
	"log/slog"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
)

// Reporter is the single sink for errors that do not propagate to a caller:
// failed installs, dropped messages, send failures and routing misses.
// A nil *Reporter discards everything.
type Reporter struct {
	logger  *slog.Logger
	metrics MetricsRecorder
}

// NewReporter creates a reporter. Nil arguments fall back to slog.Default and
// NoopMetrics.
func NewReporter(logger *slog.Logger, metrics MetricsRecorder) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Reporter{logger: logger, metrics: metrics}
}

// Report logs err at the level its kind calls for and counts it.
func (r *Reporter) Report(ctx context.Context, err error) {
	if r == nil || err == nil {
		return
	}
	kind := wherrors.KindOf(err)
	r.metrics.RecordError(ctx, kind.String())

	attrs := []slog.Attr{
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	}
	var werr *wherrors.Error
	if wherrors.As(err, &werr) {
		if werr.Op != "" {
			attrs = append(attrs, slog.String("op", werr.Op))
		}
		if werr.WorkerID != "" {
			attrs = append(attrs, slog.String("worker_id", werr.WorkerID))
		}
		if werr.EventID != "" {
			attrs = append(attrs, slog.String("event_id", werr.EventID))
		}
		if werr.Kind == wherrors.KindSpawn {
			attrs = append(attrs, slog.Int("exit_code", werr.ExitCode))
			if werr.Stderr != "" {
				attrs = append(attrs, slog.String("stderr", werr.Stderr))
			}
		}
	}
	r.logger.LogAttrs(ctx, LevelFor(kind), "workerhub error", attrs...)
}

// LevelFor returns the log level used for errors of kind.
func LevelFor(kind wherrors.Kind) slog.Level {
	switch kind {
	case wherrors.KindRoutingMiss, wherrors.KindProtocol:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
