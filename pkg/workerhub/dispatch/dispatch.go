// Package dispatch routes domain events to the installed workers whose
// listeners match the event source.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
	"github.com/randalmurphal/workerhub/pkg/workerhub/observability"
	"github.com/randalmurphal/workerhub/pkg/workerhub/registry"
	"github.com/randalmurphal/workerhub/pkg/workerhub/worker"
)

// Workers is the live worker registry shared by the installer and the dispatcher.
type Workers = registry.Registry[string, *worker.Handle]

// NewWorkers creates an empty worker registry.
func NewWorkers() *Workers {
	return registry.New[string, *worker.Handle]()
}

// Forward records one worker an event was sent to.
type Forward struct {
	WorkerID    string
	ListenerIDs []string
}

// Result describes the routing of one event.
type Result struct {
	Event    event.Reference
	Forwards []Forward

	// Failed lists workers that matched but whose send failed.
	Failed []string
}

// Routed reports whether any worker received the event.
func (r Result) Routed() bool {
	return len(r.Forwards) > 0
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Dispatched   int64 `json:"dispatched"`
	Forwarded    int64 `json:"forwarded"`
	Unrouted     int64 `json:"unrouted"`
	SendFailures int64 `json:"sendFailures"`
}

// Dispatcher owns routing over a worker registry.
type Dispatcher struct {
	workers *Workers

	// mu serializes registry writes; Dispatch never takes it.
	mu sync.Mutex

	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	reporter *observability.Reporter

	dispatched   atomic.Int64
	forwarded    atomic.Int64
	unrouted     atomic.Int64
	sendFailures atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSpanManager sets the span manager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(d *Dispatcher) { d.spans = s }
}

// WithReporter sets the error reporter used for routing misses and send failures.
func WithReporter(r *observability.Reporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

// New creates a dispatcher over workers. A nil registry gets a fresh one.
func New(workers *Workers, opts ...Option) *Dispatcher {
	if workers == nil {
		workers = NewWorkers()
	}
	d := &Dispatcher{
		workers: workers,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.reporter == nil {
		d.reporter = observability.NewReporter(d.logger, d.metrics)
	}
	return d
}

// AddWorker inserts or replaces the worker stored under id. A different
// handle previously stored under id is terminated.
func (d *Dispatcher) AddWorker(id string, h *worker.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, loaded := d.workers.Swap(id, h)
	if loaded && prev != h {
		if err := prev.Terminate(); err != nil {
			d.logger.Warn("terminate replaced worker failed",
				slog.String("worker_id", id),
				slog.String("error", err.Error()))
		}
	}
}

// GetWorker returns the worker stored under id.
func (d *Dispatcher) GetWorker(id string) (*worker.Handle, bool) {
	return d.workers.Get(id)
}

// Workers returns a snapshot of all workers ordered by id.
func (d *Dispatcher) Workers() []*worker.Handle {
	handles := d.workers.Values()
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID() < handles[j].ID() })
	return handles
}

// Dispatch forwards evt to every worker with at least one listener matching
// evt.Source. Sends are fire-and-forget; failures are counted and reported
// but never block other workers. An event that reached no worker, including
// one whose every matching send failed, is counted as unrouted.
func (d *Dispatcher) Dispatch(ctx context.Context, evt event.Reference) Result {
	ctx, span := d.spans.StartDispatchSpan(ctx, evt)
	res := Result{Event: evt}

	for _, h := range d.Workers() {
		matched, err := h.Deliver(evt)
		if len(matched) == 0 {
			continue
		}
		if err != nil {
			res.Failed = append(res.Failed, h.ID())
			d.sendFailures.Add(1)
			d.metrics.RecordSendFailure(ctx, h.ID())
			d.reporter.Report(ctx, wherrors.Transport("send", err).WithWorker(h.ID()).WithEvent(evt.ID))
			continue
		}
		res.Forwards = append(res.Forwards, Forward{WorkerID: h.ID(), ListenerIDs: matched})
	}

	d.dispatched.Add(1)
	d.forwarded.Add(int64(len(res.Forwards)))
	d.metrics.RecordDispatch(ctx, len(res.Forwards))

	var missErr error
	if len(res.Forwards) == 0 {
		d.unrouted.Add(1)
		missErr = wherrors.RoutingMiss(evt.ID, evt.Source)
		d.reporter.Report(ctx, missErr)
	}
	observability.LogDispatch(d.logger, evt, len(res.Forwards))
	d.spans.EndSpanWithError(span, missErr)
	return res
}

// Terminate stops the worker's process and clears its listeners but keeps it
// registered. Unknown ids and repeated calls are no-ops.
func (d *Dispatcher) Terminate(id string) error {
	h, ok := d.workers.Get(id)
	if !ok {
		return nil
	}
	return h.Terminate()
}

// Uninstall terminates the worker and removes it from the registry. It
// reports whether the worker existed.
func (d *Dispatcher) Uninstall(id string) (bool, error) {
	d.mu.Lock()
	h, ok := d.workers.LoadAndDelete(id)
	d.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, h.Terminate()
}

// Shutdown stops every worker concurrently and waits for the processes to
// exit or ctx to end. Handles stay registered.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range d.Workers() {
		wg.Add(1)
		go func(h *worker.Handle) {
			defer wg.Done()
			if err := h.Stop(ctx); err != nil {
				d.logger.Warn("stop worker failed",
					slog.String("worker_id", h.ID()),
					slog.String("error", err.Error()))
			}
		}(h)
	}
	wg.Wait()
}

// Stats returns the cumulative counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:   d.dispatched.Load(),
		Forwarded:    d.forwarded.Load(),
		Unrouted:     d.unrouted.Load(),
		SendFailures: d.sendFailures.Load(),
	}
}
