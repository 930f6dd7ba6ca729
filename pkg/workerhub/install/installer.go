// Package install turns system events into running workers: it resolves the
// event to a descriptor, stages the code on disk, spawns the worker process,
// waits for its registration and publishes it to the dispatcher.
package install

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/workerhub/pkg/workerhub/dispatch"
	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
	"github.com/randalmurphal/workerhub/pkg/workerhub/history"
	"github.com/randalmurphal/workerhub/pkg/workerhub/observability"
	"github.com/randalmurphal/workerhub/pkg/workerhub/protocol"
	"github.com/randalmurphal/workerhub/pkg/workerhub/repository"
	"github.com/randalmurphal/workerhub/pkg/workerhub/worker"
)

// Default timeouts for the install pipeline.
const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultSpawnTimeout = 15 * time.Second
)

// Launcher builds the launch spec for a staged worker.
type Launcher struct {
	// Command starts a worker. The process runs in the build directory and
	// finds its manifest through WORKERHUB_BOOTSTRAP.
	Command []string

	// Env is added to the inherited environment.
	Env []string

	OutboxSize int
	StopGrace  time.Duration
}

// Spec returns the launch spec for worker id staged at s.
func (l Launcher) Spec(id string, s Staged) worker.LaunchSpec {
	env := append([]string{worker.EnvBootstrap + "=" + s.Bootstrap}, l.Env...)
	return worker.LaunchSpec{
		WorkerID:   id,
		Command:    l.Command,
		Dir:        s.Dir,
		Env:        env,
		OutboxSize: l.OutboxSize,
		StopGrace:  l.StopGrace,
	}
}

// ErrSuperseded is returned by Install when a later install for the same
// worker id started first. The older install is dropped without touching the
// worker.
var ErrSuperseded = errors.New("install superseded by a newer event")

// Installer runs the install pipeline. Installs for the same worker id are
// serialized in arrival order; installs for different ids run concurrently.
type Installer struct {
	repo       repository.Repository
	stager     *Stager
	launcher   Launcher
	dispatcher *dispatch.Dispatcher

	history  history.Store
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	reporter *observability.Reporter

	fetchTimeout time.Duration
	spawnTimeout time.Duration

	// seq stamps installs in arrival order. latest holds, per worker id, the
	// highest stamp that has taken the id lock.
	seq     atomic.Uint64
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	latest  map[string]uint64

	wg sync.WaitGroup
}

// Option configures an Installer.
type Option func(*Installer)

// WithHistory records every attempt in store.
func WithHistory(store history.Store) Option {
	return func(i *Installer) { i.history = store }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Installer) { i.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(i *Installer) { i.metrics = m }
}

// WithSpanManager sets the span manager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(i *Installer) { i.spans = s }
}

// WithReporter sets the reporter for background install failures.
func WithReporter(r *observability.Reporter) Option {
	return func(i *Installer) { i.reporter = r }
}

// WithTimeouts overrides the fetch and spawn timeouts. Zero keeps the default.
func WithTimeouts(fetch, spawn time.Duration) Option {
	return func(i *Installer) {
		if fetch > 0 {
			i.fetchTimeout = fetch
		}
		if spawn > 0 {
			i.spawnTimeout = spawn
		}
	}
}

// New creates an installer that publishes workers to d.
func New(repo repository.Repository, stager *Stager, launcher Launcher, d *dispatch.Dispatcher, opts ...Option) *Installer {
	i := &Installer{
		repo:         repo,
		stager:       stager,
		launcher:     launcher,
		dispatcher:   d,
		history:      history.NewMemoryStore(),
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		spans:        observability.NoopSpanManager{},
		fetchTimeout: DefaultFetchTimeout,
		spawnTimeout: DefaultSpawnTimeout,
		locks:        make(map[string]*sync.Mutex),
		latest:       make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.reporter == nil {
		i.reporter = observability.NewReporter(i.logger, i.metrics)
	}
	return i
}

// History returns the attempt store.
func (i *Installer) History() history.Store {
	return i.history
}

// InstallAsync runs Install in the background. The install is ordered by the
// time of this call, not by when its resolution finishes. Failures go to the
// reporter.
func (i *Installer) InstallAsync(ctx context.Context, ref event.Reference) {
	seq := i.seq.Add(1)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		_, err := i.install(ctx, ref, seq)
		switch {
		case errors.Is(err, ErrSuperseded):
			i.logger.Info("install superseded", slog.String("event_id", ref.ID))
		case err != nil:
			i.reporter.Report(ctx, err)
		}
	}()
}

// Wait blocks until all background installs have finished.
func (i *Installer) Wait() {
	i.wg.Wait()
}

// Install resolves, stages, spawns and registers the worker described by the
// system event ref. On success the worker is in the dispatcher with the
// listeners it registered. Failures before the new process is attached leave
// any existing worker untouched. If a later install for the same worker id
// has already started, Install returns ErrSuperseded.
func (i *Installer) Install(ctx context.Context, ref event.Reference) (*worker.Handle, error) {
	return i.install(ctx, ref, i.seq.Add(1))
}

func (i *Installer) install(ctx context.Context, ref event.Reference, seq uint64) (h *worker.Handle, err error) {
	start := time.Now()
	ctx, span := i.spans.StartInstallSpan(ctx, ref)
	observability.LogInstallStart(i.logger, ref)

	attempt := history.Attempt{EventID: ref.ID, StartedAt: start}
	defer func() {
		attempt.Duration = time.Since(start)
		switch {
		case errors.Is(err, ErrSuperseded):
			attempt.Outcome = observability.OutcomeSkipped
			attempt.Error = err.Error()
		case err != nil:
			attempt.Outcome = observability.OutcomeFailed
			attempt.Kind = wherrors.KindOf(err).String()
			attempt.Error = err.Error()
		default:
			attempt.Outcome = observability.OutcomeInstalled
			attempt.PID = h.PID()
			attempt.Listeners = len(h.Listeners())
			observability.LogInstallComplete(i.logger, h.ID(), attempt.PID, attempt.Listeners, attempt.Duration)
		}
		if _, recErr := i.history.Record(context.WithoutCancel(ctx), attempt); recErr != nil {
			i.logger.Warn("record install attempt failed", slog.String("error", recErr.Error()))
		}
		i.metrics.RecordInstall(ctx, attempt.Outcome, attempt.Duration)
		i.spans.EndSpanWithError(span, err)
	}()

	d, err := i.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	attempt.WorkerID = d.ID

	lock := i.lockFor(d.ID)
	lock.Lock()
	defer lock.Unlock()
	if !i.claim(d.ID, seq) {
		return nil, ErrSuperseded
	}

	fetchCtx, cancel := context.WithTimeout(ctx, i.fetchTimeout)
	staged, err := i.stager.Stage(fetchCtx, d, ref)
	cancel()
	if err != nil {
		return nil, err
	}
	i.spans.AddSpanEvent(ctx, "staged")

	h, exists := i.dispatcher.GetWorker(d.ID)
	if !exists {
		h = worker.NewHandle(d.ID, i.logger)
	}

	proc, err := worker.Start(i.launcher.Spec(d.ID, staged),
		func(p *worker.Process, msg protocol.Message) { h.Receive(p, msg) },
		worker.WithProcessLogger(i.logger),
		worker.WithErrorHandler(func(err error) { i.reporter.Report(context.Background(), err) }),
	)
	if err != nil {
		return nil, withEvent(err, ref.ID)
	}

	// From here on an existing worker loses its old process and listeners.
	h.Attach(proc)

	runCtx, cancel := context.WithTimeout(ctx, i.spawnTimeout)
	err = h.Run(runCtx)
	cancel()
	if err != nil {
		return nil, i.abort(h, proc, err, ref.ID)
	}

	i.dispatcher.AddWorker(d.ID, h)
	return h, nil
}

func (i *Installer) resolve(ctx context.Context, ref event.Reference) (repository.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, i.fetchTimeout)
	defer cancel()

	d, err := i.repo.Get(ctx, ref)
	if err != nil {
		if wherrors.KindOf(err) == wherrors.KindUnknown {
			err = wherrors.Resolution("fetch", err)
		}
		return repository.Descriptor{}, withEvent(err, ref.ID)
	}
	if err := d.Validate(); err != nil {
		return repository.Descriptor{}, withEvent(err, ref.ID)
	}
	return d, nil
}

// abort stops a process that failed to register and enriches err with its
// exit code and stderr tail.
func (i *Installer) abort(h *worker.Handle, proc *worker.Process, err error, eventID string) error {
	if termErr := h.Terminate(); termErr != nil {
		i.logger.Warn("terminate failed worker", slog.String("error", termErr.Error()))
	}
	_ = proc.Terminate()
	<-proc.Done()

	var werr *wherrors.Error
	if !errors.As(err, &werr) {
		werr = wherrors.Spawn("register", err).WithWorker(h.ID())
	}
	werr.WithEvent(eventID)
	if werr.Kind == wherrors.KindSpawn {
		werr.ExitCode = proc.ExitCode()
		werr.Stderr = proc.Stderr()
	}
	return werr
}

func (i *Installer) lockFor(id string) *sync.Mutex {
	i.locksMu.Lock()
	defer i.locksMu.Unlock()
	l, ok := i.locks[id]
	if !ok {
		l = &sync.Mutex{}
		i.locks[id] = l
	}
	return l
}

// claim records seq as the newest install for id. It must be called with the
// id lock held and reports false if a later install already claimed id.
func (i *Installer) claim(id string, seq uint64) bool {
	i.locksMu.Lock()
	defer i.locksMu.Unlock()
	if seq < i.latest[id] {
		return false
	}
	i.latest[id] = seq
	return true
}

func withEvent(err error, eventID string) error {
	var werr *wherrors.Error
	if errors.As(err, &werr) && werr.EventID == "" {
		werr.EventID = eventID
	}
	return err
}

