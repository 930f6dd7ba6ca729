// Package worker models installed workers and the processes that run them.
//
// A Handle is the orchestrator's view of one worker id: its current listener
// set and, while a process is alive, the connection to that process. A Handle
// outlives individual processes; re-installing a worker attaches a new process
// to the same Handle after terminating the old one.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
	"github.com/randalmurphal/workerhub/pkg/workerhub/observability"
	"github.com/randalmurphal/workerhub/pkg/workerhub/protocol"
)

// Sentinel errors for handle operations.
var (
	// ErrNotRunning indicates the worker has no live process.
	ErrNotRunning = errors.New("worker not running")

	// ErrExited indicates the process exited before the operation completed.
	ErrExited = errors.New("worker process exited")

	// ErrBackpressure indicates the process outbox is full.
	ErrBackpressure = errors.New("worker outbox full")
)

// Conn is the orchestrator's side of a running worker process.
// Send must not block.
type Conn interface {
	Send(msg protocol.Message) error
	Terminate() error
	Done() <-chan struct{}
	PID() int
}

// Handle represents one installed worker.
// It is safe for concurrent use.
type Handle struct {
	id     string
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[string]Listener
	conn      Conn
	ready     chan error // first registration result of the current conn
}

// NewHandle creates a handle with no process and no listeners.
func NewHandle(id string, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{
		id:        id,
		logger:    observability.WorkerLogger(logger, id),
		listeners: map[string]Listener{},
	}
}

// ID returns the worker id.
func (h *Handle) ID() string {
	return h.id
}

// Listeners returns a copy of the current listener set.
func (h *Handle) Listeners() map[string]Listener {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]Listener, len(h.listeners))
	for id, l := range h.listeners {
		out[id] = l
	}
	return out
}

// SetListeners replaces the listener set wholesale. On error the current set
// is kept.
func (h *Handle) SetListeners(patterns map[string]string) error {
	listeners, err := compileListeners(patterns)
	if err != nil {
		return err.(*wherrors.Error).WithWorker(h.id)
	}

	h.mu.Lock()
	h.listeners = listeners
	h.mu.Unlock()
	return nil
}

// Match returns the sorted ids of listeners whose pattern matches source,
// evaluated against the set active at call time.
func (h *Handle) Match(source string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return matchListeners(h.listeners, source)
}

// Alive reports whether a process is attached.
func (h *Handle) Alive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

// PID returns the attached process id, or -1.
func (h *Handle) PID() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.conn == nil {
		return -1
	}
	return h.conn.PID()
}

// Attach terminates any current process, clears the listener set and makes
// conn the worker's process. Listeners stay empty until conn registers.
func (h *Handle) Attach(conn Conn) {
	h.mu.Lock()
	old := h.conn
	h.conn = conn
	h.listeners = map[string]Listener{}
	h.ready = make(chan error, 1)
	h.mu.Unlock()

	if old != nil && old != conn {
		if err := old.Terminate(); err != nil {
			h.logger.Warn("terminate previous process failed", slog.String("error", err.Error()))
		}
	}

	go h.watch(conn)
}

// watch detaches conn once its process exits.
func (h *Handle) watch(conn Conn) {
	<-conn.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == conn {
		h.conn = nil
		h.listeners = map[string]Listener{}
		h.logger.Info("worker process exited")
	}
}

// Receive processes an inbound message from conn. Messages from a process
// that is no longer attached are ignored.
func (h *Handle) Receive(conn Conn, msg protocol.Message) {
	switch msg.Action {
	case protocol.ActionRegister:
		h.register(conn, msg)
	case protocol.ActionLog:
		observability.LogWorkerOutput(h.logger, msg.Level, msg.Message)
	default:
		h.logger.Warn("unexpected message from worker", slog.String("action", msg.Action))
	}
}

func (h *Handle) register(conn Conn, msg protocol.Message) {
	var err error
	listeners, compileErr := compileListeners(msg.ListenerPatterns)
	switch {
	case msg.ID != "" && msg.ID != h.id:
		err = wherrors.Protocol("register", fmt.Errorf("registration for %q received by worker %q", msg.ID, h.id)).WithWorker(h.id)
	case compileErr != nil:
		err = compileErr.(*wherrors.Error).WithWorker(h.id)
	}

	h.mu.Lock()
	if h.conn != conn {
		h.mu.Unlock()
		h.logger.Debug("ignoring registration from detached process")
		return
	}
	if err == nil {
		h.listeners = listeners
	}
	ready := h.ready
	h.mu.Unlock()

	if err == nil {
		h.logger.Info("worker registered", slog.Int("listeners", len(listeners)))
	}

	select {
	case ready <- err:
	default:
	}
}

// Run instructs the attached process to start and waits for its first
// registration. It fails if the process exits first, the registration is
// malformed, or ctx ends.
func (h *Handle) Run(ctx context.Context) error {
	h.mu.RLock()
	conn, ready := h.conn, h.ready
	h.mu.RUnlock()

	if conn == nil {
		return wherrors.Spawn("run", ErrNotRunning).WithWorker(h.id)
	}
	if err := conn.Send(protocol.Run()); err != nil {
		return wherrors.Spawn("run", err).WithWorker(h.id)
	}

	select {
	case err := <-ready:
		return err
	case <-conn.Done():
		return wherrors.Spawn("register", ErrExited).WithWorker(h.id)
	case <-ctx.Done():
		return wherrors.Spawn("register", fmt.Errorf("await registration: %w", ctx.Err())).WithWorker(h.id)
	}
}

// Deliver forwards evt to the process if any listener matches its source.
// It returns the matched listener ids; the send is fire-and-forget.
func (h *Handle) Deliver(evt event.Reference) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	matched := matchListeners(h.listeners, evt.Source)
	if len(matched) == 0 {
		return nil, nil
	}
	if h.conn == nil {
		return matched, ErrNotRunning
	}
	return matched, h.conn.Send(protocol.HandleEvent(evt, matched))
}

// Terminate signals the process, if any, and clears the listener set.
// Calling it on a terminated handle is a no-op.
func (h *Handle) Terminate() error {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.listeners = map[string]Listener{}
	h.mu.Unlock()

	if conn == nil {
		return nil
	}
	h.logger.Info("terminating worker process", slog.Int("pid", conn.PID()))
	return conn.Terminate()
}

// Stop terminates the process and waits for it to exit or for ctx to end.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()

	if err := h.Terminate(); err != nil {
		return err
	}
	if conn == nil {
		return nil
	}
	select {
	case <-conn.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
