package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/observability"
	"github.com/randalmurphal/workerhub/pkg/workerhub/protocol"
)

// Environment passed to every worker process.
const (
	EnvBootstrap = "WORKERHUB_BOOTSTRAP"
	EnvWorkerID  = "WORKERHUB_WORKER_ID"
)

// LaunchSpec describes how to start a worker process.
type LaunchSpec struct {
	// WorkerID is exported to the process as WORKERHUB_WORKER_ID.
	WorkerID string

	// Command is the executable and its arguments.
	Command []string

	// Dir is the working directory (the worker's build directory).
	Dir string

	// Env is appended to the parent environment.
	Env []string

	// OutboxSize bounds queued outbound messages. Default: 256
	OutboxSize int

	// StopGrace is how long Terminate waits after SIGTERM before SIGKILL.
	// Default: 5s
	StopGrace time.Duration

	// StderrLimit is how many trailing stderr bytes are kept. Default: 8KiB
	StderrLimit int
}

// MessageFunc receives inbound messages from a process.
type MessageFunc func(p *Process, msg protocol.Message)

// Process is a running worker process speaking the JSON-line protocol on its
// stdin/stdout. It implements Conn.
type Process struct {
	workerID string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	enc      *protocol.Encoder
	outbox   chan protocol.Message
	stderr   *tailBuffer
	grace    time.Duration
	logger   *slog.Logger

	onMessage MessageFunc
	onError   func(error)

	done     chan struct{}
	exitCode atomic.Int32

	mu      sync.RWMutex
	exitErr error

	terminateOnce sync.Once
}

// ProcessOption configures a Process.
type ProcessOption func(*Process)

// WithProcessLogger sets the logger.
func WithProcessLogger(logger *slog.Logger) ProcessOption {
	return func(p *Process) { p.logger = logger }
}

// WithErrorHandler receives protocol and write errors that do not stop the
// process.
func WithErrorHandler(fn func(error)) ProcessOption {
	return func(p *Process) { p.onError = fn }
}

// Start launches the process described by spec. onMessage is invoked from a
// single reader goroutine, in the order messages arrive.
func Start(spec LaunchSpec, onMessage MessageFunc, opts ...ProcessOption) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, wherrors.Spawn("start", errors.New("empty launch command")).WithWorker(spec.WorkerID)
	}
	if spec.OutboxSize <= 0 {
		spec.OutboxSize = 256
	}
	if spec.StopGrace <= 0 {
		spec.StopGrace = 5 * time.Second
	}
	if spec.StderrLimit <= 0 {
		spec.StderrLimit = 8 << 10
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(cmd.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, EnvWorkerID+"="+spec.WorkerID)

	p := &Process{
		workerID:  spec.WorkerID,
		cmd:       cmd,
		outbox:    make(chan protocol.Message, spec.OutboxSize),
		stderr:    newTailBuffer(spec.StderrLimit),
		grace:     spec.StopGrace,
		logger:    slog.Default(),
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = observability.WorkerLogger(p.logger, spec.WorkerID)
	p.exitCode.Store(-1)

	cmd.Stderr = p.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, wherrors.Spawn("start", fmt.Errorf("create stdin pipe: %w", err)).WithWorker(spec.WorkerID)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, wherrors.Spawn("start", fmt.Errorf("create stdout pipe: %w", err)).WithWorker(spec.WorkerID)
	}
	p.stdin = stdin
	p.enc = protocol.NewEncoder(stdin)

	if err := cmd.Start(); err != nil {
		return nil, wherrors.Spawn("start", err).WithWorker(spec.WorkerID)
	}
	p.logger.Info("worker process started", slog.Int("pid", cmd.Process.Pid))

	readDone := make(chan struct{})
	go p.readLoop(stdout, readDone)
	go p.writeLoop()
	go p.waitLoop(readDone)

	return p, nil
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 while running or when killed by a signal.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the error from waiting on the process.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Stderr returns the captured tail of the process's stderr.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Send queues msg for the process without blocking.
func (p *Process) Send(msg protocol.Message) error {
	select {
	case <-p.done:
		return ErrExited
	default:
	}

	select {
	case p.outbox <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

// Terminate sends SIGTERM and escalates to SIGKILL after the grace period.
// It returns immediately; use Done to wait for exit. Repeated calls are no-ops.
func (p *Process) Terminate() error {
	var err error
	p.terminateOnce.Do(func() {
		if p.Exited() {
			return
		}
		_ = p.stdin.Close()
		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil && !p.Exited() {
			err = fmt.Errorf("signal worker %s: %w", p.workerID, sigErr)
		}

		go func() {
			select {
			case <-p.done:
			case <-time.After(p.grace):
				p.logger.Warn("worker ignored SIGTERM, killing", slog.Duration("grace", p.grace))
				_ = p.cmd.Process.Kill()
			}
		}()
	})
	return err
}

func (p *Process) readLoop(stdout io.Reader, readDone chan<- struct{}) {
	defer close(readDone)

	dec := protocol.NewDecoder(stdout)
	for {
		msg, err := dec.Decode()
		if err == nil {
			if p.onMessage != nil {
				p.onMessage(p, msg)
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if wherrors.KindOf(err) == wherrors.KindTransport {
			// The stream cannot be resynchronized, e.g. after an oversized
			// line. Keep draining so the worker never blocks on a full pipe.
			p.reportError(err)
			_, _ = io.Copy(io.Discard, stdout)
			return
		}
		p.reportError(err)
	}
}

func (p *Process) writeLoop() {
	for {
		select {
		case msg := <-p.outbox:
			if err := p.enc.Encode(msg); err != nil {
				p.reportError(err)
			}
		case <-p.done:
			return
		}
	}
}

func (p *Process) waitLoop(readDone <-chan struct{}) {
	<-readDone
	err := p.cmd.Wait()

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.exitCode.Store(int32(code))

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	p.logger.Info("worker process exited", slog.Int("exit_code", code))
	close(p.done)
}

func (p *Process) reportError(err error) {
	var whErr *wherrors.Error
	if errors.As(err, &whErr) && whErr.WorkerID == "" {
		whErr.WorkerID = p.workerID
	}
	if p.onError != nil {
		p.onError(err)
		return
	}
	p.logger.Warn("worker channel error", slog.String("error", err.Error()))
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
