// Package errors classifies orchestration failures and provides retry helpers.
//
// Every failure on the event path is wrapped in an *Error carrying a Kind:
//   - KindTransport: bus or control-channel connect/decode failures
//   - KindResolution: code-repository fetch failure or malformed descriptor
//   - KindStaging: filesystem write failure while preparing a build directory
//   - KindSpawn: worker process failed to start, exited, or never registered
//   - KindProtocol: malformed event JSON or registration payload
//   - KindRoutingMiss: an event matched zero workers (a warning, not a failure)
//
// None of these kinds is fatal to the bus consumer or the control server.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies which stage of event processing produced an error.
type Kind int

const (
	// KindUnknown is used for errors that were never classified.
	KindUnknown Kind = iota
	KindTransport
	KindResolution
	KindStaging
	KindSpawn
	KindProtocol
	KindRoutingMiss
)

// String returns the kind name used in logs and metric attributes.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindResolution:
		return "resolution"
	case KindStaging:
		return "staging"
	case KindSpawn:
		return "spawn"
	case KindProtocol:
		return "protocol"
	case KindRoutingMiss:
		return "routing_miss"
	default:
		return "unknown"
	}
}

// Error is a classified orchestration error.
type Error struct {
	Kind Kind

	// Op names the operation that failed (e.g. "fetch", "stage", "register").
	Op string

	WorkerID string
	EventID  string

	// Stderr holds the captured tail of a worker's stderr for spawn failures.
	Stderr string

	// ExitCode is the worker exit code, or -1 when the process did not exit.
	ExitCode int

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.WorkerID != "" {
		fmt.Fprintf(&b, " worker=%s", e.WorkerID)
	}
	if e.EventID != "" {
		fmt.Fprintf(&b, " event=%s", e.EventID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Kind == KindSpawn && e.ExitCode > 0 {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind with no other fields set,
// so errors.Is(err, &Error{Kind: KindSpawn}) works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.WorkerID == "" && t.EventID == "" && t.Err == nil
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, ExitCode: -1}
}

// Transport creates a TransportError.
func Transport(op string, err error) *Error {
	return New(KindTransport, op, err)
}

// Resolution creates a ResolutionError.
func Resolution(op string, err error) *Error {
	return New(KindResolution, op, err)
}

// Staging creates a StagingError.
func Staging(op string, err error) *Error {
	return New(KindStaging, op, err)
}

// Spawn creates a SpawnError.
func Spawn(op string, err error) *Error {
	return New(KindSpawn, op, err)
}

// Protocol creates a ProtocolError.
func Protocol(op string, err error) *Error {
	return New(KindProtocol, op, err)
}

// RoutingMiss creates the warning reported for an event nobody subscribed to.
func RoutingMiss(eventID, source string) *Error {
	e := New(KindRoutingMiss, "dispatch", fmt.Errorf("no listener matched source %q", source))
	e.EventID = eventID
	return e
}

// WithWorker sets the worker id and returns e.
func (e *Error) WithWorker(id string) *Error {
	e.WorkerID = id
	return e
}

// WithEvent sets the event id and returns e.
func (e *Error) WithEvent(id string) *Error {
	e.EventID = id
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is and As re-export the standard library helpers so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As.
func As(err error, target any) bool { return errors.As(err, target) }
