// Package history records install attempts so operators can see why a
// worker is, or is not, running.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("history store closed")

// Attempt is one install attempt.
type Attempt struct {
	Seq       int64         `json:"seq"`
	WorkerID  string        `json:"workerId,omitempty"`
	EventID   string        `json:"eventId"`
	Outcome   string        `json:"outcome"`
	Kind      string        `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	PID       int           `json:"pid,omitempty"`
	Listeners int           `json:"listeners"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Store persists install attempts.
type Store interface {
	// Record appends an attempt and returns it with Seq assigned.
	Record(ctx context.Context, a Attempt) (Attempt, error)

	// List returns up to limit attempts for workerID, newest first. An empty
	// workerID lists all workers; limit <= 0 means no limit.
	List(ctx context.Context, workerID string, limit int) ([]Attempt, error)

	Close() error
}
