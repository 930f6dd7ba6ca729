// Package repository resolves system events to worker descriptors: the
// worker id and the location of its handler source.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
	"github.com/randalmurphal/workerhub/pkg/workerhub/worker"
)

// Descriptor describes a worker's code.
type Descriptor struct {
	// ID is the worker id; it also names the build directory.
	ID string `json:"id"`

	// URL locates the handler source: file://, an absolute path, or http(s)://.
	URL string `json:"url"`

	// Entry optionally overrides the staged entry point file name.
	Entry string `json:"entry,omitempty"`
}

// Validate checks that the descriptor can be staged. Failures are
// ResolutionErrors.
func (d Descriptor) Validate() error {
	switch {
	case d.ID == "":
		return wherrors.Resolution("descriptor", errors.New("missing id"))
	case d.URL == "":
		return wherrors.Resolution("descriptor", errors.New("missing url")).WithWorker(d.ID)
	case d.ID == "." || d.ID == ".." || strings.ContainsAny(d.ID, `/\`):
		return wherrors.Resolution("descriptor", fmt.Errorf("id %q is not a valid directory name", d.ID))
	case d.Entry == "." || d.Entry == ".." || strings.ContainsAny(d.Entry, `/\`):
		return wherrors.Resolution("descriptor", fmt.Errorf("entry %q must be a bare file name", d.Entry)).WithWorker(d.ID)
	case d.Entry == worker.BootstrapFile:
		return wherrors.Resolution("descriptor", fmt.Errorf("entry %q is reserved for the launcher manifest", d.Entry)).WithWorker(d.ID)
	}
	return nil
}

// Repository resolves an event reference to a descriptor.
type Repository interface {
	Get(ctx context.Context, ref event.Reference) (Descriptor, error)
}

// Func adapts a function to Repository.
type Func func(ctx context.Context, ref event.Reference) (Descriptor, error)

// Get calls f.
func (f Func) Get(ctx context.Context, ref event.Reference) (Descriptor, error) {
	return f(ctx, ref)
}

// Static serves descriptors from memory, keyed by event id.
type Static struct {
	entries map[string]Descriptor
}

// NewStatic creates a static repository. Each key is an event id; a
// descriptor with an empty ID takes its key as the worker id.
func NewStatic(entries map[string]Descriptor) *Static {
	s := &Static{entries: make(map[string]Descriptor, len(entries))}
	for key, d := range entries {
		if d.ID == "" {
			d.ID = key
		}
		s.entries[key] = d
	}
	return s
}

// Get returns the descriptor registered for ref.ID.
func (s *Static) Get(_ context.Context, ref event.Reference) (Descriptor, error) {
	d, ok := s.entries[ref.ID]
	if !ok {
		return Descriptor{}, wherrors.Resolution("lookup", fmt.Errorf("no descriptor for event %q", ref.ID)).WithEvent(ref.ID)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

type retrying struct {
	inner Repository
	cfg   wherrors.RetryConfig
}

// WithRetry retries transient failures of inner according to cfg.
func WithRetry(inner Repository, cfg wherrors.RetryConfig) Repository {
	if cfg.MaxAttempts <= 1 {
		return inner
	}
	return &retrying{inner: inner, cfg: cfg}
}

func (r *retrying) Get(ctx context.Context, ref event.Reference) (Descriptor, error) {
	res := wherrors.WithRetryContext(ctx, r.cfg, func(ctx context.Context) (Descriptor, error) {
		return r.inner.Get(ctx, ref)
	})
	return res.Value, res.Err
}
