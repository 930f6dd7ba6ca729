// Package bus consumes raw event payloads from a message bus.
//
// Subscribers deliver payloads to the handler one at a time, in arrival
// order, under a queue group so multiple orchestrator instances share the
// stream as competing consumers.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/workerhub/pkg/workerhub/config"
)

// Handler receives one raw payload.
type Handler func(payload string)

// Subscriber is a bus consumer.
type Subscriber interface {
	// Listen subscribes to subject and feeds every payload to onEvent until
	// ctx ends (returning nil) or the connection fails (returning a
	// TransportError).
	Listen(ctx context.Context, subject string, onEvent Handler) error
}

// New builds the subscriber selected by settings.
func New(s config.BusSettings, logger *slog.Logger) (Subscriber, error) {
	switch s.Transport {
	case config.TransportNATS, "":
		return NewNATS(s.URL, s.Queue, WithLogger(logger)), nil
	case config.TransportKafka:
		return NewKafka(s.KafkaBrokers, s.Queue, WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown bus transport %q", s.Transport)
	}
}

type options struct {
	logger  *slog.Logger
	bufSize int
}

// Option configures a subscriber.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBuffer sets how many messages may wait in the client buffer.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufSize = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), bufSize: 64}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
