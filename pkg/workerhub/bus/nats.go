package bus

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
)

// NATS consumes from a NATS server with a queue subscription.
type NATS struct {
	url   string
	queue string
	opts  options
}

// NewNATS creates a subscriber for the server at url joining queue.
func NewNATS(url, queue string, opts ...Option) *NATS {
	return &NATS{url: url, queue: queue, opts: buildOptions(opts)}
}

// Listen implements Subscriber. Messages carrying a reply subject are
// answered with their own payload.
func (s *NATS) Listen(ctx context.Context, subject string, onEvent Handler) error {
	logger := s.opts.logger.With(slog.String("subject", subject), slog.String("queue", s.queue))

	closed := make(chan struct{})
	nc, err := nats.Connect(s.url,
		nats.Name("workerhub"),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) { logger.Info("bus reconnected") }),
	)
	if err != nil {
		return wherrors.Transport("connect", err)
	}
	defer nc.Close()

	ch := make(chan *nats.Msg, s.opts.bufSize)
	sub, err := nc.ChanQueueSubscribe(subject, s.queue, ch)
	if err != nil {
		return wherrors.Transport("subscribe", err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := nc.Flush(); err != nil {
		return wherrors.Transport("subscribe", err)
	}

	logger.Info("listening for events", slog.String("url", nc.ConnectedUrlRedacted()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return wherrors.Transport("receive", errors.New("connection closed"))
		case msg := <-ch:
			onEvent(string(msg.Data))
			if msg.Reply == "" {
				logger.Debug("no reply subject")
				continue
			}
			if err := msg.Respond(msg.Data); err != nil {
				logger.Warn("reply failed", slog.String("error", err.Error()))
			}
		}
	}
}
