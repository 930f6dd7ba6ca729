package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
)

// Kafka consumes a topic as a member of a consumer group. Kafka has no
// reply subjects, so nothing is echoed.
type Kafka struct {
	brokers []string
	group   string
	opts    options
}

// NewKafka creates a subscriber joining consumer group group.
func NewKafka(brokers []string, group string, opts ...Option) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka subscriber requires at least one broker")
	}
	if group == "" {
		return nil, errors.New("kafka subscriber requires a consumer group")
	}
	return &Kafka{brokers: brokers, group: group, opts: buildOptions(opts)}, nil
}

// Listen implements Subscriber. subject must be a literal topic name.
func (s *Kafka) Listen(ctx context.Context, subject string, onEvent Handler) error {
	if subject == "" || strings.ContainsAny(subject, "*>") {
		return fmt.Errorf("kafka topic %q must be a literal name", subject)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:       s.brokers,
		GroupID:       s.group,
		Topic:         subject,
		MinBytes:      1,
		MaxBytes:      10e6,
		MaxWait:       500 * time.Millisecond,
		QueueCapacity: s.opts.bufSize,
	})
	defer reader.Close()

	s.opts.logger.Info("listening for events",
		slog.String("topic", subject),
		slog.String("group", s.group))

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return wherrors.Transport("receive", err)
		}
		onEvent(string(msg.Value))
	}
}
