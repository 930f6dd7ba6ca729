package workerhub

import (
	"log/slog"

	"github.com/randalmurphal/workerhub/pkg/workerhub/bus"
	"github.com/randalmurphal/workerhub/pkg/workerhub/history"
	"github.com/randalmurphal/workerhub/pkg/workerhub/repository"
)

type hubConfig struct {
	logger     *slog.Logger
	repository repository.Repository
	history    history.Store
	subscriber bus.Subscriber
	workerEnv  []string
	token      string
}

// Option configures a Hub.
type Option func(*hubConfig)

// WithLogger sets the logger used by every component.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *hubConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRepository replaces the repository built from configuration.
func WithRepository(r repository.Repository) Option {
	return func(c *hubConfig) { c.repository = r }
}

// WithHistory replaces the history store built from configuration. The hub
// closes it when Run returns.
func WithHistory(s history.Store) Option {
	return func(c *hubConfig) { c.history = s }
}

// WithSubscriber replaces the bus subscriber built from configuration.
func WithSubscriber(s bus.Subscriber) Option {
	return func(c *hubConfig) { c.subscriber = s }
}

// WithWorkerEnv adds environment entries to every worker process.
func WithWorkerEnv(env ...string) Option {
	return func(c *hubConfig) { c.workerEnv = append(c.workerEnv, env...) }
}

// WithControlToken fixes the control-channel shutdown token instead of
// generating one.
func WithControlToken(token string) Option {
	return func(c *hubConfig) { c.token = token }
}
