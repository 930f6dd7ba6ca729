package workerhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/workerhub/pkg/workerhub/bus"
	"github.com/randalmurphal/workerhub/pkg/workerhub/config"
	"github.com/randalmurphal/workerhub/pkg/workerhub/control"
	"github.com/randalmurphal/workerhub/pkg/workerhub/dispatch"
	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
	"github.com/randalmurphal/workerhub/pkg/workerhub/history"
	"github.com/randalmurphal/workerhub/pkg/workerhub/install"
	"github.com/randalmurphal/workerhub/pkg/workerhub/observability"
	"github.com/randalmurphal/workerhub/pkg/workerhub/repository"
)

// Hub wires the bus consumer, installer, dispatcher and control server.
type Hub struct {
	cfg    config.Settings
	logger *slog.Logger

	metrics  observability.MetricsRecorder
	reporter *observability.Reporter

	repo       repository.Repository
	history    history.Store
	dispatcher *dispatch.Dispatcher
	installer  *install.Installer
	subscriber bus.Subscriber
	control    *control.Server
	redis      *redis.Client

	closeOnce sync.Once
	closeErr  error
}

// New builds a hub from cfg. It does not connect to the bus or bind the
// control address; Run does.
func New(cfg config.Settings, opts ...Option) (*Hub, error) {
	hc := hubConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&hc)
	}

	h := &Hub{
		cfg:     cfg,
		logger:  hc.logger,
		metrics: observability.NoopMetrics{},
	}
	spans := observability.SpanManager(observability.NoopSpanManager{})
	if cfg.Telemetry.Metrics {
		h.metrics = observability.NewMetricsRecorder()
	}
	if cfg.Telemetry.Tracing {
		spans = observability.NewSpanManager()
	}
	h.reporter = observability.NewReporter(h.logger, h.metrics)

	h.repo = hc.repository
	if h.repo == nil {
		repo, client, err := buildRepository(cfg, h.logger)
		if err != nil {
			return nil, err
		}
		h.repo, h.redis = repo, client
	}

	h.history = hc.history
	if h.history == nil {
		store, err := buildHistory(cfg.History)
		if err != nil {
			h.closeRedis()
			return nil, err
		}
		h.history = store
	}

	launcher, err := buildLauncher(cfg.Install, hc.workerEnv)
	if err != nil {
		h.release()
		return nil, err
	}

	// The hub owns the registry; the installer publishes into it only
	// through the dispatcher, which serializes writes.
	h.dispatcher = dispatch.New(dispatch.NewWorkers(),
		dispatch.WithLogger(h.logger),
		dispatch.WithMetrics(h.metrics),
		dispatch.WithSpanManager(spans),
		dispatch.WithReporter(h.reporter),
	)
	h.installer = install.New(h.repo,
		install.NewStager(cfg.Install.BuildRoot, cfg.Install.EntryExt),
		launcher,
		h.dispatcher,
		install.WithHistory(h.history),
		install.WithLogger(h.logger),
		install.WithMetrics(h.metrics),
		install.WithSpanManager(spans),
		install.WithReporter(h.reporter),
		install.WithTimeouts(cfg.Install.FetchTimeout, cfg.Install.SpawnTimeout),
	)

	h.subscriber = hc.subscriber
	if h.subscriber == nil {
		sub, err := bus.New(cfg.Bus, h.logger)
		if err != nil {
			h.release()
			return nil, err
		}
		h.subscriber = sub
	}

	if cfg.Control.Enabled {
		copts := []control.Option{control.WithLogger(h.logger)}
		if hc.token != "" {
			copts = append(copts, control.WithToken(hc.token))
		}
		h.control = control.New(cfg.Control.Addr, h.dispatcher, h.history, copts...)
	}

	return h, nil
}

// Dispatcher returns the hub's dispatcher.
func (h *Hub) Dispatcher() *dispatch.Dispatcher {
	return h.dispatcher
}

// Installer returns the hub's installer.
func (h *Hub) Installer() *install.Installer {
	return h.installer
}

// Control returns the control server, or nil when it is disabled.
func (h *Hub) Control() *control.Server {
	return h.control
}

// History returns the install history store.
func (h *Hub) History() history.Store {
	return h.history
}

// HandleEvent processes one bus payload. Malformed payloads are reported and
// dropped. System events start an install in the background; everything
// else is dispatched synchronously.
func (h *Hub) HandleEvent(ctx context.Context, payload string) {
	evt, err := event.ParseString(payload)
	if err != nil {
		h.reporter.Report(ctx, err)
		return
	}
	h.metrics.RecordEventReceived(ctx, evt.Type)
	observability.LogEventReceived(h.logger, evt)

	if evt.IsSystem() {
		h.installer.InstallAsync(ctx, evt)
		return
	}
	h.dispatcher.Dispatch(ctx, evt)
}

// Run consumes the bus and serves the control channel until ctx ends, the
// control channel receives a valid close command, or the bus connection
// fails. It then waits for in-flight installs, stops every worker and
// releases the hub's stores. A bus failure is returned.
func (h *Hub) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	if h.control != nil {
		tokenFile, err := control.WriteTokenFile(h.cfg.Install.BuildRoot, h.control.Token())
		if err != nil {
			h.Close()
			return err
		}
		defer os.Remove(tokenFile)
		if _, err := h.control.Listen(); err != nil {
			h.Close()
			return err
		}
		h.logger.Info("control channel ready",
			slog.String("addr", h.control.Addr()),
			slog.String("token_file", tokenFile))
		h.logger.Debug("control token", slog.String("token", h.control.Token()))

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			if err := h.control.Serve(ctx); err != nil {
				fail(fmt.Errorf("control server: %w", err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.logger.Info("consuming events",
			slog.String("transport", h.cfg.Bus.Transport),
			slog.String("subject", h.cfg.Bus.Subject),
			slog.String("queue", h.cfg.Bus.Queue))
		err := h.subscriber.Listen(ctx, h.cfg.Bus.Subject, func(payload string) {
			h.HandleEvent(ctx, payload)
		})
		if err != nil {
			h.reporter.Report(ctx, err)
			fail(err)
		}
	}()

	wg.Wait()
	h.shutdown()
	return errors.Join(errs...)
}

// shutdown waits for installs and stops all workers.
func (h *Hub) shutdown() {
	h.installer.Wait()

	grace := h.cfg.Install.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*grace)
	defer cancel()
	h.dispatcher.Shutdown(ctx)

	stats := h.dispatcher.Stats()
	h.logger.Info("workerhub stopped",
		slog.Int64("dispatched", stats.Dispatched),
		slog.Int64("unrouted", stats.Unrouted),
		slog.Int64("send_failures", stats.SendFailures))

	if err := h.Close(); err != nil {
		h.logger.Warn("release stores failed", slog.String("error", err.Error()))
	}
}

// Close releases the history store and the redis client. Run calls it; call
// it directly only for a hub that is never run.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.release()
	})
	return h.closeErr
}

func (h *Hub) release() error {
	var errs []error
	if h.history != nil {
		errs = append(errs, h.history.Close())
	}
	errs = append(errs, h.closeRedis())
	return errors.Join(errs...)
}

func (h *Hub) closeRedis() error {
	if h.redis == nil {
		return nil
	}
	err := h.redis.Close()
	h.redis = nil
	return err
}

// buildRepository resolves descriptors over HTTP when a base URL is set and
// from the static table otherwise, optionally cached in redis and retried.
func buildRepository(cfg config.Settings, logger *slog.Logger) (repository.Repository, *redis.Client, error) {
	rc := cfg.Repository

	var repo repository.Repository
	if rc.BaseURL != "" {
		repo = repository.NewHTTP(rc.BaseURL)
	} else {
		entries := make(map[string]repository.Descriptor, len(rc.Static))
		for id, d := range rc.Static {
			src, err := staticSource(d.URL)
			if err != nil {
				return nil, nil, err
			}
			entries[id] = repository.Descriptor{URL: src, Entry: d.Entry}
		}
		repo = repository.NewStatic(entries)
	}

	var client *redis.Client
	if rc.RedisURL != "" {
		c, err := repository.Connect(rc.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		client = c
		repo = repository.NewRedisCache(repo, client, rc.CacheTTL, logger)
	}

	retry := wherrors.NoRetry
	if cfg.Install.RetryAttempts > 1 {
		retry = wherrors.DefaultRetry
		retry.MaxAttempts = cfg.Install.RetryAttempts
	}
	return repository.WithRetry(repo, retry), client, nil
}

// staticSource resolves a relative file path against the working directory.
func staticSource(src string) (string, error) {
	if src == "" || strings.Contains(src, "://") || filepath.IsAbs(src) {
		return src, nil
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return "", fmt.Errorf("resolve static source %q: %w", src, err)
	}
	return abs, nil
}

func buildHistory(cfg config.HistorySettings) (history.Store, error) {
	if cfg.Path == "" {
		return history.NewMemoryStore(), nil
	}
	store, err := history.NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open install history: %w", err)
	}
	return store, nil
}

// buildLauncher defaults the worker command to this binary's worker subcommand.
func buildLauncher(cfg config.InstallSettings, env []string) (install.Launcher, error) {
	command := cfg.Command
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return install.Launcher{}, fmt.Errorf("locate workerhub binary: %w", err)
		}
		command = []string{exe, "worker"}
	}
	return install.Launcher{
		Command:    command,
		Env:        env,
		OutboxSize: cfg.OutboxSize,
		StopGrace:  cfg.StopGrace,
	}, nil
}
