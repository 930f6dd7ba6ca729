package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Transports accepted in bus.transport.
const (
	TransportNATS  = "nats"
	TransportKafka = "kafka"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WORKERHUB_"

// Settings is the complete runtime configuration.
type Settings struct {
	Bus        BusSettings
	Control    ControlSettings
	Install    InstallSettings
	Repository RepositorySettings
	History    HistorySettings
	Log        LogSettings
	Telemetry  TelemetrySettings
}

// BusSettings configures the event bus consumer.
type BusSettings struct {
	Transport string
	URL       string
	Queue     string
	Subject   string

	KafkaBrokers []string
}

// ControlSettings configures the websocket control server.
type ControlSettings struct {
	Enabled bool
	Addr    string
}

// InstallSettings configures staging and spawning of workers.
type InstallSettings struct {
	BuildRoot string

	// Command launches a worker; it runs inside the build directory. Empty
	// means the workerhub binary's own "worker" subcommand.
	Command []string

	// EntryExt is the extension of the staged handler when the descriptor
	// does not name an entry.
	EntryExt string

	FetchTimeout  time.Duration
	SpawnTimeout  time.Duration
	StopGrace     time.Duration
	RetryAttempts int
	OutboxSize    int
}

// StaticDescriptor is a repository entry defined in configuration.
type StaticDescriptor struct {
	URL   string
	Entry string
}

// RepositorySettings configures where worker descriptors are resolved.
type RepositorySettings struct {
	BaseURL  string
	Static   map[string]StaticDescriptor
	RedisURL string
	CacheTTL time.Duration
}

// HistorySettings configures the install history store. An empty Path keeps
// history in memory.
type HistorySettings struct {
	Path  string
	Limit int
}

// LogSettings configures the slog handler.
type LogSettings struct {
	Level  string
	Format string
}

// TelemetrySettings toggles OpenTelemetry instrumentation.
type TelemetrySettings struct {
	Metrics bool
	Tracing bool
}

// Default returns the settings used when nothing is configured.
func Default() Settings {
	return Settings{
		Bus: BusSettings{
			Transport: TransportNATS,
			URL:       "nats://localhost:4222",
			Queue:     "events",
			Subject:   "*",
		},
		Control: ControlSettings{
			Enabled: true,
			Addr:    "localhost:8888",
		},
		Install: InstallSettings{
			BuildRoot:     "build",
			EntryExt:      ".lua",
			FetchTimeout:  30 * time.Second,
			SpawnTimeout:  15 * time.Second,
			StopGrace:     5 * time.Second,
			RetryAttempts: 1,
			OutboxSize:    256,
		},
		Repository: RepositorySettings{
			CacheTTL: 5 * time.Minute,
		},
		History: HistorySettings{Limit: 50},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// FromValues overlays v on the defaults.
func FromValues(v Values) Settings {
	s := Default()

	bus := v.Section("bus")
	s.Bus.Transport = strings.ToLower(bus.String("transport", s.Bus.Transport))
	s.Bus.URL = bus.String("url", s.Bus.URL)
	s.Bus.Queue = bus.String("queue", s.Bus.Queue)
	s.Bus.Subject = bus.String("subject", s.Bus.Subject)
	s.Bus.KafkaBrokers = bus.StringSlice("kafka_brokers", s.Bus.KafkaBrokers)

	control := v.Section("control")
	s.Control.Enabled = control.Bool("enabled", s.Control.Enabled)
	s.Control.Addr = control.String("addr", s.Control.Addr)

	install := v.Section("install")
	s.Install.BuildRoot = install.String("build_root", s.Install.BuildRoot)
	s.Install.Command = install.StringSlice("command", s.Install.Command)
	s.Install.EntryExt = install.String("entry_ext", s.Install.EntryExt)
	s.Install.FetchTimeout = install.Duration("fetch_timeout", s.Install.FetchTimeout)
	s.Install.SpawnTimeout = install.Duration("spawn_timeout", s.Install.SpawnTimeout)
	s.Install.StopGrace = install.Duration("stop_grace", s.Install.StopGrace)
	s.Install.RetryAttempts = install.Int("retry_attempts", s.Install.RetryAttempts)
	s.Install.OutboxSize = install.Int("outbox_size", s.Install.OutboxSize)

	repo := v.Section("repository")
	s.Repository.BaseURL = repo.String("base_url", s.Repository.BaseURL)
	s.Repository.RedisURL = repo.String("redis_url", s.Repository.RedisURL)
	s.Repository.CacheTTL = repo.Duration("cache_ttl", s.Repository.CacheTTL)
	static := repo.Section("static")
	for _, id := range static.Keys() {
		entry := static.Section(id)
		if s.Repository.Static == nil {
			s.Repository.Static = make(map[string]StaticDescriptor)
		}
		s.Repository.Static[id] = StaticDescriptor{
			URL:   entry.String("url", ""),
			Entry: entry.String("entry", ""),
		}
	}

	history := v.Section("history")
	s.History.Path = history.String("path", s.History.Path)
	s.History.Limit = history.Int("limit", s.History.Limit)

	log := v.Section("log")
	s.Log.Level = log.String("level", s.Log.Level)
	s.Log.Format = log.String("format", s.Log.Format)

	telemetry := v.Section("telemetry")
	s.Telemetry.Metrics = telemetry.Bool("metrics", s.Telemetry.Metrics)
	s.Telemetry.Tracing = telemetry.Bool("tracing", s.Telemetry.Tracing)

	return s
}

// ApplyEnv overlays WORKERHUB_* variables found through lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BUS_TRANSPORT":  &s.Bus.Transport,
		"BUS_URL":        &s.Bus.URL,
		"BUS_QUEUE":      &s.Bus.Queue,
		"BUS_SUBJECT":    &s.Bus.Subject,
		"CONTROL_ADDR":   &s.Control.Addr,
		"BUILD_ROOT":     &s.Install.BuildRoot,
		"REPOSITORY_URL": &s.Repository.BaseURL,
		"REDIS_URL":      &s.Repository.RedisURL,
		"HISTORY_PATH":   &s.History.Path,
		"LOG_LEVEL":      &s.Log.Level,
		"LOG_FORMAT":     &s.Log.Format,
	}
	for name, dst := range strs {
		if val, ok := lookup(EnvPrefix + name); ok {
			*dst = val
		}
	}

	if val, ok := lookup(EnvPrefix + "KAFKA_BROKERS"); ok {
		s.Bus.KafkaBrokers = splitList(val)
	}
	if val, ok := lookup(EnvPrefix + "WORKER_COMMAND"); ok {
		s.Install.Command = strings.Fields(val)
	}

	durations := map[string]*time.Duration{
		"FETCH_TIMEOUT": &s.Install.FetchTimeout,
		"SPAWN_TIMEOUT": &s.Install.SpawnTimeout,
	}
	for name, dst := range durations {
		val, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
	}

	if val, ok := lookup(EnvPrefix + "CONTROL_ENABLED"); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%sCONTROL_ENABLED: %w", EnvPrefix, err)
		}
		s.Control.Enabled = b
	}
	s.Bus.Transport = strings.ToLower(s.Bus.Transport)
	return nil
}

// Validate checks that the settings are usable.
func (s Settings) Validate() error {
	var errs []error
	switch s.Bus.Transport {
	case TransportNATS:
		if s.Bus.URL == "" {
			errs = append(errs, errors.New("bus.url is required for nats"))
		}
	case TransportKafka:
		if len(s.Bus.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("bus.kafka_brokers is required for kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.transport %q is not one of nats, kafka", s.Bus.Transport))
	}
	if s.Bus.Subject == "" {
		errs = append(errs, errors.New("bus.subject is required"))
	}
	if s.Control.Enabled && s.Control.Addr == "" {
		errs = append(errs, errors.New("control.addr is required when control is enabled"))
	}
	if s.Install.BuildRoot == "" {
		errs = append(errs, errors.New("install.build_root is required"))
	}
	if s.Install.FetchTimeout <= 0 || s.Install.SpawnTimeout <= 0 {
		errs = append(errs, errors.New("install timeouts must be positive"))
	}
	if s.Install.RetryAttempts < 1 {
		errs = append(errs, errors.New("install.retry_attempts must be at least 1"))
	}
	if s.Repository.BaseURL == "" && len(s.Repository.Static) == 0 {
		errs = append(errs, errors.New("repository.base_url or repository.static is required"))
	}
	for id, d := range s.Repository.Static {
		if d.URL == "" {
			errs = append(errs, fmt.Errorf("repository.static.%s.url is required", id))
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
