package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/workerhub/pkg/workerhub/config"
)

func TestValuesAccessors(t *testing.T) {
	v := config.NewValues(map[string]any{
		"name":     "hub",
		"port":     8080,
		"ratio":    1.5,
		"count":    float64(3),
		"enabled":  true,
		"timeout":  "250ms",
		"seconds":  2,
		"brokers":  []any{"a:9092", "b:9092"},
		"single":   "only",
		"mixed":    []any{"a", 1},
		"nested":   map[string]any{"key": "value"},
		"yamlnest": map[any]any{"key": "yaml"},
	})

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"string", v.String("name", "x"), "hub"},
		{"string from int", v.String("port", "x"), "8080"},
		{"string missing", v.String("missing", "x"), "x"},
		{"int", v.Int("port", 0), 8080},
		{"int from whole float", v.Int("count", 0), 3},
		{"int rejects fraction", v.Int("ratio", 7), 7},
		{"bool", v.Bool("enabled", false), true},
		{"bool wrong type", v.Bool("name", false), false},
		{"duration string", v.Duration("timeout", 0), 250 * time.Millisecond},
		{"duration seconds", v.Duration("seconds", 0), 2 * time.Second},
		{"duration invalid", v.Duration("name", time.Minute), time.Minute},
		{"slice", v.StringSlice("brokers", nil), []string{"a:9092", "b:9092"}},
		{"slice from string", v.StringSlice("single", nil), []string{"only"}},
		{"slice mixed", v.StringSlice("mixed", []string{"d"}), []string{"d"}},
		{"section", v.Section("nested").String("key", ""), "value"},
		{"section any keys", v.Section("yamlnest").String("key", ""), "yaml"},
		{"section missing", v.Section("missing").String("key", "d"), "d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
	assert.True(t, v.Has("name"))
	assert.False(t, v.Has("missing"))
}

func TestNewValuesNil(t *testing.T) {
	v := config.NewValues(nil)
	assert.Empty(t, v.Keys())
	assert.Equal(t, "d", v.String("any", "d"))
}

func TestDefaults(t *testing.T) {
	s := config.Default()
	assert.Equal(t, config.TransportNATS, s.Bus.Transport)
	assert.Equal(t, "events", s.Bus.Queue)
	assert.Equal(t, 30*time.Second, s.Install.FetchTimeout)
	assert.Equal(t, 15*time.Second, s.Install.SpawnTimeout)
	assert.Equal(t, 1, s.Install.RetryAttempts)

	// Defaults alone name no repository.
	assert.ErrorContains(t, s.Validate(), "repository")
}

const sampleYAML = `
bus:
  transport: NATS
  url: nats://bus:4222
  queue: hub
  subject: "app.>"
control:
  addr: ":9000"
install:
  build_root: /var/lib/workerhub
  command: [lua-worker, --quiet]
  fetch_timeout: 10s
  spawn_timeout: 5
  retry_attempts: 3
repository:
  base_url: http://repo.local
  cache_ttl: 1m
  static:
    w1:
      url: file:///srv/w1.lua
history:
  path: /var/lib/workerhub/history.db
log:
  level: debug
  format: json
telemetry:
  metrics: true
`

func TestFromYAML(t *testing.T) {
	v, err := config.Parse([]byte(sampleYAML), config.FormatYAML)
	require.NoError(t, err)
	s := config.FromValues(v)

	assert.Equal(t, "nats", s.Bus.Transport)
	assert.Equal(t, "nats://bus:4222", s.Bus.URL)
	assert.Equal(t, "hub", s.Bus.Queue)
	assert.Equal(t, "app.>", s.Bus.Subject)
	assert.Equal(t, ":9000", s.Control.Addr)
	assert.True(t, s.Control.Enabled)
	assert.Equal(t, []string{"lua-worker", "--quiet"}, s.Install.Command)
	assert.Equal(t, 10*time.Second, s.Install.FetchTimeout)
	assert.Equal(t, 5*time.Second, s.Install.SpawnTimeout)
	assert.Equal(t, 3, s.Install.RetryAttempts)
	assert.Equal(t, ".lua", s.Install.EntryExt)
	assert.Equal(t, time.Minute, s.Repository.CacheTTL)
	assert.Equal(t, map[string]config.StaticDescriptor{"w1": {URL: "file:///srv/w1.lua"}}, s.Repository.Static)
	assert.Equal(t, "json", s.Log.Format)
	assert.True(t, s.Telemetry.Metrics)
	assert.False(t, s.Telemetry.Tracing)
	require.NoError(t, s.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workerhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	t.Setenv("WORKERHUB_BUS_URL", "nats://override:4222")
	t.Setenv("WORKERHUB_SPAWN_TIMEOUT", "2s")
	t.Setenv("WORKERHUB_CONTROL_ENABLED", "false")

	s, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://override:4222", s.Bus.URL)
	assert.Equal(t, 2*time.Second, s.Install.SpawnTimeout)
	assert.False(t, s.Control.Enabled)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workerhub.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"repository":{"base_url":"http://repo"},"bus":{"queue":"q"}}`), 0o644))

	s, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "q", s.Bus.Queue)
	assert.Equal(t, "http://repo", s.Repository.BaseURL)
}

func TestLoadErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "workerhub.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	_, err = config.Load(path)
	assert.ErrorContains(t, err, "unsupported")
}

func TestLoaderExpandsReferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workerhub.yaml")
	doc := "bus:\n  url: ${BUS_HOST:-nats://localhost:4222}\n  queue: ${QUEUE}\n" +
		"repository:\n  base_url: http://${REPO_HOST}/code\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	env := map[string]string{"QUEUE": "hub", "REPO_HOST": "repo:8080", "WORKERHUB_LOG_LEVEL": "debug"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	s, err := config.NewLoader(lookup).Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", s.Bus.URL)
	assert.Equal(t, "hub", s.Bus.Queue)
	assert.Equal(t, "http://repo:8080/code", s.Repository.BaseURL)
	assert.Equal(t, "debug", s.Log.Level)

	env["BUS_HOST"] = "nats://bus:4222"
	s, err = config.NewLoader(lookup).Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://bus:4222", s.Bus.URL)
}

func TestLoaderReportsUnsetReferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workerhub.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bus":{"url":"${A}","queue":"${B}"}}`), 0o644))

	_, err := config.NewLoader(func(string) (string, bool) { return "", false }).Read(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "variable A is not set")
	assert.ErrorContains(t, err, "variable B is not set")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"WORKERHUB_BUS_TRANSPORT":  "Kafka",
		"WORKERHUB_KAFKA_BROKERS":  "k1:9092, k2:9092,",
		"WORKERHUB_WORKER_COMMAND": "lua-worker --quiet",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	s := config.Default()
	require.NoError(t, s.ApplyEnv(lookup))
	assert.Equal(t, config.TransportKafka, s.Bus.Transport)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, s.Bus.KafkaBrokers)
	assert.Equal(t, []string{"lua-worker", "--quiet"}, s.Install.Command)

	env["WORKERHUB_FETCH_TIMEOUT"] = "soon"
	assert.Error(t, s.ApplyEnv(lookup))
}

func TestValidate(t *testing.T) {
	valid := func() config.Settings {
		s := config.Default()
		s.Repository.BaseURL = "http://repo"
		return s
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*config.Settings)
		want   string
	}{
		{"unknown transport", func(s *config.Settings) { s.Bus.Transport = "amqp" }, "bus.transport"},
		{"kafka without brokers", func(s *config.Settings) { s.Bus.Transport = config.TransportKafka }, "kafka_brokers"},
		{"empty subject", func(s *config.Settings) { s.Bus.Subject = "" }, "bus.subject"},
		{"control without addr", func(s *config.Settings) { s.Control.Addr = "" }, "control.addr"},
		{"zero timeout", func(s *config.Settings) { s.Install.SpawnTimeout = 0 }, "timeouts"},
		{"zero attempts", func(s *config.Settings) { s.Install.RetryAttempts = 0 }, "retry_attempts"},
		{"static without url", func(s *config.Settings) {
			s.Repository.Static = map[string]config.StaticDescriptor{"w1": {}}
		}, "static.w1.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			assert.ErrorContains(t, s.Validate(), tt.want)
		})
	}
}
