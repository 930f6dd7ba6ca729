package install_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/workerhub/pkg/workerhub/dispatch"
	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
	"github.com/randalmurphal/workerhub/pkg/workerhub/history"
	"github.com/randalmurphal/workerhub/pkg/workerhub/install"
	"github.com/randalmurphal/workerhub/pkg/workerhub/repository"
	"github.com/randalmurphal/workerhub/pkg/workerhub/worker"
)

const helperEnv = "WORKERHUB_INSTALL_HELPER"

// TestMain re-executes the test binary as a worker when helperEnv is set.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		os.Exit(runWorker())
	}
	os.Exit(m.Run())
}

// handlerSource is the test "language": a JSON document describing how the
// worker behaves.
type handlerSource struct {
	Patterns map[string]string `json:"patterns"`
	Crash    string            `json:"crash,omitempty"`
	Hang     bool              `json:"hang,omitempty"`
}

type helperRuntime struct {
	src handlerSource
	out string
}

func (r *helperRuntime) Setup(ctx context.Context) (map[string]string, error) {
	if r.src.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.src.Patterns, nil
}

func (r *helperRuntime) HandleEvent(_ context.Context, evt event.Reference, matched []string) error {
	if r.out == "" {
		return nil
	}
	f, err := os.OpenFile(r.out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s %s %s\n", os.Getenv(worker.EnvWorkerID), evt.ID, strings.Join(matched, ","))
	return err
}

func runWorker() int {
	boot, dir, err := worker.BootstrapFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	data, err := os.ReadFile(boot.EntryPath(dir))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var src handlerSource
	if err := json.Unmarshal(data, &src); err != nil {
		fmt.Fprintln(os.Stderr, "bad handler:", err)
		return 1
	}
	if src.Crash != "" {
		fmt.Fprintln(os.Stderr, src.Crash)
		return 3
	}
	rt := &helperRuntime{src: src, out: os.Getenv("HELPER_OUT")}
	if err := worker.Serve(context.Background(), boot.ID, os.Stdin, os.Stdout, rt); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

type fixture struct {
	t          *testing.T
	root       string
	srcDir     string
	out        string
	entries    map[string]repository.Descriptor
	delays     map[string]time.Duration
	mu         sync.Mutex
	dispatcher *dispatch.Dispatcher
	history    *history.MemoryStore
	installer  *install.Installer
}

func newFixture(t *testing.T, opts ...install.Option) *fixture {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	f := &fixture{
		t:          t,
		root:       t.TempDir(),
		srcDir:     t.TempDir(),
		entries:    map[string]repository.Descriptor{},
		delays:     map[string]time.Duration{},
		dispatcher: dispatch.New(nil),
		history:    history.NewMemoryStore(),
	}
	f.out = filepath.Join(f.srcDir, "handled.log")

	repo := repository.Func(func(_ context.Context, ref event.Reference) (repository.Descriptor, error) {
		f.mu.Lock()
		d, ok := f.entries[ref.ID]
		delay := f.delays[ref.ID]
		f.mu.Unlock()
		time.Sleep(delay)
		if !ok {
			return repository.Descriptor{}, wherrors.Resolution("lookup", errors.New("unknown event"))
		}
		return d, nil
	})
	launcher := install.Launcher{
		Command:   []string{exe},
		Env:       []string{helperEnv + "=1", "HELPER_OUT=" + f.out},
		StopGrace: time.Second,
	}
	opts = append([]install.Option{install.WithHistory(f.history)}, opts...)
	f.installer = install.New(repo, install.NewStager(f.root, ""), launcher, f.dispatcher, opts...)
	t.Cleanup(func() {
		f.installer.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		f.dispatcher.Shutdown(ctx)
	})
	return f
}

// publish registers a handler for eventID that installs workerID.
func (f *fixture) publish(eventID, workerID string, src handlerSource) {
	f.t.Helper()
	data, err := json.Marshal(src)
	require.NoError(f.t, err)
	path := filepath.Join(f.srcDir, eventID+".json")
	require.NoError(f.t, os.WriteFile(path, data, 0o644))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[eventID] = repository.Descriptor{ID: workerID, URL: "file://" + path}
}

func systemEvent(id string) event.Reference {
	return event.Reference{ID: id, Source: "repository", Type: event.TypeSystem}
}

func TestInstallRegistersWorker(t *testing.T) {
	f := newFixture(t)
	f.publish("code-1", "w1", handlerSource{Patterns: map[string]string{"l1": "app.**"}})

	h, err := f.installer.Install(context.Background(), systemEvent("code-1"))
	require.NoError(t, err)

	assert.Equal(t, "w1", h.ID())
	assert.True(t, h.Alive())
	got, ok := f.dispatcher.GetWorker("w1")
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, []string{"l1"}, h.Match("app.x"))

	// Staged layout.
	boot, err := worker.ReadBootstrap(filepath.Join(f.root, "w1", worker.BootstrapFile))
	require.NoError(t, err)
	assert.Equal(t, "w1", boot.ID)
	assert.Equal(t, "handler.json", boot.Entry)
	assert.Equal(t, "code-1", boot.EventID)
	assert.FileExists(t, filepath.Join(f.root, "w1", "handler.json"))

	// End to end forward.
	res := f.dispatcher.Dispatch(context.Background(), event.Reference{ID: "e1", Source: "app.x", Type: "domain"})
	require.True(t, res.Routed())
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(f.out)
		return err == nil && strings.Contains(string(data), "w1 e1 l1")
	}, 5*time.Second, 20*time.Millisecond)

	attempts, err := f.history.List(context.Background(), "w1", 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "installed", attempts[0].Outcome)
	assert.Equal(t, 1, attempts[0].Listeners)
	assert.Equal(t, h.PID(), attempts[0].PID)
}

func TestInstallEmptyRegistration(t *testing.T) {
	f := newFixture(t)
	f.publish("code-1", "w1", handlerSource{})

	h, err := f.installer.Install(context.Background(), systemEvent("code-1"))
	require.NoError(t, err)
	assert.Empty(t, h.Listeners())
	assert.False(t, f.dispatcher.Dispatch(context.Background(), event.Reference{ID: "e", Source: "app.x"}).Routed())
}

func TestReinstallReplacesListeners(t *testing.T) {
	f := newFixture(t)
	f.publish("code-1", "w1", handlerSource{Patterns: map[string]string{"l1": "app.**"}})
	f.publish("code-2", "w1", handlerSource{Patterns: map[string]string{"l2": "billing.**"}})

	first, err := f.installer.Install(context.Background(), systemEvent("code-1"))
	require.NoError(t, err)
	oldPID := first.PID()

	second, err := f.installer.Install(context.Background(), systemEvent("code-2"))
	require.NoError(t, err)

	assert.Same(t, first, second)
	listeners := second.Listeners()
	assert.Len(t, listeners, 1)
	assert.Contains(t, listeners, "l2")
	assert.NotEqual(t, oldPID, second.PID())
	assert.Len(t, f.dispatcher.Workers(), 1)

	assert.False(t, f.dispatcher.Dispatch(context.Background(), event.Reference{ID: "a", Source: "app.x"}).Routed())
	assert.True(t, f.dispatcher.Dispatch(context.Background(), event.Reference{ID: "b", Source: "billing.paid"}).Routed())
}

func TestResolutionFailureKeepsExistingWorker(t *testing.T) {
	f := newFixture(t)
	f.publish("code-1", "w1", handlerSource{Patterns: map[string]string{"l1": "app.**"}})

	h, err := f.installer.Install(context.Background(), systemEvent("code-1"))
	require.NoError(t, err)
	pid := h.PID()

	_, err = f.installer.Install(context.Background(), systemEvent("missing"))
	require.Error(t, err)
	assert.Equal(t, wherrors.KindResolution, wherrors.KindOf(err))

	got, ok := f.dispatcher.GetWorker("w1")
	require.True(t, ok)
	assert.True(t, got.Alive())
	assert.Equal(t, pid, got.PID())
	assert.Equal(t, []string{"l1"}, got.Match("app.x"))

	attempts, err := f.history.List(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "failed", attempts[0].Outcome)
	assert.Equal(t, "resolution", attempts[0].Kind)
}

func TestStagingFailureKeepsRegistryUntouched(t *testing.T) {
	f := newFixture(t)
	f.mu.Lock()
	f.entries["code-1"] = repository.Descriptor{ID: "w1", URL: "file:///does/not/exist.lua"}
	f.mu.Unlock()

	_, err := f.installer.Install(context.Background(), systemEvent("code-1"))
	require.Error(t, err)
	assert.Equal(t, wherrors.KindStaging, wherrors.KindOf(err))
	_, ok := f.dispatcher.GetWorker("w1")
	assert.False(t, ok)
}

func TestSpawnFailureReportsStderr(t *testing.T) {
	f := newFixture(t)
	f.publish("code-1", "w1", handlerSource{Crash: "SyntaxError: unexpected token"})

	_, err := f.installer.Install(context.Background(), systemEvent("code-1"))
	require.Error(t, err)
	assert.Equal(t, wherrors.KindSpawn, wherrors.KindOf(err))

	var werr *wherrors.Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, 3, werr.ExitCode)
	assert.Contains(t, werr.Stderr, "SyntaxError")
	assert.Equal(t, "code-1", werr.EventID)

	_, ok := f.dispatcher.GetWorker("w1")
	assert.False(t, ok)
}

func TestRegistrationTimeout(t *testing.T) {
	f := newFixture(t, install.WithTimeouts(0, 300*time.Millisecond))
	f.publish("code-1", "w1", handlerSource{Hang: true})

	_, err := f.installer.Install(context.Background(), systemEvent("code-1"))
	require.Error(t, err)
	assert.Equal(t, wherrors.KindSpawn, wherrors.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := f.dispatcher.GetWorker("w1")
	assert.False(t, ok)
}

func TestInstallAsyncSerializesSameWorker(t *testing.T) {
	f := newFixture(t)
	f.publish("code-1", "w1", handlerSource{Patterns: map[string]string{"a": "app.**"}})
	f.publish("code-2", "w1", handlerSource{Patterns: map[string]string{"b": "app.**"}})
	f.publish("code-3", "w2", handlerSource{Patterns: map[string]string{"c": "app.**"}})

	for _, id := range []string{"code-1", "code-2", "code-3"} {
		f.installer.InstallAsync(context.Background(), systemEvent(id))
	}
	f.installer.Wait()

	require.Len(t, f.dispatcher.Workers(), 2)
	w1, ok := f.dispatcher.GetWorker("w1")
	require.True(t, ok)
	assert.True(t, w1.Alive())
	assert.Len(t, w1.Listeners(), 1)

	res := f.dispatcher.Dispatch(context.Background(), event.Reference{ID: "e", Source: "app.x"})
	assert.Len(t, res.Forwards, 2)

	attempts, err := f.history.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
}

func TestInstallAsyncKeepsArrivalOrder(t *testing.T) {
	f := newFixture(t)
	f.publish("code-1", "w1", handlerSource{Patterns: map[string]string{"old": "app.**"}})
	f.publish("code-2", "w1", handlerSource{Patterns: map[string]string{"new": "app.**"}})
	f.mu.Lock()
	f.delays["code-1"] = 300 * time.Millisecond
	f.mu.Unlock()

	f.installer.InstallAsync(context.Background(), systemEvent("code-1"))
	f.installer.InstallAsync(context.Background(), systemEvent("code-2"))
	f.installer.Wait()

	w1, ok := f.dispatcher.GetWorker("w1")
	require.True(t, ok)
	assert.True(t, w1.Alive())
	assert.Equal(t, []string{"new"}, w1.Match("app.x"))

	attempts, err := f.history.List(context.Background(), "w1", 0)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	outcomes := map[string]string{}
	for _, a := range attempts {
		outcomes[a.EventID] = a.Outcome
	}
	assert.Equal(t, map[string]string{"code-1": "skipped", "code-2": "installed"}, outcomes)
}

func TestInstallSupersededReturnsError(t *testing.T) {
	f := newFixture(t)
	f.publish("code-1", "w1", handlerSource{Patterns: map[string]string{"old": "app.**"}})
	f.publish("code-2", "w1", handlerSource{Patterns: map[string]string{"new": "app.**"}})
	f.mu.Lock()
	f.delays["code-1"] = 300 * time.Millisecond
	f.mu.Unlock()

	var (
		wg     sync.WaitGroup
		oldErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, oldErr = f.installer.Install(context.Background(), systemEvent("code-1"))
	}()
	// Let the first install take its arrival stamp.
	time.Sleep(50 * time.Millisecond)
	h, err := f.installer.Install(context.Background(), systemEvent("code-2"))
	require.NoError(t, err)
	wg.Wait()

	assert.ErrorIs(t, oldErr, install.ErrSuperseded)
	assert.Equal(t, []string{"new"}, h.Match("app.x"))
}

func TestStagerHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/w1.js":
			_, _ = w.Write([]byte("export default {}"))
		case "/noext":
			_, _ = w.Write([]byte("return {}"))
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	root := t.TempDir()
	s := install.NewStager(root, "lua")
	ref := systemEvent("code-1")

	staged, err := s.Stage(context.Background(), repository.Descriptor{ID: "w1", URL: srv.URL + "/w1.js"}, ref)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "w1", "handler.js"), staged.Entry)
	data, err := os.ReadFile(staged.Entry)
	require.NoError(t, err)
	assert.Equal(t, "export default {}", string(data))

	staged, err = s.Stage(context.Background(), repository.Descriptor{ID: "w2", URL: srv.URL + "/noext"}, ref)
	require.NoError(t, err)
	assert.Equal(t, "handler.lua", filepath.Base(staged.Entry))

	_, err = s.Stage(context.Background(), repository.Descriptor{ID: "w3", URL: srv.URL + "/missing.lua"}, ref)
	require.Error(t, err)
	assert.Equal(t, wherrors.KindStaging, wherrors.KindOf(err))
	var httpErr *wherrors.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestStagerIsIdempotent(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "worker.lua")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o644))
	s := install.NewStager(root, "")
	d := repository.Descriptor{ID: "w1", URL: src, Entry: "main.lua"}

	first, err := s.Stage(context.Background(), d, systemEvent("a"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(src, []byte("v2"), 0o644))
	second, err := s.Stage(context.Background(), d, systemEvent("b"))
	require.NoError(t, err)

	assert.Equal(t, first.Dir, second.Dir)
	data, err := os.ReadFile(second.Entry)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	boot, err := worker.ReadBootstrap(second.Bootstrap)
	require.NoError(t, err)
	assert.Equal(t, "b", boot.EventID)
	assert.Equal(t, "main.lua", boot.Entry)

	entries, err := os.ReadDir(second.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestStagerUnsupportedSource(t *testing.T) {
	s := install.NewStager(t.TempDir(), "")
	_, err := s.Stage(context.Background(), repository.Descriptor{ID: "w1", URL: "ftp://host/x.lua"}, systemEvent("a"))
	assert.Equal(t, wherrors.KindStaging, wherrors.KindOf(err))

	_, err = s.Stage(context.Background(), repository.Descriptor{ID: "w1", URL: "relative/x.lua"}, systemEvent("a"))
	assert.Equal(t, wherrors.KindStaging, wherrors.KindOf(err))
}

func TestLauncherSpec(t *testing.T) {
	l := install.Launcher{Command: []string{"lua-worker"}, Env: []string{"A=1"}, OutboxSize: 8}
	spec := l.Spec("w1", install.Staged{Dir: "/build/w1", Bootstrap: "/build/w1/bootstrap.json"})

	assert.Equal(t, "w1", spec.WorkerID)
	assert.Equal(t, "/build/w1", spec.Dir)
	assert.Equal(t, []string{worker.EnvBootstrap + "=/build/w1/bootstrap.json", "A=1"}, spec.Env)
	assert.Equal(t, 8, spec.OutboxSize)
}
