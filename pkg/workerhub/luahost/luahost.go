// Package luahost runs Lua handlers as workers.
//
// A handler script defines a global setup function that receives an events
// table and subscribes to sources:
//
//	function setup(events)
//	  events.on("app.code.**", function(evt)
//	    log.info("got " .. evt.id .. " from " .. evt.source)
//	  end)
//	end
//
// events.on(pattern, fn [, id]) returns the listener id; ids default to
// l1, l2, ... in call order. Scripts run with the base, table, string and
// math libraries only.
package luahost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
	"github.com/randalmurphal/workerhub/pkg/workerhub/match"
)

// SetupFunc is the global a handler script must define.
const SetupFunc = "setup"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("lua runtime closed")

// Runtime implements worker.Runtime for a Lua script.
// gopher-lua states are single-threaded; calls are serialized.
type Runtime struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	L        *lua.LState
	handlers map[string]*lua.LFunction
	patterns map[string]string
	closed   bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger backing the script's log table.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// New creates a runtime for the script at path. The script is loaded by Setup.
func New(path string, opts ...Option) *Runtime {
	r := &Runtime{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Setup loads the script, calls its setup function and returns the
// registered listener patterns keyed by id. Calling Setup again reloads the
// script from scratch.
func (r *Runtime) Setup(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.L != nil {
		r.L.Close()
	}

	r.L = newState(r.logger)
	r.handlers = map[string]*lua.LFunction{}
	r.patterns = map[string]string{}

	r.L.SetContext(ctx)
	defer r.L.RemoveContext()

	if err := protect(func() error { return r.L.DoFile(r.path) }); err != nil {
		return nil, fmt.Errorf("load %s: %w", r.path, err)
	}

	fn, ok := r.L.GetGlobal(SetupFunc).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%s: global %q is not a function", r.path, SetupFunc)
	}

	events := r.L.NewTable()
	r.L.SetField(events, "on", r.L.NewFunction(r.on))

	err := protect(func() error {
		return r.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, events)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", SetupFunc, err)
	}

	out := make(map[string]string, len(r.patterns))
	for id, p := range r.patterns {
		out[id] = p
	}
	return out, nil
}

// on implements events.on(pattern, fn [, id]).
func (r *Runtime) on(L *lua.LState) int {
	pattern := L.CheckString(1)
	fn := L.CheckFunction(2)
	id := L.OptString(3, "")

	if _, err := match.Compile(pattern); err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	if id == "" {
		id = fmt.Sprintf("l%d", len(r.patterns)+1)
	}
	if _, dup := r.patterns[id]; dup {
		L.ArgError(3, fmt.Sprintf("duplicate listener id %q", id))
		return 0
	}

	r.patterns[id] = pattern
	r.handlers[id] = fn
	L.Push(lua.LString(id))
	return 1
}

// HandleEvent calls the handler of every matched listener with an event table
// {id, source, type}. All handlers run; their errors are joined.
func (r *Runtime) HandleEvent(ctx context.Context, evt event.Reference, matched []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.L == nil {
		return errors.New("lua runtime not set up")
	}

	r.L.SetContext(ctx)
	defer r.L.RemoveContext()

	var errs []error
	for _, id := range matched {
		fn, ok := r.handlers[id]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown listener %q", id))
			continue
		}
		tbl := eventTable(r.L, evt, id)
		err := protect(func() error {
			return r.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, tbl)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("listener %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the Lua state.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.L != nil {
		r.L.Close()
	}
}

func eventTable(L *lua.LState, evt event.Reference, listenerID string) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("id", lua.LString(evt.ID))
	tbl.RawSetString("source", lua.LString(evt.Source))
	tbl.RawSetString("type", lua.LString(evt.Type))
	tbl.RawSetString("listener", lua.LString(listenerID))
	return tbl
}

func protect(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("lua panic: %v", rec)
		}
	}()
	return fn()
}
