package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
	"github.com/randalmurphal/workerhub/pkg/workerhub/protocol"
)

// BootstrapFile is the name of the generated launcher manifest inside a
// worker's build directory.
const BootstrapFile = "bootstrap.json"

// Bootstrap is the manifest written next to the staged handler source. A
// worker process reads it to learn its id and entry point.
type Bootstrap struct {
	ID        string    `json:"id"`
	Entry     string    `json:"entry"`
	EventID   string    `json:"eventId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// EntryPath resolves the entry point relative to the bootstrap directory.
func (b Bootstrap) EntryPath(dir string) string {
	if filepath.IsAbs(b.Entry) {
		return b.Entry
	}
	return filepath.Join(dir, b.Entry)
}

// ReadBootstrap loads a bootstrap manifest.
func ReadBootstrap(path string) (Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("read bootstrap: %w", err)
	}
	var b Bootstrap
	if err := json.Unmarshal(data, &b); err != nil {
		return Bootstrap{}, fmt.Errorf("parse bootstrap %s: %w", path, err)
	}
	if b.ID == "" || b.Entry == "" {
		return Bootstrap{}, fmt.Errorf("bootstrap %s: id and entry are required", path)
	}
	return b, nil
}

// BootstrapFromEnv loads the manifest named by WORKERHUB_BOOTSTRAP.
func BootstrapFromEnv() (Bootstrap, string, error) {
	path := os.Getenv(EnvBootstrap)
	if path == "" {
		return Bootstrap{}, "", fmt.Errorf("%s is not set", EnvBootstrap)
	}
	b, err := ReadBootstrap(path)
	return b, filepath.Dir(path), err
}

// Runtime is the worker-side implementation of the protocol.
type Runtime interface {
	// Setup runs once when the orchestrator sends "run" and returns the
	// listener patterns to register, keyed by listener id.
	Setup(ctx context.Context) (map[string]string, error)

	// HandleEvent processes one forwarded event.
	HandleEvent(ctx context.Context, evt event.Reference, matched []string) error
}

// Serve runs rt against the orchestrator connected through in and out
// (normally os.Stdin and os.Stdout). It returns nil when in is closed.
// Handler errors are reported back as log messages and do not stop Serve.
func Serve(ctx context.Context, id string, in io.Reader, out io.Writer, rt Runtime) error {
	dec := protocol.NewDecoder(in)
	enc := protocol.NewEncoder(out)

	logf := func(level, format string, args ...any) {
		_ = enc.Encode(protocol.Message{Action: protocol.ActionLog, Level: level, Message: fmt.Sprintf(format, args...)})
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := dec.Decode()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case wherrors.KindOf(err) == wherrors.KindProtocol:
			logf("warn", "dropped message: %v", err)
			continue
		case err != nil:
			return err
		}

		switch msg.Action {
		case protocol.ActionRun:
			patterns, err := rt.Setup(ctx)
			if err != nil {
				return fmt.Errorf("setup worker %s: %w", id, err)
			}
			if err := enc.Encode(protocol.Register(id, patterns)); err != nil {
				return err
			}
		case protocol.ActionHandleEvent:
			if err := rt.HandleEvent(ctx, *msg.Event, msg.MatchedListenerIDs); err != nil {
				logf("error", "event %s: %v", msg.Event.ID, err)
			}
		default:
			logf("warn", "unexpected action %q", msg.Action)
		}
	}
}
