// Package protocol defines the messages exchanged with worker processes.
//
// Messages are JSON objects, one per line. The orchestrator writes to the
// worker's stdin and reads from its stdout; stderr is free-form diagnostics.
//
//	-> {"action":"run"}
//	<- {"action":"register","id":"w1","listenerPatterns":{"l1":"app.**"}}
//	-> {"action":"handle_event","event":{...},"matchedListenerIds":["l1"]}
//
// Termination is an OS signal, not a message.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
)

// Action names.
const (
	ActionRun         = "run"
	ActionRegister    = "register"
	ActionHandleEvent = "handle_event"
	ActionLog         = "log"
)

// MaxLineSize bounds a single encoded message.
const MaxLineSize = 1 << 20

// Message is the union of all protocol messages. Fields irrelevant to an
// action are omitted on the wire.
type Message struct {
	Action string `json:"action"`

	// register
	ID               string            `json:"id,omitempty"`
	ListenerPatterns map[string]string `json:"listenerPatterns,omitempty"`

	// handle_event
	Event              *event.Reference `json:"event,omitempty"`
	MatchedListenerIDs []string         `json:"matchedListenerIds,omitempty"`

	// log
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

// Run builds the message that starts a worker.
func Run() Message {
	return Message{Action: ActionRun}
}

// Register builds a worker's registration message.
func Register(id string, patterns map[string]string) Message {
	return Message{Action: ActionRegister, ID: id, ListenerPatterns: patterns}
}

// HandleEvent builds the message forwarding an event to a worker.
func HandleEvent(evt event.Reference, matched []string) Message {
	return Message{Action: ActionHandleEvent, Event: &evt, MatchedListenerIDs: matched}
}

// MarshalJSON implements json.Marshaler. A register message always carries
// listenerPatterns, even when the worker declares no listeners.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	if m.Action != ActionRegister {
		return json.Marshal(alias(m))
	}

	patterns := m.ListenerPatterns
	if patterns == nil {
		patterns = map[string]string{}
	}
	return json.Marshal(struct {
		alias
		ListenerPatterns map[string]string `json:"listenerPatterns"`
	}{alias(m), patterns})
}

// Validate checks that the fields required by the action are present.
func (m Message) Validate() error {
	switch m.Action {
	case ActionRun, ActionLog:
		return nil
	case ActionRegister:
		if m.ListenerPatterns == nil {
			return errors.New("register without listenerPatterns")
		}
		return nil
	case ActionHandleEvent:
		if m.Event == nil {
			return errors.New("handle_event without event")
		}
		return nil
	case "":
		return errors.New("missing action")
	default:
		return fmt.Errorf("unknown action %q", m.Action)
	}
}

// Encoder writes messages as JSON lines. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message followed by a newline.
func (e *Encoder) Encode(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return wherrors.Protocol("encode", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return wherrors.Transport("write message", err)
	}
	return nil
}

// Decoder reads JSON-line messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Decoder{scanner: scanner}
}

// Decode returns the next message. A malformed line yields a protocol error
// and the decoder stays positioned after it, so callers may keep reading.
// io.EOF is returned when the stream ends.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return Message{}, wherrors.Protocol("decode message", err)
		}
		if err := m.Validate(); err != nil {
			return Message{}, wherrors.Protocol("decode message", err)
		}
		return m, nil
	}

	if err := d.scanner.Err(); err != nil {
		return Message{}, wherrors.Transport("read message", err)
	}
	return Message{}, io.EOF
}
