// Package event defines the reference carried on the bus for every event.
//
// A Reference is deliberately small: the id used to resolve handler code,
// the dot-delimited source used for matching, and a type that separates
// domain events from the reserved "system" type which triggers installation.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
)

// TypeSystem is the reserved event type that installs a worker instead of
// being dispatched.
const TypeSystem = "system"

// Reference identifies one event. It is a value type; copies are independent.
type Reference struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

// IsSystem reports whether the event triggers installation.
func (r Reference) IsSystem() bool {
	return r.Type == TypeSystem
}

// String formats the reference for logs.
func (r Reference) String() string {
	return fmt.Sprintf("%s[%s]@%s", r.Type, r.ID, r.Source)
}

// Parse decodes a bus payload into a Reference.
//
// Malformed JSON and a missing source are protocol errors. System events
// must carry the id of the worker code to resolve; domain events without an
// id are given a random one so logs can correlate them.
func Parse(data []byte) (Reference, error) {
	var ref Reference
	if err := json.Unmarshal(data, &ref); err != nil {
		return Reference{}, wherrors.Protocol("decode event", err)
	}

	ref.Source = strings.TrimSpace(ref.Source)
	if ref.Source == "" {
		return Reference{}, wherrors.Protocol("decode event", errors.New("missing source")).WithEvent(ref.ID)
	}

	if ref.ID == "" {
		if ref.IsSystem() {
			return Reference{}, wherrors.Protocol("decode event", errors.New("system event without id"))
		}
		ref.ID = uuid.NewString()
	}

	return ref, nil
}

// ParseString is Parse for decoded text payloads.
func ParseString(s string) (Reference, error) {
	return Parse([]byte(s))
}
