package worker

import (
	"fmt"
	"sort"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/match"
)

// Listener is one named subscription declared by a worker.
type Listener struct {
	ID      string
	Pattern match.Pattern
}

// Matches reports whether the listener's pattern matches source.
func (l Listener) Matches(source string) bool {
	return l.Pattern.Match(source)
}

// compileListeners turns a registration payload into a listener set.
// Any invalid entry rejects the whole payload.
func compileListeners(patterns map[string]string) (map[string]Listener, error) {
	out := make(map[string]Listener, len(patterns))
	for id, raw := range patterns {
		if id == "" {
			return nil, wherrors.Protocol("register", fmt.Errorf("listener with empty id (pattern %q)", raw))
		}
		p, err := match.Compile(raw)
		if err != nil {
			return nil, wherrors.Protocol("register", fmt.Errorf("listener %q: %w", id, err))
		}
		out[id] = Listener{ID: id, Pattern: p}
	}
	return out, nil
}

// matchListeners returns the sorted ids of listeners matching source.
func matchListeners(listeners map[string]Listener, source string) []string {
	var ids []string
	for id, l := range listeners {
		if l.Matches(source) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
