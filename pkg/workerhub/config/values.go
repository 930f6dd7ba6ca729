// Package config loads workerhub settings from YAML or JSON files and
// WORKERHUB_* environment variables.
//
// Files are parsed into a Values tree whose accessors never fail: a missing
// key or a value of the wrong type yields the supplied default. Settings is
// the typed view the rest of the module consumes.
package config

import (
	"strconv"
	"time"
)

// Values wraps a parsed document for lenient typed access.
type Values struct {
	data map[string]any
}

// NewValues wraps data. A nil map behaves as empty.
func NewValues(data map[string]any) Values {
	if data == nil {
		data = make(map[string]any)
	}
	return Values{data: data}
}

// Has reports whether key is present.
func (v Values) Has(key string) bool {
	_, ok := v.data[key]
	return ok
}

// Section returns the nested mapping under key, or empty Values.
func (v Values) Section(key string) Values {
	switch m := v.data[key].(type) {
	case map[string]any:
		return NewValues(m)
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if s, ok := k.(string); ok {
				out[s] = val
			}
		}
		return NewValues(out)
	}
	return NewValues(nil)
}

// Keys returns the keys at this level.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v.data))
	for k := range v.data {
		keys = append(keys, k)
	}
	return keys
}

// String returns the string under key. Numbers are formatted.
func (v Values) String(key, def string) string {
	switch val := v.data[key].(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return def
}

// Duration returns the duration under key. Strings are parsed with
// time.ParseDuration; bare numbers are seconds.
func (v Values) Duration(key string, def time.Duration) time.Duration {
	switch val := v.data[key].(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case float64:
		return time.Duration(val * float64(time.Second))
	}
	return def
}

// Bool returns the boolean under key.
func (v Values) Bool(key string, def bool) bool {
	if b, ok := v.data[key].(bool); ok {
		return b
	}
	return def
}

// Int returns the integer under key. Floats with a fractional part are rejected.
func (v Values) Int(key string, def int) int {
	switch val := v.data[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return def
}

// StringSlice returns the string list under key. A single string is
// treated as a one-element list.
func (v Values) StringSlice(key string, def []string) []string {
	switch val := v.data[key].(type) {
	case []string:
		return val
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return def
			}
			out = append(out, s)
		}
		return out
	}
	return def
}
