package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Formats accepted by Parse.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// envRef matches ${NAME} and ${NAME:-default} in a config file.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Loader builds Settings from a config file and the environment. The same
// lookup resolves ${NAME} references inside the file and the WORKERHUB_*
// overrides applied on top of it.
type Loader struct {
	lookup func(string) (string, bool)
}

// NewLoader returns a loader reading variables through lookup. A nil lookup
// uses the process environment.
func NewLoader(lookup func(string) (string, bool)) *Loader {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Loader{lookup: lookup}
}

// Load reads path (if non-empty), applies environment overrides and validates
// the result.
func Load(path string) (Settings, error) {
	return NewLoader(nil).Load(path)
}

// Load reads path (if non-empty), applies environment overrides and validates
// the result.
func (l *Loader) Load(path string) (Settings, error) {
	v := NewValues(nil)
	if path != "" {
		var err error
		if v, err = l.Read(path); err != nil {
			return Settings{}, err
		}
	}
	s := FromValues(v)
	if err := s.ApplyEnv(l.lookup); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Read parses a .yaml, .yml or .json file into Values after expanding
// ${NAME} references.
func (l *Loader) Read(path string) (Values, error) {
	format, err := formatOf(path)
	if err != nil {
		return Values{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Values{}, fmt.Errorf("read config file: %w", err)
	}
	data, err = l.expand(data)
	if err != nil {
		return Values{}, fmt.Errorf("%s: %w", path, err)
	}
	return Parse(data, format)
}

// expand substitutes ${NAME} references. A reference without a default to an
// unset variable is an error; all such names are reported together.
func (l *Loader) expand(data []byte) ([]byte, error) {
	var missing []error
	out := envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := envRef.FindSubmatch(ref)
		if val, ok := l.lookup(string(m[1])); ok {
			return []byte(val)
		}
		if strings.Contains(string(ref), ":-") {
			return m[2]
		}
		missing = append(missing, fmt.Errorf("variable %s is not set", m[1]))
		return ref
	})
	if len(missing) > 0 {
		return nil, errors.Join(missing...)
	}
	return out, nil
}

// Parse decodes a document in the given format.
func Parse(data []byte, format string) (Values, error) {
	var m map[string]any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Values{}, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &m); err != nil {
			return Values{}, fmt.Errorf("parse json: %w", err)
		}
	default:
		return Values{}, fmt.Errorf("unsupported config format: %s", format)
	}
	return NewValues(m), nil
}

func formatOf(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config file extension: %s", ext)
	}
}
