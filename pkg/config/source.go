package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrConfigParse is returned when a config file exists but cannot be parsed.
var ErrConfigParse = errors.New("malformed workflow config")

// Source is an explicitly provided workflow configuration.
type Source interface {
	load(workDir string) (map[string]any, error)
	String() string
}

// FromFile uses the config file at path. Relative paths are resolved against
// the working directory. The format follows the extension: .yaml/.yml, .toml,
// and JSON for anything else.
func FromFile(path string) Source {
	return fileSource{path: path}
}

// FromMap uses values as the config mapping.
func FromMap(values map[string]any) Source {
	return mapSource{values: values}
}

type fileSource struct {
	path string
}

func (s fileSource) String() string {
	return s.path
}

func (s fileSource) load(workDir string) (map[string]any, error) {
	p, err := expandHome(s.path)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(workDir, p)
	}
	return LoadFile(p)
}

type mapSource struct {
	values map[string]any
}

func (s mapSource) String() string {
	return "explicit mapping"
}

func (s mapSource) load(string) (map[string]any, error) {
	return maps.Clone(s.values), nil
}

// LoadFile reads and parses a config file into its raw key/value form.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow config: %w", err)
	}

	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrConfigParse, path, err)
	}
	return raw, nil
}
