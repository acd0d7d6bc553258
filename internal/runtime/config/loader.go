package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
)

// FromFile loads a Store from a file, choosing the format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Store.
func FromYAML(data []byte) (*Store, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return NewStore(m), nil
}

// FromJSON parses JSON data into a Store.
func FromJSON(data []byte) (*Store, error) {
	var m map[string]any
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return NewStore(m), nil
}
