package tool

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// fileEntry is the YAML shape of a tool in a registry file. The schema is
// written inline as YAML and stored as JSON.
type fileEntry struct {
	Tool       `yaml:",inline"`
	ArgsSchema map[string]any `yaml:"args_schema,omitempty"`
	Enabled    *bool          `yaml:"enabled,omitempty"`
}

type registryFile struct {
	Tools []fileEntry `yaml:"tools"`
}

// ParseRegistryFile decodes a YAML tool registry. Tools default to enabled.
func ParseRegistryFile(data []byte) ([]Tool, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tool registry: %w", err)
	}
	if len(f.Tools) == 0 {
		return nil, errors.New("tool registry defines no tools")
	}

	tools := make([]Tool, 0, len(f.Tools))
	seen := make(map[string]bool, len(f.Tools))
	for i := range f.Tools {
		e := &f.Tools[i]
		t := e.Tool
		t.Enabled = e.Enabled == nil || *e.Enabled
		if len(e.ArgsSchema) > 0 {
			raw, err := json.Marshal(e.ArgsSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %s: encode args_schema: %w", t.ID, err)
			}
			t.ArgsSchema = raw
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("tool #%d: %w", i, err)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("tool %s: duplicate id", t.ID)
		}
		seen[t.ID] = true
		tools = append(tools, t)
	}
	return tools, nil
}
