// ABOUTME: YAML loading for pipeline definitions from files and raw bytes.
// ABOUTME: Parsed pipelines are normalized (defaults filled) but not yet validated.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a pipeline definition from YAML bytes and normalizes it.
// Unknown fields are rejected so typos in definitions surface early.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition: %w", err)
	}
	p.Normalize()
	if p.ID == "" {
		return nil, fmt.Errorf("pipeline definition has no id")
	}
	return &p, nil
}

// Load reads and parses a pipeline definition file. When the definition has
// no id, the file's base name (without extension) is used.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline file: %w", err)
	}

	var p Pipeline
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(p.ID) == "" {
		base := filepath.Base(path)
		p.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	p.Normalize()
	return &p, nil
}

// Marshal serializes a pipeline back to YAML, for storage in the catalog.
func Marshal(p *Pipeline) ([]byte, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling pipeline %s: %w", p.ID, err)
	}
	return data, nil
}
