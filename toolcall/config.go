// ABOUTME: YAML configuration for external tool servers reachable over MCP stdio.
// ABOUTME: Listed servers are enabled unless marked enabled: false.
package toolcall

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig describes one MCP tool server launched as a subprocess.
type ServerConfig struct {
	ID      string            `yaml:"id"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Enabled *bool             `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the server may be used. Servers are enabled by
// default; only an explicit enabled: false turns one off.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Config is the full tool server configuration file.
type Config struct {
	Servers []ServerConfig `yaml:"servers"`
}

// ParseConfig decodes a tool server configuration from YAML bytes. Unknown
// fields are rejected so typos in server entries surface early.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parsing tool server config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadConfig reads and parses a tool server configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tool server config: %w", err)
	}
	c, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return c, nil
}

// Validate checks structural requirements: every server needs an id and a
// command, and ids must be unique.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("server %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("server %s has no command", s.ID)
		}
	}
	return nil
}

// Server looks up a server entry by id. Safe on a nil config.
func (c *Config) Server(id string) (ServerConfig, bool) {
	if c == nil {
		return ServerConfig{}, false
	}
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}
