// ABOUTME: Tests for tool server configuration parsing and validation.
package toolcall

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
servers:
  - id: search
    command: websearch-mcp
    args: ["--region", "us"]
    env:
      SEARCH_API_KEY: sk-test
  - id: fs
    command: /usr/local/bin/fs-mcp
    enabled: false
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(cfg.Servers))
	}

	search := cfg.Servers[0]
	if search.ID != "search" || search.Command != "websearch-mcp" {
		t.Errorf("search server = %+v", search)
	}
	if len(search.Args) != 2 || search.Args[1] != "us" {
		t.Errorf("search args = %v", search.Args)
	}
	if search.Env["SEARCH_API_KEY"] != "sk-test" {
		t.Errorf("search env = %v", search.Env)
	}
	if !search.IsEnabled() {
		t.Error("search should be enabled by default")
	}

	fs := cfg.Servers[1]
	if fs.IsEnabled() {
		t.Error("fs should be disabled")
	}
}

func TestParseConfig_UnknownField(t *testing.T) {
	_, err := ParseConfig([]byte("servers:\n  - id: a\n    command: b\n    comand: typo\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing id",
			yaml: "servers:\n  - command: b\n",
			want: "has no id",
		},
		{
			name: "missing command",
			yaml: "servers:\n  - id: a\n",
			want: "has no command",
		},
		{
			name: "duplicate id",
			yaml: "servers:\n  - id: a\n    command: b\n  - id: a\n    command: c\n",
			want: "duplicate server id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Servers) != 2 {
		t.Errorf("servers = %d, want 2", len(cfg.Servers))
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfigServer(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	s, ok := cfg.Server("fs")
	if !ok || s.Command != "/usr/local/bin/fs-mcp" {
		t.Errorf("Server(fs) = %+v, %v", s, ok)
	}
	if _, ok := cfg.Server("nope"); ok {
		t.Error("Server(nope) should not be found")
	}

	var nilCfg *Config
	if _, ok := nilCfg.Server("search"); ok {
		t.Error("nil config should have no servers")
	}
}
