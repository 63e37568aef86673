// ABOUTME: Tests for MCP result and listing conversion helpers.
package toolcall

import (
	"reflect"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestTextFromContent(t *testing.T) {
	tests := []struct {
		name    string
		content []mcp.Content
		want    string
	}{
		{
			name:    "single text block",
			content: []mcp.Content{&mcp.TextContent{Text: "hello"}},
			want:    "hello",
		},
		{
			name: "multiple blocks joined",
			content: []mcp.Content{
				&mcp.TextContent{Text: "first"},
				&mcp.TextContent{Text: "second"},
			},
			want: "first\nsecond",
		},
		{
			name: "non-text skipped",
			content: []mcp.Content{
				&mcp.TextContent{Text: "caption"},
				&mcp.ImageContent{Data: []byte("png"), MIMEType: "image/png"},
			},
			want: "caption",
		},
		{
			name:    "empty",
			content: nil,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := textFromContent(tt.content); got != tt.want {
				t.Errorf("textFromContent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCallText(t *testing.T) {
	res := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "42 results"}},
	}
	out, err := callText("search", "web_search", res)
	if err != nil {
		t.Fatalf("callText: %v", err)
	}
	if out != "42 results" {
		t.Errorf("out = %q", out)
	}
}

func TestCallText_ErrorResult(t *testing.T) {
	res := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "quota exceeded"}},
		IsError: true,
	}
	_, err := callText("search", "web_search", res)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"search", "web_search", "quota exceeded"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err = %v, want substring %q", err, want)
		}
	}
}

func TestCallText_ErrorWithoutText(t *testing.T) {
	_, err := callText("fs", "read_file", &mcp.CallToolResult{IsError: true})
	if err == nil || !strings.Contains(err.Error(), "tool reported an error") {
		t.Errorf("err = %v", err)
	}
}

func TestToolDefs(t *testing.T) {
	defs := toolDefs("search", []*mcp.Tool{
		{Name: "web_search", Description: "Search the web"},
		nil,
		{Name: "fetch_page"},
	})
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	if defs[0].Server != "search" || defs[0].Name != "web_search" || defs[0].Description != "Search the web" {
		t.Errorf("defs[0] = %+v", defs[0])
	}
	if defs[1].InputSchema != nil {
		t.Errorf("nil schema should stay nil, got %v", defs[1].InputSchema)
	}
}

func TestSchemaToMap(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
		},
	}
	got := schemaToMap(schema)
	if got["type"] != "object" {
		t.Errorf("type = %v", got["type"])
	}
	props, ok := got["properties"].(map[string]any)
	if !ok || props["query"] == nil {
		t.Errorf("properties = %v", got["properties"])
	}

	if schemaToMap(nil) != nil {
		t.Error("nil schema should map to nil")
	}
	if schemaToMap(func() {}) != nil {
		t.Error("unrenderable schema should map to nil")
	}
}

func TestEnvList(t *testing.T) {
	got := envList(map[string]string{
		"ZED":     "last",
		"API_KEY": "sk-test",
	})
	want := []string{"API_KEY=sk-test", "ZED=last"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("envList = %v, want %v", got, want)
	}

	if pairs := envList(nil); len(pairs) != 0 {
		t.Errorf("envList(nil) = %v, want empty", pairs)
	}
}
