// ABOUTME: MCP stdio transport: dials tool server subprocesses and adapts their
// ABOUTME: tool listings and call results to the executor's tool types.
package toolcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389-research/drover/executor"
)

// dialServer starts the server subprocess and performs the MCP handshake over
// its stdin/stdout.
func dialServer(ctx context.Context, cfg ServerConfig) (toolSession, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(cfg.Env)...)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "drover", Version: "0.1.0"}, nil)
	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return &mcpSession{id: cfg.ID, session: session}, nil
}

// envList flattens an env map into KEY=VALUE pairs, sorted for stable
// subprocess environments.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

// mcpSession adapts an MCP client session to the invoker's toolSession.
type mcpSession struct {
	id      string
	session *mcp.ClientSession
}

func (s *mcpSession) ListTools(ctx context.Context) ([]executor.ToolDef, error) {
	var defs []executor.ToolDef
	params := &mcp.ListToolsParams{}
	for {
		res, err := s.session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("server %s: listing tools: %w", s.id, err)
		}
		defs = append(defs, toolDefs(s.id, res.Tools)...)
		if res.NextCursor == "" {
			return defs, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func (s *mcpSession) CallTool(ctx context.Context, tool string, args map[string]any) (string, error) {
	res, err := s.session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("server %s tool %s: %w", s.id, tool, err)
	}
	return callText(s.id, tool, res)
}

func (s *mcpSession) Close() error {
	return s.session.Close()
}

// toolDefs converts an MCP tool listing into the executor's tool definitions,
// stamped with the server id they came from.
func toolDefs(server string, tools []*mcp.Tool) []executor.ToolDef {
	defs := make([]executor.ToolDef, 0, len(tools))
	for _, t := range tools {
		if t == nil {
			continue
		}
		defs = append(defs, executor.ToolDef{
			Server:      server,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	return defs
}

// schemaToMap renders a tool's input schema as a plain map by round-tripping
// it through JSON. Returns nil when the schema is absent or unrenderable.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		log.Printf("component=toolcall action=bad_tool_schema err=%v", err)
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("component=toolcall action=bad_tool_schema err=%v", err)
		return nil
	}
	return m
}

// callText extracts the concatenated text content of a tool result. A result
// flagged IsError becomes a Go error carrying that text.
func callText(server, tool string, res *mcp.CallToolResult) (string, error) {
	text := textFromContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fmt.Errorf("server %s tool %s: %s", server, tool, text)
	}
	return text, nil
}

// textFromContent joins the text blocks of a tool result. Non-text content
// (images, resources) is skipped; steps that need it should write artifacts
// to run storage instead.
func textFromContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
