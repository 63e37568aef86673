// ABOUTME: Bridges external tool servers into a mux tool registry for delegated agent steps.
// ABOUTME: Also provides the record_note and publish_result tools that capture the delegate's output.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/2389-research/mux/tool"
)

// ToolDef describes one invokable tool on a configured tool server.
type ToolDef struct {
	Server      string
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolInvoker surfaces external tool servers to delegated agent steps. The
// toolcall package implements it over MCP stdio servers; tests use
// closure-backed fakes. Tools lists the tools offered by the named servers;
// Call invokes one and returns its text output.
type ToolInvoker interface {
	Tools(ctx context.Context, servers []string) ([]ToolDef, error)
	Call(ctx context.Context, server, name string, args map[string]any) (string, error)
}

// qualifiedName joins a server id and tool name into the registry name the
// model sees. The double underscore keeps the pair reversible for servers
// whose ids contain single underscores.
func qualifiedName(server, name string) string {
	return server + "__" + name
}

// noteRecorder collects what a delegated agent produces: progress notes from
// record_note and the final result from publish_result. Safe for concurrent
// tool calls.
type noteRecorder struct {
	mu        sync.Mutex
	notes     []string
	result    string
	published bool
}

func (r *noteRecorder) addNote(note string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
}

// setResult records the published result. A second publish overwrites the
// first so the agent can correct itself before finishing.
func (r *noteRecorder) setResult(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = result
	r.published = true
}

func (r *noteRecorder) hasResult() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published
}

// output composes the step output: the published result, then the collected
// notes as a trailing section. An agent that never published still surfaces
// its notes rather than losing the work.
func (r *noteRecorder) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	if r.published {
		b.WriteString(strings.TrimSpace(r.result))
	} else {
		b.WriteString("(delegated agent finished without publishing a result)")
	}
	if len(r.notes) > 0 {
		b.WriteString("\n\n## Subagent notes\n")
		for _, n := range r.notes {
			b.WriteString("- ")
			b.WriteString(n)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// recordNoteTool lets a delegated agent leave progress notes that are
// appended to the step output.
type recordNoteTool struct {
	recorder *noteRecorder
}

func (t *recordNoteTool) Name() string {
	return "record_note"
}

func (t *recordNoteTool) Description() string {
	return "Record a short progress note about what you did or found. Notes are kept with the step output."
}

func (t *recordNoteTool) RequiresApproval(_ map[string]any) bool {
	return false
}

func (t *recordNoteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"note": map[string]any{
				"type":        "string",
				"description": "A one-to-two sentence progress note.",
			},
		},
		"required": []any{"note"},
	}
}

func (t *recordNoteTool) Execute(_ context.Context, params map[string]any) (*tool.Result, error) {
	noteRaw, ok := params["note"]
	if !ok {
		return nil, fmt.Errorf("missing 'note' parameter")
	}
	note, ok := noteRaw.(string)
	if !ok {
		return nil, fmt.Errorf("'note' parameter must be a string")
	}

	t.recorder.addNote(note)
	return tool.NewResult("record_note", true, "Note recorded", ""), nil
}

// publishResultTool captures the delegated agent's final result text. The
// caller treats the published text as the step output.
type publishResultTool struct {
	recorder *noteRecorder
}

func (t *publishResultTool) Name() string {
	return "publish_result"
}

func (t *publishResultTool) Description() string {
	return "Publish the final result text for this step. Call this last, once, with the complete output."
}

func (t *publishResultTool) RequiresApproval(_ map[string]any) bool {
	return false
}

func (t *publishResultTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"result": map[string]any{
				"type":        "string",
				"description": "The complete output text for this step.",
			},
		},
		"required": []any{"result"},
	}
}

func (t *publishResultTool) Execute(_ context.Context, params map[string]any) (*tool.Result, error) {
	resultRaw, ok := params["result"]
	if !ok {
		return nil, fmt.Errorf("missing 'result' parameter")
	}
	result, ok := resultRaw.(string)
	if !ok {
		return nil, fmt.Errorf("'result' parameter must be a string")
	}

	t.recorder.setResult(result)
	return tool.NewResult("publish_result", true, "Result published", ""), nil
}

// bridgedTool adapts one external tool into the mux tool interface. Execution
// failures are returned as failed results so the agent sees the error text
// and can adapt instead of aborting its loop.
type bridgedTool struct {
	def     ToolDef
	invoker ToolInvoker
}

func (t *bridgedTool) Name() string {
	return qualifiedName(t.def.Server, t.def.Name)
}

func (t *bridgedTool) Description() string {
	return fmt.Sprintf("[%s] %s", t.def.Server, t.def.Description)
}

func (t *bridgedTool) RequiresApproval(_ map[string]any) bool {
	return false
}

func (t *bridgedTool) InputSchema() map[string]any {
	if t.def.InputSchema != nil {
		return t.def.InputSchema
	}
	return map[string]any{"type": "object"}
}

func (t *bridgedTool) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	out, err := t.invoker.Call(ctx, t.def.Server, t.def.Name, params)
	if err != nil {
		return tool.NewResult(t.Name(), false, err.Error(), ""), nil
	}
	return tool.NewResult(t.Name(), true, "ok", out), nil
}

// buildDelegateRegistry creates the tool registry for one delegated step:
// the two capture tools plus a bridged tool per external tool definition.
func buildDelegateRegistry(rec *noteRecorder, defs []ToolDef, invoker ToolInvoker) *tool.Registry {
	registry := tool.NewRegistry()

	registry.Register(&recordNoteTool{recorder: rec})
	registry.Register(&publishResultTool{recorder: rec})

	for _, def := range defs {
		registry.Register(&bridgedTool{def: def, invoker: invoker})
	}

	return registry
}
