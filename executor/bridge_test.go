// ABOUTME: Tests for the delegate tool bridge: note recorder composition, capture tools, bridged tools.
// ABOUTME: Validates the registry the delegated agent sees and what flows back into the step output.
package executor

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func TestNoteRecorderOutput(t *testing.T) {
	t.Run("published with notes", func(t *testing.T) {
		rec := &noteRecorder{}
		rec.addNote("first look")
		rec.setResult("  the result\n")
		rec.addNote("second look")

		want := "the result\n\n## Subagent notes\n- first look\n- second look"
		if got := rec.output(); got != want {
			t.Errorf("output = %q, want %q", got, want)
		}
	})

	t.Run("published without notes", func(t *testing.T) {
		rec := &noteRecorder{}
		rec.setResult("just the result")
		if got := rec.output(); got != "just the result" {
			t.Errorf("output = %q", got)
		}
	})

	t.Run("unpublished keeps notes", func(t *testing.T) {
		rec := &noteRecorder{}
		rec.addNote("got partway")
		want := "(delegated agent finished without publishing a result)\n\n## Subagent notes\n- got partway"
		if got := rec.output(); got != want {
			t.Errorf("output = %q, want %q", got, want)
		}
	})

	t.Run("unpublished without notes", func(t *testing.T) {
		rec := &noteRecorder{}
		if got := rec.output(); got != "(delegated agent finished without publishing a result)" {
			t.Errorf("output = %q", got)
		}
	})

	t.Run("second publish overwrites", func(t *testing.T) {
		rec := &noteRecorder{}
		rec.setResult("draft")
		rec.setResult("corrected")
		if got := rec.output(); got != "corrected" {
			t.Errorf("output = %q", got)
		}
	})
}

func TestRecordNoteTool(t *testing.T) {
	rec := &noteRecorder{}
	nt := &recordNoteTool{recorder: rec}

	if nt.Name() != "record_note" {
		t.Errorf("Name = %q", nt.Name())
	}
	if nt.RequiresApproval(nil) {
		t.Error("record_note should not require approval")
	}
	if nt.InputSchema()["type"] != "object" {
		t.Errorf("schema type = %v", nt.InputSchema()["type"])
	}

	res, err := nt.Execute(context.Background(), map[string]any{"note": "checked the inputs"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res == nil {
		t.Fatal("nil result")
	}
	if len(rec.notes) != 1 || rec.notes[0] != "checked the inputs" {
		t.Errorf("notes = %v", rec.notes)
	}

	if _, err := nt.Execute(context.Background(), map[string]any{}); err == nil {
		t.Error("expected error for missing note")
	}
	if _, err := nt.Execute(context.Background(), map[string]any{"note": 7}); err == nil {
		t.Error("expected error for non-string note")
	}
}

func TestPublishResultTool(t *testing.T) {
	rec := &noteRecorder{}
	pt := &publishResultTool{recorder: rec}

	if pt.Name() != "publish_result" {
		t.Errorf("Name = %q", pt.Name())
	}

	res, err := pt.Execute(context.Background(), map[string]any{"result": "the deliverable"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res == nil {
		t.Fatal("nil result")
	}
	if !rec.hasResult() {
		t.Error("result not recorded")
	}
	if rec.output() != "the deliverable" {
		t.Errorf("output = %q", rec.output())
	}

	if _, err := pt.Execute(context.Background(), map[string]any{}); err == nil {
		t.Error("expected error for missing result")
	}
	if _, err := pt.Execute(context.Background(), map[string]any{"result": true}); err == nil {
		t.Error("expected error for non-string result")
	}
}

func TestBridgedTool(t *testing.T) {
	inv := &fakeToolInvoker{
		callFn: func(server, name string, args map[string]any) (string, error) {
			return "tool says hi", nil
		},
	}
	bt := &bridgedTool{
		def: ToolDef{
			Server:      "search",
			Name:        "web_search",
			Description: "Search the web",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{"q": map[string]any{"type": "string"}}},
		},
		invoker: inv,
	}

	if bt.Name() != "search__web_search" {
		t.Errorf("Name = %q", bt.Name())
	}
	if bt.Description() != "[search] Search the web" {
		t.Errorf("Description = %q", bt.Description())
	}
	if bt.RequiresApproval(nil) {
		t.Error("bridged tools should not require approval")
	}
	if _, ok := bt.InputSchema()["properties"]; !ok {
		t.Errorf("schema not passed through: %v", bt.InputSchema())
	}

	res, err := bt.Execute(context.Background(), map[string]any{"q": "drover"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res == nil {
		t.Fatal("nil result")
	}
	if len(inv.callLog) != 1 || inv.callLog[0] != "search/web_search" {
		t.Errorf("invoker calls = %v", inv.callLog)
	}
}

func TestBridgedTool_SchemaFallback(t *testing.T) {
	bt := &bridgedTool{def: ToolDef{Server: "s", Name: "t"}, invoker: &fakeToolInvoker{}}
	schema := bt.InputSchema()
	if schema["type"] != "object" {
		t.Errorf("fallback schema = %v", schema)
	}
}

func TestBridgedTool_InvokerErrorBecomesFailedResult(t *testing.T) {
	inv := &fakeToolInvoker{
		callFn: func(string, string, map[string]any) (string, error) {
			return "", errors.New("server exited")
		},
	}
	bt := &bridgedTool{def: ToolDef{Server: "fs", Name: "read_file"}, invoker: inv}

	res, err := bt.Execute(context.Background(), map[string]any{"path": "x"})
	if err != nil {
		t.Fatalf("Execute returned error %v; failures should surface as failed results", err)
	}
	if res == nil {
		t.Fatal("nil result")
	}
}

func TestBuildDelegateRegistry(t *testing.T) {
	rec := &noteRecorder{}
	inv := &fakeToolInvoker{}
	defs := []ToolDef{
		{Server: "search", Name: "web_search"},
		{Server: "fs", Name: "read_file"},
	}

	registry := buildDelegateRegistry(rec, defs, inv)

	if registry.Count() != 4 {
		t.Fatalf("count = %d, want 4", registry.Count())
	}

	names := registry.List()
	sort.Strings(names)
	want := []string{"fs__read_file", "publish_result", "record_note", "search__web_search"}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("names[%d] = %q, want %q", i, names[i], name)
		}
	}

	for _, name := range want {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("tool %q not retrievable", name)
		}
	}
}
