// ABOUTME: Tests for DOT serialization of pipeline graphs and status overlays.
package render

import (
	"context"
	"strings"
	"testing"

	"github.com/2389-research/drover/conductor"
	"github.com/2389-research/drover/pipeline"
)

func dotPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		ID:   "research",
		Name: "Research",
		Steps: []pipeline.Step{
			{ID: "gather", Name: "Gather Evidence", Role: pipeline.RoleExecutor},
			{ID: "review", Role: pipeline.RoleReview},
			{ID: "write_up", Role: pipeline.RoleExecutor},
		},
		Links: []pipeline.Link{
			{From: "gather", To: "review", Condition: pipeline.Always},
			{From: "review", To: "write_up", Condition: pipeline.OnPass},
			{From: "review", To: "gather", Condition: pipeline.OnFail},
		},
	}
}

func TestPipelineDOT(t *testing.T) {
	dot := PipelineDOT(dotPipeline())

	for _, want := range []string{
		"digraph research {",
		`rankdir="LR"`,
		`gather [label="Gather Evidence\n[executor]"]`,
		`review [label="review\n[review]"]`,
		"gather -> review\n",
		`review -> write_up [label="on_pass"]`,
		`review -> gather [label="on_fail"]`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT missing %q:\n%s", want, dot)
		}
	}
	if strings.Contains(dot, "fillcolor") {
		t.Error("plain pipeline graph should carry no status colors")
	}
}

func TestPipelineDOT_QuotesUnsafeIDs(t *testing.T) {
	p := &pipeline.Pipeline{
		ID:    "my-pipeline",
		Steps: []pipeline.Step{{ID: "first step", Role: pipeline.RoleExecutor}},
	}
	dot := PipelineDOT(p)
	if !strings.Contains(dot, `digraph "my-pipeline" {`) {
		t.Errorf("graph id not quoted:\n%s", dot)
	}
	if !strings.Contains(dot, `"first step"`) {
		t.Errorf("step id not quoted:\n%s", dot)
	}
}

func TestRunDOT_StatusColors(t *testing.T) {
	run := conductor.Run{
		ID: "run-1",
		Steps: []conductor.StepRun{
			{StepID: "gather", Status: conductor.StepCompleted},
			{StepID: "review", Status: conductor.StepRunning},
		},
	}
	dot := RunDOT(dotPipeline(), run)

	checks := map[string]string{
		"gather":   StatusColorCompleted,
		"review":   StatusColorRunning,
		"write_up": StatusColorPending,
	}
	for id, color := range checks {
		found := false
		for _, line := range strings.Split(dot, "\n") {
			if strings.Contains(line, id+" [") && strings.Contains(line, color) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("step %s should be colored %s:\n%s", id, color, dot)
		}
	}
}

func TestRunDOT_FailedStep(t *testing.T) {
	run := conductor.Run{
		Steps: []conductor.StepRun{{StepID: "gather", Status: conductor.StepFailed}},
	}
	dot := RunDOT(dotPipeline(), run)
	if !strings.Contains(dot, StatusColorFailed) {
		t.Errorf("failed step not colored red:\n%s", dot)
	}
}

func TestRenderDotPassthrough(t *testing.T) {
	dot := "digraph a { x -> y }"
	out, err := Render(context.Background(), dot, "dot")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(out) != dot {
		t.Errorf("out = %s", out)
	}
}

func TestRenderRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	if _, err := Render(ctx, "", "dot"); err == nil {
		t.Error("expected error for empty DOT text")
	}
	if _, err := Render(ctx, "digraph a {}", "pdf"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestPipelineDOT_NilPipeline(t *testing.T) {
	if dot := PipelineDOT(nil); dot != "" {
		t.Errorf("nil pipeline = %q, want empty", dot)
	}
}
