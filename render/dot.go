// ABOUTME: Serializes pipeline graphs to DOT text, optionally overlaying run step
// ABOUTME: statuses as node colors, and shells out to graphviz for svg/png output.
package render

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/2389-research/drover/conductor"
	"github.com/2389-research/drover/pipeline"
)

// Node fill colors for the run status overlay.
const (
	StatusColorCompleted = "#4CAF50" // green
	StatusColorFailed    = "#F44336" // red
	StatusColorRunning   = "#FFC107" // yellow
	StatusColorPending   = "#9E9E9E" // gray
)

// PipelineDOT serializes a pipeline's steps and links as a DOT digraph.
// Steps and links keep their definition order so output is reproducible.
func PipelineDOT(p *pipeline.Pipeline) string {
	return dotGraph(p, nil)
}

// RunDOT serializes the pipeline graph with the run's step statuses as
// color overlays: green for completed, red for failed, yellow for running,
// gray for steps the run has not touched.
func RunDOT(p *pipeline.Pipeline, run conductor.Run) string {
	statuses := make(map[string]conductor.StepStatus, len(run.Steps))
	for _, sr := range run.Steps {
		statuses[sr.StepID] = sr.Status
	}
	return dotGraph(p, statuses)
}

func dotGraph(p *pipeline.Pipeline, statuses map[string]conductor.StepStatus) string {
	if p == nil {
		return ""
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "digraph %s {\n", quoteID(p.ID))
	buf.WriteString("  rankdir=\"LR\"\n")
	buf.WriteString("  node [shape=\"box\", style=\"rounded\"]\n")

	for _, s := range p.Steps {
		attrs := map[string]string{"label": stepNodeLabel(s)}
		if statuses != nil {
			attrs["style"] = "rounded,filled"
			attrs["fillcolor"] = statusColor(statuses[s.ID])
		}
		writeNode(&buf, s.ID, attrs)
	}
	for _, l := range p.Links {
		writeEdge(&buf, l)
	}

	buf.WriteString("}\n")
	return buf.String()
}

// Render produces graph output in the requested format: "dot" returns the
// text as-is, "svg" and "png" shell out to the graphviz dot command.
func Render(ctx context.Context, dotText string, format string) ([]byte, error) {
	if dotText == "" {
		return nil, fmt.Errorf("cannot render empty DOT text")
	}

	switch format {
	case "dot":
		return []byte(dotText), nil
	case "svg", "png":
		return renderWithGraphviz(ctx, dotText, format)
	default:
		return nil, fmt.Errorf("unsupported format %q: supported formats are dot, svg, png", format)
	}
}

// GraphvizAvailable reports whether the graphviz dot command is installed.
func GraphvizAvailable() bool {
	_, err := exec.LookPath("dot")
	return err == nil
}

// renderWithGraphviz pipes DOT text to the graphviz dot command.
func renderWithGraphviz(ctx context.Context, dotText string, format string) ([]byte, error) {
	if !GraphvizAvailable() {
		return nil, fmt.Errorf("graphviz dot command not found: install graphviz to render %s output", format)
	}

	cmd := exec.CommandContext(ctx, "dot", "-T"+format)
	cmd.Stdin = strings.NewReader(dotText)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("graphviz dot command failed: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// stepNodeLabel builds the node label: display name plus the role on a
// second line.
func stepNodeLabel(s pipeline.Step) string {
	return s.DisplayName() + "\n[" + string(s.Role) + "]"
}

func statusColor(status conductor.StepStatus) string {
	switch status {
	case conductor.StepCompleted:
		return StatusColorCompleted
	case conductor.StepFailed:
		return StatusColorFailed
	case conductor.StepRunning:
		return StatusColorRunning
	default:
		return StatusColorPending
	}
}

func writeNode(buf *strings.Builder, id string, attrs map[string]string) {
	if len(attrs) == 0 {
		fmt.Fprintf(buf, "  %s;\n", quoteID(id))
		return
	}
	fmt.Fprintf(buf, "  %s [%s]\n", quoteID(id), formatAttrs(attrs))
}

// writeEdge writes a link as a DOT edge. Conditional links carry their
// condition as the edge label.
func writeEdge(buf *strings.Builder, l pipeline.Link) {
	if l.Condition == pipeline.Always || l.Condition == "" {
		fmt.Fprintf(buf, "  %s -> %s\n", quoteID(l.From), quoteID(l.To))
		return
	}
	fmt.Fprintf(buf, "  %s -> %s [%s]\n", quoteID(l.From), quoteID(l.To),
		formatAttrs(map[string]string{"label": string(l.Condition)}))
}

// formatAttrs formats attributes as a DOT attribute list (key="value", ...).
func formatAttrs(attrs map[string]string) string {
	keys := sortedKeys(attrs)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, attrs[k]))
	}
	return strings.Join(parts, ", ")
}

// quoteID returns a DOT-safe identifier. Simple identifiers are returned
// as-is, anything else is quoted.
func quoteID(id string) string {
	for _, c := range id {
		if !isIDChar(c) {
			return fmt.Sprintf("%q", id)
		}
	}
	return id
}

func isIDChar(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// sortedKeys returns map keys in sorted order for deterministic output.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
