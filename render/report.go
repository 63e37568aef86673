// ABOUTME: Builds the human-readable run report: markdown with status, step table,
// ABOUTME: gate results, approvals, and a log tail, plus goldmark HTML conversion.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389-research/drover/conductor"
)

// logTailLines bounds how much of the run log the report includes.
const logTailLines = 20

// RunReport renders a run record as a markdown report. The same text serves
// the web report endpoint (converted to HTML) and `drover run` output.
func RunReport(run conductor.Run) string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "# Run %s\n\n", run.ID)
	fmt.Fprintf(&buf, "- **Pipeline:** %s (`%s`)\n", pipelineLabel(run), run.PipelineID)
	fmt.Fprintf(&buf, "- **Status:** %s\n", run.Status)
	fmt.Fprintf(&buf, "- **Created:** %s\n", stamp(run.CreatedAt))
	if !run.EndedAt.IsZero() {
		fmt.Fprintf(&buf, "- **Ended:** %s (duration %s)\n", stamp(run.EndedAt), spanBetween(run.CreatedAt, run.EndedAt))
	}
	if run.Task != "" {
		fmt.Fprintf(&buf, "- **Task:** %s\n", cell(run.Task))
	}
	if run.Scenario != "" {
		fmt.Fprintf(&buf, "- **Scenario:** %s\n", cell(run.Scenario))
	}
	if run.Error != "" {
		fmt.Fprintf(&buf, "- **Error:** %s\n", cell(run.Error))
	}

	writeStepTable(&buf, run)
	writeGateResults(&buf, run)
	writeApprovals(&buf, run)
	writeLogTail(&buf, run)

	return buf.String()
}

// HTML converts markdown to HTML. GFM tables are enabled because the report
// is built around them.
func HTML(md string) ([]byte, error) {
	var buf bytes.Buffer
	conv := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := conv.Convert([]byte(md), &buf); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	return buf.Bytes(), nil
}

func writeStepTable(buf *strings.Builder, run conductor.Run) {
	if len(run.Steps) == 0 {
		return
	}

	buf.WriteString("\n## Steps\n\n")
	buf.WriteString("| Step | Status | Attempts | Outcome | Duration | Queued by |\n")
	buf.WriteString("|---|---|---|---|---|---|\n")
	for _, sr := range run.Steps {
		fmt.Fprintf(buf, "| %s | %s | %d | %s | %s | %s |\n",
			cell(stepLabel(sr)), sr.Status, sr.Attempts, sr.Outcome,
			stepDuration(sr), queuedBy(sr))
	}
}

func writeGateResults(buf *strings.Builder, run conductor.Run) {
	any := false
	for _, sr := range run.Steps {
		if len(sr.GateResults) > 0 {
			any = true
			break
		}
	}
	if !any {
		return
	}

	buf.WriteString("\n## Gate results\n\n")
	buf.WriteString("| Step | Gate | Result | Blocking | Message |\n")
	buf.WriteString("|---|---|---|---|---|\n")
	for _, sr := range run.Steps {
		for _, gr := range sr.GateResults {
			blocking := "-"
			if gr.Blocking {
				blocking = "yes"
			}
			fmt.Fprintf(buf, "| %s | %s | %s | %s | %s |\n",
				cell(stepLabel(sr)), cell(gr.GateID), gr.Status, blocking, cell(gr.Message))
		}
	}
}

func writeApprovals(buf *strings.Builder, run conductor.Run) {
	if len(run.Approvals) == 0 {
		return
	}

	buf.WriteString("\n## Approvals\n\n")
	buf.WriteString("| Approval | Status | Note | Resolved |\n")
	buf.WriteString("|---|---|---|---|\n")
	for _, a := range run.Approvals {
		resolved := "-"
		if !a.ResolvedAt.IsZero() {
			resolved = stamp(a.ResolvedAt)
		}
		fmt.Fprintf(buf, "| %s | %s | %s | %s |\n",
			cell(a.ID), a.Status, cell(a.Note), resolved)
	}
}

func writeLogTail(buf *strings.Builder, run conductor.Run) {
	if len(run.Logs) == 0 {
		return
	}

	logs := run.Logs
	if len(logs) > logTailLines {
		fmt.Fprintf(buf, "\n## Log (last %d of %d lines)\n\n", logTailLines, len(logs))
		logs = logs[len(logs)-logTailLines:]
	} else {
		buf.WriteString("\n## Log\n\n")
	}

	buf.WriteString("```\n")
	for _, entry := range logs {
		fmt.Fprintf(buf, "%s %-5s %s\n", entry.Time.Format("2006-01-02 15:04:05"), entry.Level, entry.Message)
	}
	buf.WriteString("```\n")
}

func pipelineLabel(run conductor.Run) string {
	if run.PipelineName != "" {
		return cell(run.PipelineName)
	}
	return run.PipelineID
}

func stepLabel(sr conductor.StepRun) string {
	if sr.Name != "" {
		return sr.Name
	}
	return sr.StepID
}

func queuedBy(sr conductor.StepRun) string {
	if sr.QueuedByStepID == "" {
		return "-"
	}
	if sr.QueuedByReason == "" {
		return cell(sr.QueuedByStepID)
	}
	return cell(fmt.Sprintf("%s (%s)", sr.QueuedByStepID, sr.QueuedByReason))
}

func stepDuration(sr conductor.StepRun) string {
	if sr.StartedAt.IsZero() {
		return "-"
	}
	end := sr.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return spanBetween(sr.StartedAt, end)
}

func spanBetween(from, to time.Time) string {
	d := to.Sub(from).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// cell makes a value safe inside a markdown table: pipes are escaped and
// newlines collapsed so one value cannot break the row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.TrimSpace(s)
}
