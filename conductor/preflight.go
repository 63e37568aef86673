// ABOUTME: Pre-admission validation for runs: provider, tooling, and storage checks gathered from planners.
// ABOUTME: Every check runs even after a failure so the caller sees the complete repair list.
package conductor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/2389-research/drover/pipeline"
)

// PreflightCheck is a single validation run before a run is admitted.
type PreflightCheck struct {
	Name  string
	Check func(ctx context.Context) error // nil error means pass
}

// PreflightFailure records a single check failure with its name and reason.
type PreflightFailure struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// PreflightResult holds the aggregated results of all preflight checks.
type PreflightResult struct {
	Passed []string           `json:"passed"`
	Failed []PreflightFailure `json:"failed"`
}

// OK returns true if no checks failed.
func (r PreflightResult) OK() bool {
	return len(r.Failed) == 0
}

// Summary formats all failures as a multi-line string. Returns empty string
// if no failures.
func (r PreflightResult) Summary() string {
	if len(r.Failed) == 0 {
		return ""
	}
	lines := make([]string, 0, len(r.Failed)+1)
	lines = append(lines, fmt.Sprintf("preflight: %d check(s) failed:", len(r.Failed)))
	for _, f := range r.Failed {
		lines = append(lines, fmt.Sprintf("  - %s: %s", f.Name, f.Reason))
	}
	return strings.Join(lines, "\n")
}

// PreflightError is returned by QueueRun when admission checks fail. It
// carries the full result so callers can render the failed checks.
type PreflightError struct {
	PipelineID string
	Result     PreflightResult
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("pipeline %s: %s", e.PipelineID, e.Result.Summary())
}

// PreflightPlanner contributes checks for a pipeline about to be admitted.
// Planners live next to the capability they validate: the executor package
// plans provider checks, the toolcall package plans tool server checks.
type PreflightPlanner interface {
	PreflightChecks(ctx context.Context, p *pipeline.Pipeline) []PreflightCheck
}

// PreflightPlannerFunc adapts a function to PreflightPlanner.
type PreflightPlannerFunc func(ctx context.Context, p *pipeline.Pipeline) []PreflightCheck

func (f PreflightPlannerFunc) PreflightChecks(ctx context.Context, p *pipeline.Pipeline) []PreflightCheck {
	return f(ctx, p)
}

type combinedPlanner []PreflightPlanner

func (c combinedPlanner) PreflightChecks(ctx context.Context, p *pipeline.Pipeline) []PreflightCheck {
	var checks []PreflightCheck
	for _, planner := range c {
		checks = append(checks, planner.PreflightChecks(ctx, p)...)
	}
	return checks
}

// CombinePlanners concatenates the checks of several planners in order.
func CombinePlanners(planners ...PreflightPlanner) PreflightPlanner {
	return combinedPlanner(planners)
}

// RunPreflight executes all checks and collects results. Every check is run
// regardless of whether earlier checks fail, so the caller gets a complete
// picture of what needs to be fixed.
func RunPreflight(ctx context.Context, checks []PreflightCheck) PreflightResult {
	result := PreflightResult{
		Passed: make([]string, 0, len(checks)),
		Failed: make([]PreflightFailure, 0),
	}

	for _, c := range checks {
		if err := c.Check(ctx); err != nil {
			result.Failed = append(result.Failed, PreflightFailure{
				Name:   c.Name,
				Reason: err.Error(),
			})
		} else {
			result.Passed = append(result.Passed, c.Name)
		}
	}

	return result
}

// ConfigPlanner validates the pipeline definition itself: structural lint
// errors block admission.
func ConfigPlanner() PreflightPlanner {
	return PreflightPlannerFunc(func(ctx context.Context, p *pipeline.Pipeline) []PreflightCheck {
		return []PreflightCheck{{
			Name: "pipeline-config",
			Check: func(ctx context.Context) error {
				_, err := pipeline.ValidateOrError(p)
				return err
			},
		}}
	})
}

// StoragePlanner verifies the run storage base directory is writable, but
// only for pipelines whose gates or steps need shared storage.
func StoragePlanner(baseDir string) PreflightPlanner {
	return PreflightPlannerFunc(func(ctx context.Context, p *pipeline.Pipeline) []PreflightCheck {
		if !p.RequiresStorage() {
			return nil
		}
		return []PreflightCheck{{
			Name: "storage-writable",
			Check: func(ctx context.Context) error {
				if err := os.MkdirAll(baseDir, 0755); err != nil {
					return fmt.Errorf("storage dir %s: %v", baseDir, err)
				}
				probe, err := os.CreateTemp(baseDir, ".preflight-*")
				if err != nil {
					return fmt.Errorf("storage dir %s not writable: %v", baseDir, err)
				}
				name := probe.Name()
				probe.Close()
				os.Remove(name)
				return nil
			},
		}}
	})
}
