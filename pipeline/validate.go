// ABOUTME: Lint rules that check pipeline definitions for structural and config errors.
// ABOUTME: Provides a pluggable LintRule interface, built-in rules, Validate, and ValidateOrError.
package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Severity represents diagnostic severity level.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

// String returns a human-readable name for the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Diagnostic represents a validation finding.
type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
	StepID   string // optional
	GateID   string // optional
}

// LintRule is the interface for validation rules.
type LintRule interface {
	Name() string
	Apply(p *Pipeline) []Diagnostic
}

// builtinRules returns all built-in lint rules.
func builtinRules() []LintRule {
	return []LintRule{
		&hasStepsRule{},
		&stepIDsRule{},
		&roleKnownRule{},
		&stepPromptRule{},
		&linkEndpointsRule{},
		&gateTargetRule{},
		&gatePatternRule{},
		&gatePathRule{},
		&terminalCompletionGateRule{},
		&scheduleRule{},
	}
}

// Validate runs all built-in lint rules plus any extra rules on the pipeline.
func Validate(p *Pipeline, extraRules ...LintRule) []Diagnostic {
	var diags []Diagnostic

	rules := builtinRules()
	rules = append(rules, extraRules...)

	for _, rule := range rules {
		diags = append(diags, rule.Apply(p)...)
	}

	return diags
}

// ValidateOrError runs validation and returns an error if any ERROR-severity
// diagnostics exist.
func ValidateOrError(p *Pipeline, extraRules ...LintRule) ([]Diagnostic, error) {
	diags := Validate(p, extraRules...)

	var errCount int
	for _, d := range diags {
		if d.Severity == SeverityError {
			errCount++
		}
	}

	if errCount > 0 {
		return diags, fmt.Errorf("pipeline %s validation failed with %d error(s)", p.ID, errCount)
	}

	return diags, nil
}

// completionPattern recognizes gates whose regex asserts whole-workflow
// completion, e.g. WORKFLOW_COMPLETE or "COMPLETE" status markers.
var completionPattern = regexp.MustCompile(`(?i)complete`)

// IsCompletionGate reports whether g is a blocking regex gate with a
// workflow-completion pattern. Such gates must resolve to exactly one
// concrete terminal step; targeting any_step is a configuration error.
func IsCompletionGate(g Gate) bool {
	if !g.Blocking || g.Kind != RegexMustMatch {
		return false
	}
	return completionPattern.MatchString(g.Pattern)
}

// MisconfiguredCompletionGates returns every completion gate whose target is
// the any_step wildcard. A non-empty result fails the run before any step
// executes.
func MisconfiguredCompletionGates(p *Pipeline) []Gate {
	var bad []Gate
	for _, g := range p.Gates {
		if IsCompletionGate(g) && g.TargetStepID == AnyStepTarget {
			bad = append(bad, g)
		}
	}
	return bad
}

// --- Built-in lint rules ---

// hasStepsRule checks that the pipeline declares at least one step.
type hasStepsRule struct{}

func (r *hasStepsRule) Name() string { return "has_steps" }

func (r *hasStepsRule) Apply(p *Pipeline) []Diagnostic {
	if len(p.Steps) > 0 {
		return nil
	}
	return []Diagnostic{{
		Rule:     r.Name(),
		Severity: SeverityError,
		Message:  "pipeline declares no steps",
	}}
}

// stepIDsRule checks that every step has a non-empty, unique id.
type stepIDsRule struct{}

func (r *stepIDsRule) Name() string { return "step_ids" }

func (r *stepIDsRule) Apply(p *Pipeline) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for i, s := range p.Steps {
		if s.ID == "" {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("step at index %d has an empty id", i),
			})
			continue
		}
		if seen[s.ID] {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("duplicate step id %q", s.ID),
				StepID:   s.ID,
			})
		}
		seen[s.ID] = true
	}
	return diags
}

// roleKnownRule warns about unrecognized step roles.
type roleKnownRule struct{}

func (r *roleKnownRule) Name() string { return "role_known" }

func (r *roleKnownRule) Apply(p *Pipeline) []Diagnostic {
	var diags []Diagnostic
	for _, s := range p.Steps {
		if s.Role != "" && !KnownRole(s.Role) {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("step %q has unrecognized role %q", s.ID, s.Role),
				StepID:   s.ID,
			})
		}
	}
	return diags
}

// stepPromptRule warns about steps without a prompt; the executor will fall
// back to the run task alone.
type stepPromptRule struct{}

func (r *stepPromptRule) Name() string { return "step_prompt" }

func (r *stepPromptRule) Apply(p *Pipeline) []Diagnostic {
	var diags []Diagnostic
	for _, s := range p.Steps {
		if strings.TrimSpace(s.Prompt) == "" {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("step %q has no prompt", s.ID),
				StepID:   s.ID,
			})
		}
	}
	return diags
}

// linkEndpointsRule warns about links referencing unknown step ids. The
// engine drops such links at graph build time rather than failing the run.
type linkEndpointsRule struct{}

func (r *linkEndpointsRule) Name() string { return "link_endpoints" }

func (r *linkEndpointsRule) Apply(p *Pipeline) []Diagnostic {
	var diags []Diagnostic
	for _, l := range p.Links {
		if p.Step(l.From) == nil {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("link %s -> %s references unknown source step %q; it will be dropped", l.From, l.To, l.From),
			})
		}
		if p.Step(l.To) == nil {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("link %s -> %s references unknown target step %q; it will be dropped", l.From, l.To, l.To),
			})
		}
	}
	return diags
}

// gateTargetRule warns about gates targeting unknown steps (any_step is the
// recognized wildcard).
type gateTargetRule struct{}

func (r *gateTargetRule) Name() string { return "gate_target" }

func (r *gateTargetRule) Apply(p *Pipeline) []Diagnostic {
	var diags []Diagnostic
	for _, g := range p.Gates {
		if g.TargetStepID == AnyStepTarget {
			continue
		}
		if p.Step(g.TargetStepID) == nil {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("gate %q targets unknown step %q", g.ID, g.TargetStepID),
				GateID:   g.ID,
			})
		}
	}
	return diags
}

// gatePatternRule checks that regex gates carry a compilable pattern.
type gatePatternRule struct{}

func (r *gatePatternRule) Name() string { return "gate_pattern" }

func (r *gatePatternRule) Apply(p *Pipeline) []Diagnostic {
	var diags []Diagnostic
	for _, g := range p.Gates {
		if g.Kind != RegexMustMatch && g.Kind != RegexMustNotMatch {
			continue
		}
		if g.Pattern == "" {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("regex gate %q has no pattern", g.ID),
				GateID:   g.ID,
			})
			continue
		}
		if _, err := regexp.Compile(g.Pattern); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("regex gate %q has invalid pattern: %v", g.ID, err),
				GateID:   g.ID,
			})
		}
	}
	return diags
}

// gatePathRule checks that path-based gates carry the path they evaluate.
type gatePathRule struct{}

func (r *gatePathRule) Name() string { return "gate_path" }

func (r *gatePathRule) Apply(p *Pipeline) []Diagnostic {
	var diags []Diagnostic
	for _, g := range p.Gates {
		switch g.Kind {
		case JSONFieldExists:
			if g.JSONPath == "" {
				diags = append(diags, Diagnostic{
					Rule:     r.Name(),
					Severity: SeverityError,
					Message:  fmt.Sprintf("json_field_exists gate %q has no json_path", g.ID),
					GateID:   g.ID,
				})
			}
		case ArtifactExists:
			if g.ArtifactPath == "" {
				diags = append(diags, Diagnostic{
					Rule:     r.Name(),
					Severity: SeverityError,
					Message:  fmt.Sprintf("artifact_exists gate %q has no artifact_path", g.ID),
					GateID:   g.ID,
				})
			}
		}
	}
	return diags
}

// terminalCompletionGateRule rejects workflow-completion gates targeting the
// any_step wildcard; a completion gate must bind to one concrete terminal
// step.
type terminalCompletionGateRule struct{}

func (r *terminalCompletionGateRule) Name() string { return "terminal_completion_gate" }

func (r *terminalCompletionGateRule) Apply(p *Pipeline) []Diagnostic {
	var diags []Diagnostic
	for _, g := range MisconfiguredCompletionGates(p) {
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  fmt.Sprintf("completion gate %q targets any_step; it must target one concrete terminal step", g.ID),
			GateID:   g.ID,
		})
	}
	return diags
}

// scheduleRule warns about enabled schedules with unparseable cron
// expressions or unknown timezones. The scheduler records these as
// invalid-config markers at runtime; flagging them at validation time saves a
// silent no-op schedule.
type scheduleRule struct{}

func (r *scheduleRule) Name() string { return "schedule" }

func (r *scheduleRule) Apply(p *Pipeline) []Diagnostic {
	if p.Schedule == nil || !p.Schedule.Enabled {
		return nil
	}

	var diags []Diagnostic
	if _, err := cron.ParseStandard(p.Schedule.Cron); err != nil {
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("schedule cron %q is invalid: %v", p.Schedule.Cron, err),
		})
	}
	if _, err := time.LoadLocation(p.Schedule.Timezone); err != nil {
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("schedule timezone %q is invalid: %v", p.Schedule.Timezone, err),
		})
	}
	return diags
}
