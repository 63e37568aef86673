// ABOUTME: Core pipeline definition model: steps, links, quality gates, limits, and schedule.
// ABOUTME: Definitions are immutable once loaded; a run takes a snapshot and never mutates it.
package pipeline

import (
	"strconv"
	"strings"
	"time"
)

// Role classifies what kind of work a step delegates.
type Role string

const (
	RoleAnalysis     Role = "analysis"
	RolePlanner      Role = "planner"
	RoleOrchestrator Role = "orchestrator"
	RoleExecutor     Role = "executor"
	RoleTester       Role = "tester"
	RoleReview       Role = "review"
)

// Roles lists every recognized step role.
var Roles = []Role{RoleAnalysis, RolePlanner, RoleOrchestrator, RoleExecutor, RoleTester, RoleReview}

// KnownRole reports whether r is one of the recognized roles.
func KnownRole(r Role) bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// LinkCondition controls when a link routes to its target.
type LinkCondition string

const (
	Always LinkCondition = "always"
	OnPass LinkCondition = "on_pass"
	OnFail LinkCondition = "on_fail"
)

// GateKind selects the evaluation strategy for a quality gate.
type GateKind string

const (
	RegexMustMatch    GateKind = "regex_must_match"
	RegexMustNotMatch GateKind = "regex_must_not_match"
	JSONFieldExists   GateKind = "json_field_exists"
	ArtifactExists    GateKind = "artifact_exists"
	ManualApproval    GateKind = "manual_approval"
)

// AnyStepTarget is the wildcard gate target: the gate applies to whichever
// step it fires on rather than one fixed step.
const AnyStepTarget = "any_step"

// Step is one unit of delegated work. Steps are defined on the pipeline and
// never mutated during a run.
type Step struct {
	ID                   string   `yaml:"id"`
	Name                 string   `yaml:"name,omitempty"`
	Role                 Role     `yaml:"role,omitempty"`
	Prompt               string   `yaml:"prompt,omitempty"`
	Provider             string   `yaml:"provider,omitempty"`
	Model                string   `yaml:"model,omitempty"`
	Effort               string   `yaml:"effort,omitempty"`
	ContextWindow        int      `yaml:"context_window,omitempty"`
	Delegate             bool     `yaml:"delegate,omitempty"`
	ToolServers          []string `yaml:"tool_servers,omitempty"`
	RequiredOutputFields []string `yaml:"required_output_fields,omitempty"`
	RequiredOutputFiles  []string `yaml:"required_output_files,omitempty"`
}

// DisplayName returns the step name, falling back to its id.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Link is a directed edge between two steps.
type Link struct {
	From      string        `yaml:"from"`
	To        string        `yaml:"to"`
	Condition LinkCondition `yaml:"condition,omitempty"`
}

// Gate is a pass/fail check attached to a step (or any_step).
type Gate struct {
	ID           string   `yaml:"id"`
	TargetStepID string   `yaml:"target"`
	Kind         GateKind `yaml:"kind"`
	Blocking     bool     `yaml:"blocking,omitempty"`
	Pattern      string   `yaml:"pattern,omitempty"`
	Flags        string   `yaml:"flags,omitempty"`
	JSONPath     string   `yaml:"json_path,omitempty"`
	ArtifactPath string   `yaml:"artifact_path,omitempty"`
	Description  string   `yaml:"description,omitempty"`
}

// Limits bounds a run's resource consumption.
type Limits struct {
	MaxLoops          int `yaml:"max_loops,omitempty"`
	MaxStepExecutions int `yaml:"max_step_executions,omitempty"`
	StageTimeoutMs    int `yaml:"stage_timeout_ms,omitempty"`
}

// Default limit values applied by Normalize when a field is unset.
const (
	DefaultMaxLoops          = 100
	DefaultMaxStepExecutions = 10
	DefaultStageTimeoutMs    = 20 * 60 * 1000
)

// StageTimeout returns the stage timeout as a duration.
func (l Limits) StageTimeout() time.Duration {
	return time.Duration(l.StageTimeoutMs) * time.Millisecond
}

// Schedule configures cron triggering for a pipeline.
type Schedule struct {
	Enabled  bool              `yaml:"enabled,omitempty"`
	Cron     string            `yaml:"cron,omitempty"`
	Timezone string            `yaml:"timezone,omitempty"`
	Task     string            `yaml:"task,omitempty"`
	Inputs   map[string]string `yaml:"inputs,omitempty"`
}

// Pipeline is a versioned workflow definition.
type Pipeline struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name,omitempty"`
	Version  int       `yaml:"version,omitempty"`
	Steps    []Step    `yaml:"steps"`
	Links    []Link    `yaml:"links,omitempty"`
	Gates    []Gate    `yaml:"gates,omitempty"`
	Limits   Limits    `yaml:"limits,omitempty"`
	Schedule *Schedule `yaml:"schedule,omitempty"`
}

// Normalize trims identifiers and fills defaults in place: empty link
// conditions become Always, empty roles become executor, zero limits take the
// package defaults, and gates without an id get a derived one.
func (p *Pipeline) Normalize() {
	p.ID = strings.TrimSpace(p.ID)
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Version <= 0 {
		p.Version = 1
	}

	for i := range p.Steps {
		p.Steps[i].ID = strings.TrimSpace(p.Steps[i].ID)
		if p.Steps[i].Role == "" {
			p.Steps[i].Role = RoleExecutor
		}
	}

	for i := range p.Links {
		p.Links[i].From = strings.TrimSpace(p.Links[i].From)
		p.Links[i].To = strings.TrimSpace(p.Links[i].To)
		if p.Links[i].Condition == "" {
			p.Links[i].Condition = Always
		}
	}

	for i := range p.Gates {
		g := &p.Gates[i]
		g.TargetStepID = strings.TrimSpace(g.TargetStepID)
		if g.TargetStepID == "" {
			g.TargetStepID = AnyStepTarget
		}
		if g.ID == "" {
			g.ID = derivedGateID(*g, i)
		}
	}

	if p.Limits.MaxLoops <= 0 {
		p.Limits.MaxLoops = DefaultMaxLoops
	}
	if p.Limits.MaxStepExecutions <= 0 {
		p.Limits.MaxStepExecutions = DefaultMaxStepExecutions
	}
	if p.Limits.StageTimeoutMs <= 0 {
		p.Limits.StageTimeoutMs = DefaultStageTimeoutMs
	}

	if p.Schedule != nil && p.Schedule.Timezone == "" {
		p.Schedule.Timezone = "UTC"
	}
}

// Step returns the step with the given id, or nil.
func (p *Pipeline) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// RequiresStorage reports whether any gate or step in the pipeline reads or
// writes run-folder artifacts, which makes a writable storage root a
// preflight requirement.
func (p *Pipeline) RequiresStorage() bool {
	for _, g := range p.Gates {
		if g.Kind == ArtifactExists {
			return true
		}
		if g.Kind == JSONFieldExists && g.ArtifactPath != "" {
			return true
		}
	}
	for _, s := range p.Steps {
		if len(s.RequiredOutputFiles) > 0 {
			return true
		}
	}
	return false
}

// ToolServerIDs returns the deduplicated set of tool server ids referenced by
// any step, in first-use order.
func (p *Pipeline) ToolServerIDs() []string {
	seen := map[string]bool{}
	var ids []string
	for _, s := range p.Steps {
		for _, id := range s.ToolServers {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// derivedGateID builds a stable id for gates declared without one.
func derivedGateID(g Gate, index int) string {
	target := g.TargetStepID
	if target == "" {
		target = AnyStepTarget
	}
	return string(g.Kind) + "-" + target + "-" + strconv.Itoa(index)
}
