// ABOUTME: Execution graph built from a pipeline definition: stable ordering plus lookup tables.
// ABOUTME: Links to unknown steps are dropped with a warning; cycles are permitted and never fatal.
package conductor

import (
	"fmt"
	"log"

	"github.com/2389-research/drover/pipeline"
)

// Graph is the execution-ready view of a pipeline: a stable topological-ish
// ordering plus fast lookup tables for steps, links, and gates.
type Graph struct {
	Pipeline *pipeline.Pipeline
	Ordered  []pipeline.Step
	ByID     map[string]*pipeline.Step
	Outgoing map[string][]pipeline.Link
	Incoming map[string][]pipeline.Link
	Warnings []string

	gatesByTarget map[string][]pipeline.Gate
}

// BuildGraph indexes the pipeline and computes the execution order. Links
// referencing unknown step ids are dropped with a logged warning, not a fatal
// error: pipelines are routed at runtime, and a dangling link only removes
// one route.
func BuildGraph(p *pipeline.Pipeline) *Graph {
	g := &Graph{
		Pipeline:      p,
		ByID:          make(map[string]*pipeline.Step, len(p.Steps)),
		Outgoing:      make(map[string][]pipeline.Link),
		Incoming:      make(map[string][]pipeline.Link),
		gatesByTarget: make(map[string][]pipeline.Gate),
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		g.ByID[step.ID] = step
	}

	var links []pipeline.Link
	for _, l := range p.Links {
		if g.ByID[l.From] == nil || g.ByID[l.To] == nil {
			warning := fmt.Sprintf("link %s -> %s references an unknown step and was dropped", l.From, l.To)
			g.Warnings = append(g.Warnings, warning)
			log.Printf("component=conductor action=link_dropped pipeline_id=%s from=%s to=%s", p.ID, l.From, l.To)
			continue
		}
		links = append(links, l)
		g.Outgoing[l.From] = append(g.Outgoing[l.From], l)
		g.Incoming[l.To] = append(g.Incoming[l.To], l)
	}

	for _, gate := range p.Gates {
		g.gatesByTarget[gate.TargetStepID] = append(g.gatesByTarget[gate.TargetStepID], gate)
	}

	g.Ordered = stableOrder(p.Steps, links)
	return g
}

// stableOrder computes a stable topological sort seeded in declaration order.
// Steps with no ordering dependency keep their declared relative order.
// Cycles do not fail the sort: when no dependency-free step remains, the rest
// are appended in declaration order (routing is event-driven, and a reviewer
// legally routes back to an executor).
func stableOrder(steps []pipeline.Step, links []pipeline.Link) []pipeline.Step {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.ID] = i
	}

	indegree := make([]int, len(steps))
	out := make([][]int, len(steps))
	for _, l := range links {
		from, to := index[l.From], index[l.To]
		if from == to {
			continue // self-links impose no ordering
		}
		out[from] = append(out[from], to)
		indegree[to]++
	}

	placed := make([]bool, len(steps))
	ordered := make([]pipeline.Step, 0, len(steps))

	for len(ordered) < len(steps) {
		next := -1
		for i := range steps {
			if !placed[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			// Remaining steps form cycles; append them in declaration order.
			for i := range steps {
				if !placed[i] {
					placed[i] = true
					ordered = append(ordered, steps[i])
				}
			}
			break
		}
		placed[next] = true
		ordered = append(ordered, steps[next])
		for _, to := range out[next] {
			indegree[to]--
		}
	}

	return ordered
}

// StepGates returns the gates that target the step directly plus any_step
// gates, in declaration order.
func (g *Graph) StepGates(stepID string) []pipeline.Gate {
	var gates []pipeline.Gate
	gates = append(gates, g.gatesByTarget[stepID]...)
	gates = append(gates, g.gatesByTarget[pipeline.AnyStepTarget]...)
	return gates
}

// EntryStep returns the step where execution begins: the first declared
// orchestrator-role step, or the first declared step when no orchestrator
// exists. Returns nil for an empty pipeline.
func (g *Graph) EntryStep() *pipeline.Step {
	for i := range g.Pipeline.Steps {
		if g.Pipeline.Steps[i].Role == pipeline.RoleOrchestrator {
			return &g.Pipeline.Steps[i]
		}
	}
	if len(g.Pipeline.Steps) > 0 {
		return &g.Pipeline.Steps[0]
	}
	return nil
}

// NextUnvisited returns the first step in pipeline order for which neither
// visited nor queued reports true, or nil when every step has been touched.
// This drives the disconnected-fallback heuristic.
func (g *Graph) NextUnvisited(visited func(string) bool, queued func(string) bool) *pipeline.Step {
	for i := range g.Ordered {
		id := g.Ordered[i].ID
		if !visited(id) && !queued(id) {
			return g.ByID[id]
		}
	}
	return nil
}
