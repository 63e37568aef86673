// ABOUTME: Attempt budgets: role-aware timeouts clamped to the stage budget, with a reserve held back.
// ABOUTME: One degraded fallback per attempt: lower effort, smaller context, middle of the input elided.
package conductor

import (
	"strings"
	"time"

	"github.com/2389-research/drover/pipeline"
)

const (
	orchestratorTimeout = 4 * time.Minute
	analysisTimeout     = 8 * time.Minute
	workTimeout         = 15 * time.Minute
	longTimeout         = 30 * time.Minute

	reserveFloor  = 60 * time.Second
	fallbackFloor = 45 * time.Second

	largeContextWindow = 1_000_000
	defaultContextSize = 200_000
	degradedContextMin = 50_000
	trimThresholdBytes = 4_096
)

const trimMarker = "\n\n[... middle of input elided for degraded retry ...]\n\n"

// ExecProfile is the effort/context shape of a single execution attempt.
type ExecProfile struct {
	Effort        string
	ContextWindow int
	Degraded      bool
}

// profileFor builds the initial attempt profile from step configuration.
func profileFor(step *pipeline.Step) ExecProfile {
	p := ExecProfile{Effort: step.Effort, ContextWindow: step.ContextWindow}
	if p.Effort == "" {
		p.Effort = "medium"
	}
	if p.ContextWindow <= 0 {
		p.ContextWindow = defaultContextSize
	}
	return p
}

// fallbackProfile derives the degraded retry profile. An attempt that is
// already degraded gets no further fallback.
func fallbackProfile(p ExecProfile) (ExecProfile, bool) {
	if p.Degraded {
		return p, false
	}
	window := p.ContextWindow / 2
	if window > defaultContextSize {
		window = defaultContextSize
	}
	if window < degradedContextMin {
		window = degradedContextMin
	}
	return ExecProfile{Effort: "low", ContextWindow: window, Degraded: true}, true
}

// baseTimeout is the per-role attempt budget. High effort and very large
// context windows escalate to the long budget.
func baseTimeout(step *pipeline.Step) time.Duration {
	if strings.EqualFold(step.Effort, "high") || step.ContextWindow >= largeContextWindow {
		return longTimeout
	}
	switch step.Role {
	case pipeline.RoleOrchestrator:
		return orchestratorTimeout
	case pipeline.RoleAnalysis, pipeline.RolePlanner:
		return analysisTimeout
	default:
		return workTimeout
	}
}

// stageReserve is the slice of the stage budget never handed to any single
// attempt, so the loop can still persist state and route after a timeout.
func stageReserve(stage time.Duration) time.Duration {
	r := stage * 15 / 100
	if r < reserveFloor {
		r = reserveFloor
	}
	return r
}

// attemptTimeout clamps the role budget to the stage time remaining after
// the reserve. Returns 0 when the stage budget is exhausted.
func attemptTimeout(step *pipeline.Step, limits pipeline.Limits, elapsed time.Duration) time.Duration {
	stage := limits.StageTimeout()
	remaining := stage - elapsed - stageReserve(stage)
	if remaining <= 0 {
		return 0
	}
	budget := baseTimeout(step)
	if budget > remaining {
		budget = remaining
	}
	return budget
}

// fallbackTimeout is the budget for a degraded retry after a timed-out
// attempt. Below the floor the retry is not worth starting.
func fallbackTimeout(step *pipeline.Step, limits pipeline.Limits, elapsed time.Duration) time.Duration {
	budget := attemptTimeout(step, limits, elapsed)
	if budget < fallbackFloor {
		return 0
	}
	return budget
}

// trimContext keeps roughly the first 65% and last 30% of the input with an
// elision marker between, so a degraded retry sees the task framing and the
// most recent material. Short inputs pass through untouched.
func trimContext(s string) string {
	if len(s) <= trimThresholdBytes {
		return s
	}
	head := int(float64(len(s)) * 0.65)
	tailStart := len(s) - int(float64(len(s))*0.30)
	for head > 0 && s[head]&0xC0 == 0x80 {
		head--
	}
	for tailStart < len(s) && s[tailStart]&0xC0 == 0x80 {
		tailStart++
	}
	if tailStart <= head {
		return s
	}
	return s[:head] + trimMarker + s[tailStart:]
}
