// ABOUTME: Outcome-based link routing: which outgoing links fire for a finished step.
// ABOUTME: A blocking failure restricts routing to on_fail links only; an empty result stops the branch.
package conductor

import "github.com/2389-research/drover/pipeline"

// routeLinks selects the outgoing links eligible for the step's outcome.
//
// When the outcome is fail AND the failure is blocking, only on_fail links
// are eligible. An empty result in that case is intentional, not an error:
// it stops the branch. Otherwise always-links plus the condition-matching
// links (on_pass for pass, on_fail for fail) fire. A neutral outcome matches
// no condition, so only always-links fire.
func routeLinks(outgoing []pipeline.Link, outcome Outcome, blockingFailure bool) []pipeline.Link {
	var routed []pipeline.Link

	if outcome == OutcomeFail && blockingFailure {
		for _, l := range outgoing {
			if l.Condition == pipeline.OnFail {
				routed = append(routed, l)
			}
		}
		return routed
	}

	for _, l := range outgoing {
		switch l.Condition {
		case pipeline.Always:
			routed = append(routed, l)
		case pipeline.OnPass:
			if outcome == OutcomePass {
				routed = append(routed, l)
			}
		case pipeline.OnFail:
			if outcome == OutcomeFail {
				routed = append(routed, l)
			}
		}
	}
	return routed
}
