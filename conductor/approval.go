// ABOUTME: Manual approval flow: pending approvals are recorded per step attempt and polled until resolved.
// ABOUTME: Approval ids are deterministic (gate:step:attempt:N) so retried persistence never duplicates a decision.
package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/2389-research/drover/pipeline"
)

// defaultApprovalPoll is the fixed interval at which the loop re-reads the
// run record while waiting on approvals.
const defaultApprovalPoll = 2 * time.Second

// manualGates filters the gate set down to manual approval gates.
func manualGates(gates []pipeline.Gate) []pipeline.Gate {
	var out []pipeline.Gate
	for _, g := range gates {
		if g.Kind == pipeline.ManualApproval {
			out = append(out, g)
		}
	}
	return out
}

// ensureApprovals records a pending approval per manual gate for the step
// attempt. Ids already present are left untouched, so a crash-and-replay
// cannot reset a recorded decision. The store's normalization flips the run
// to awaiting_approval when any approval is pending.
func ensureApprovals(store RunStore, runID, stepID string, attempt int, gates []pipeline.Gate) (Run, error) {
	return store.Mutate(runID, func(r Run) (Run, error) {
		for _, g := range gates {
			id := ApprovalID(g.ID, stepID, attempt)
			if _, ok := r.Approval(id); ok {
				continue
			}
			r = r.WithApproval(Approval{
				ID:        id,
				GateID:    g.ID,
				StepID:    stepID,
				Attempt:   attempt,
				Status:    ApprovalPending,
				CreatedAt: time.Now(),
			})
			r = r.WithLog("info", fmt.Sprintf("approval %s pending", id))
		}
		return r, nil
	})
}

// awaitApprovals blocks until every approval for the step attempt is
// resolved, re-reading the run record at a fixed interval. Returns the
// attempt's approvals once none are pending.
func awaitApprovals(ctx context.Context, store RunStore, runID, stepID string, attempt int, poll time.Duration) ([]Approval, error) {
	if poll <= 0 {
		poll = defaultApprovalPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		run, err := store.Run(runID)
		if err != nil {
			return nil, err
		}
		if len(run.PendingApprovalsFor(stepID, attempt)) == 0 {
			var resolved []Approval
			for _, a := range run.Approvals {
				if a.StepID == stepID && a.Attempt == attempt {
					resolved = append(resolved, a)
				}
			}
			return resolved, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// approvalGateResults converts resolved approvals into gate results. An
// approved decision passes the gate; a rejected one fails it with the
// reviewer's note carried into the message.
func approvalGateResults(approvals []Approval, gates []pipeline.Gate) []GateResult {
	blocking := make(map[string]bool, len(gates))
	for _, g := range gates {
		blocking[g.ID] = g.Blocking
	}

	var results []GateResult
	for _, a := range approvals {
		res := GateResult{GateID: a.GateID, Blocking: blocking[a.GateID], Details: "source=approval"}
		switch a.Status {
		case ApprovalApproved:
			res.Status = "pass"
			res.Message = "approved"
		case ApprovalRejected:
			res.Status = "fail"
			res.Message = "rejected"
		default:
			res.Status = "fail"
			res.Message = "unresolved"
		}
		if a.Note != "" {
			res.Message += ": " + a.Note
		}
		results = append(results, res)
	}
	return results
}
