// ABOUTME: Crash recovery: rebuilds queued/running runs from scratch and re-admits fresh workers.
// ABOUTME: Paused and awaiting-approval runs are never auto-resumed; they get one log line and wait for an operator.
package conductor

import (
	"context"
	"fmt"
	"log"
)

// Recover inspects every persisted run after a process restart. Runs in
// queued or running lost their in-memory queue state with the old process,
// so their step and approval records are rebuilt from scratch and a fresh
// worker is admitted. Runs parked in paused or awaiting_approval are left
// untouched: auto-resuming them could bypass a pending human decision.
//
// The sweep is single-flight; a concurrent call is a no-op. Returns the
// number of runs re-admitted.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	if !r.recovering.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer r.recovering.Store(false)

	runs, err := r.store.Runs()
	if err != nil {
		return 0, fmt.Errorf("recovery scan: %w", err)
	}

	readmitted := 0
	for _, run := range runs {
		switch run.Status {
		case RunQueued, RunRunning:
			r.mu.Lock()
			_, alive := r.active[run.ID]
			r.mu.Unlock()
			if alive {
				continue
			}

			_, err := r.store.Mutate(run.ID, func(ru Run) (Run, error) {
				ru.Steps = nil
				ru.Approvals = nil
				return ru.WithStatus(RunQueued, "recovered after restart; step state rebuilt"), nil
			})
			if err != nil {
				log.Printf("component=recovery action=rebuild_failed run_id=%s error=%v", run.ID, err)
				continue
			}
			r.emit(newEvent(EventRunRecovered, run.ID))
			if err := r.startWorker(run.ID); err != nil {
				log.Printf("component=recovery action=readmit_failed run_id=%s error=%v", run.ID, err)
				continue
			}
			log.Printf("component=recovery action=readmitted run_id=%s pipeline_id=%s", run.ID, run.PipelineID)
			readmitted++

		case RunPaused, RunAwaitingApproval:
			if _, err := r.store.Mutate(run.ID, func(ru Run) (Run, error) {
				return ru.WithLog("info", fmt.Sprintf(
					"recovered in %s; waiting for operator action", ru.Status)), nil
			}); err != nil {
				log.Printf("component=recovery action=log_failed run_id=%s error=%v", run.ID, err)
				continue
			}
			log.Printf("component=recovery action=left_parked run_id=%s status=%s", run.ID, run.Status)
		}
	}
	return readmitted, nil
}
