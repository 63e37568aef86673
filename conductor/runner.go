// ABOUTME: Runner owns the run registry: one cancellable worker per active run, plus queue/stop/pause/resume/approve.
// ABOUTME: The registry map is the only process-wide mutable state and is guarded by a single mutex.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ErrApprovalNotFound is returned when resolving an unknown approval id.
var ErrApprovalNotFound = errors.New("approval not found")

// activeRun is the registry entry for a live worker. intent records why the
// worker's context was cancelled so the loop can pick the right final status.
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	intent string // "" | "stop" | "pause"
}

// RunnerOptions configures a Runner. Store, Catalog, and Executor are
// required; the rest are optional collaborators.
type RunnerOptions struct {
	Store        RunStore
	Catalog      Catalog
	Executor     StepExecutor
	Secure       SecureInputs
	Preflight    PreflightPlanner
	Events       EventSink
	ApprovalPoll time.Duration
}

// Runner admits runs and drives them to a terminal status. One goroutine runs
// per active run; all registry access goes through the mutex.
type Runner struct {
	store        RunStore
	catalog      Catalog
	exec         StepExecutor
	secure       SecureInputs
	preflight    PreflightPlanner
	events       EventSink
	approvalPoll time.Duration

	mu     sync.Mutex
	active map[string]*activeRun

	recovering atomic.Bool
}

// NewRunner builds a Runner from options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("runner requires a run store")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("runner requires a pipeline catalog")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("runner requires a step executor")
	}
	poll := opts.ApprovalPoll
	if poll <= 0 {
		poll = defaultApprovalPoll
	}
	return &Runner{
		store:        opts.Store,
		catalog:      opts.Catalog,
		exec:         opts.Executor,
		secure:       opts.Secure,
		preflight:    opts.Preflight,
		events:       opts.Events,
		approvalPoll: poll,
		active:       map[string]*activeRun{},
	}, nil
}

// QueueRun merges secure inputs, runs the preflight plan, creates the run
// record, and starts its worker. A preflight failure returns *PreflightError
// and creates no record.
func (r *Runner) QueueRun(ctx context.Context, pipelineID, task string, inputs map[string]string, scenario string) (Run, error) {
	p, err := r.catalog.Pipeline(ctx, pipelineID)
	if err != nil {
		return Run{}, err
	}

	merged := map[string]string{}
	if r.secure != nil {
		sec, err := r.secure.SecureInputs(ctx, p.ID)
		if err != nil {
			return Run{}, fmt.Errorf("load secure inputs: %w", err)
		}
		for k, v := range sec {
			merged[k] = v
		}
	}
	// Caller-supplied inputs win over stored secure inputs on key conflict.
	for k, v := range inputs {
		merged[k] = v
	}

	if r.preflight != nil {
		result := RunPreflight(ctx, r.preflight.PreflightChecks(ctx, p))
		if !result.OK() {
			return Run{}, &PreflightError{PipelineID: p.ID, Result: result}
		}
	}

	run := NewRun(p, task, merged, scenario)
	if err := r.store.CreateRun(run); err != nil {
		return Run{}, err
	}
	r.emit(newEvent(EventRunQueued, run.ID))
	log.Printf("component=runner action=run_queued run_id=%s pipeline_id=%s", run.ID, p.ID)

	if err := r.startWorker(run.ID); err != nil {
		return Run{}, err
	}
	return run, nil
}

// startWorker registers a cancellable worker for the run and launches its
// loop. Fails if the run already has one.
func (r *Runner) startWorker(runID string) error {
	r.mu.Lock()
	if _, ok := r.active[runID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("run %q already has an active worker", runID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &activeRun{cancel: cancel, done: make(chan struct{})}
	r.active[runID] = a
	r.mu.Unlock()

	go r.runLoop(ctx, runID, a)
	return nil
}

// Stop cancels a run. Active workers are cancelled cooperatively; parked
// runs (paused, awaiting approval, queued without a worker) transition
// directly. Stopping an already-cancelled run is a no-op.
func (r *Runner) Stop(runID string) error {
	r.mu.Lock()
	if a, ok := r.active[runID]; ok {
		a.intent = "stop"
		r.mu.Unlock()
		a.cancel()
		return nil
	}
	r.mu.Unlock()

	run, err := r.store.Run(runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case RunCancelled:
		return nil
	case RunQueued, RunPaused, RunAwaitingApproval:
		return r.finishParked(runID, RunCancelled, "run stopped")
	default:
		return &TransitionError{RunID: runID, Op: "stop", From: string(run.Status)}
	}
}

// Pause suspends a run. The in-flight step attempt is cancelled and will be
// rebuilt on resume. Pausing an already-paused run is a no-op.
func (r *Runner) Pause(runID string) error {
	r.mu.Lock()
	if a, ok := r.active[runID]; ok {
		a.intent = "pause"
		r.mu.Unlock()
		a.cancel()
		return nil
	}
	r.mu.Unlock()

	run, err := r.store.Run(runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case RunPaused:
		return nil
	case RunQueued, RunAwaitingApproval:
		return r.finishParked(runID, RunPaused, "run paused")
	default:
		return &TransitionError{RunID: runID, Op: "pause", From: string(run.Status)}
	}
}

// Resume restarts a paused run with a fresh worker. Step and approval state
// is rebuilt from scratch, the same as crash recovery: the in-memory queue
// died with the old worker, so partial progress cannot be trusted.
func (r *Runner) Resume(runID string) error {
	run, err := r.store.Run(runID)
	if err != nil {
		return err
	}
	if run.Status != RunPaused {
		return &TransitionError{RunID: runID, Op: "resume", From: string(run.Status)}
	}

	r.mu.Lock()
	if _, ok := r.active[runID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("run %q already has an active worker", runID)
	}
	r.mu.Unlock()

	_, err = r.store.Mutate(runID, func(ru Run) (Run, error) {
		ru.Steps = nil
		ru.Approvals = nil
		ru = ru.WithStatus(RunQueued, "run resumed; step state rebuilt")
		return ru, nil
	})
	if err != nil {
		return err
	}
	r.emit(newEvent(EventRunResumed, runID))
	log.Printf("component=runner action=run_resumed run_id=%s", runID)
	return r.startWorker(runID)
}

// ResolveApproval records a human decision on a pending approval. Resolution
// is terminal: a second decision on the same approval is rejected. When the
// run has no live worker, resolving its last pending approval parks it as
// paused rather than silently resuming it.
func (r *Runner) ResolveApproval(runID, approvalID string, decision ApprovalStatus, note string) (Run, error) {
	if decision != ApprovalApproved && decision != ApprovalRejected {
		return Run{}, fmt.Errorf("invalid approval decision %q", decision)
	}

	run, err := r.store.Mutate(runID, func(ru Run) (Run, error) {
		a, ok := ru.Approval(approvalID)
		if !ok {
			return ru, fmt.Errorf("approval %q: %w", approvalID, ErrApprovalNotFound)
		}
		if a.Status.Resolved() {
			return ru, &TransitionError{RunID: runID, Op: "resolve approval " + approvalID, From: string(a.Status)}
		}
		a.Status = decision
		a.Note = note
		a.ResolvedAt = time.Now()
		ru = ru.WithApproval(a)
		return ru.WithLog("info", fmt.Sprintf("approval %s %s", approvalID, decision)), nil
	})
	if err != nil {
		return Run{}, err
	}

	ev := newEvent(EventApprovalResolved, runID)
	ev.Message = fmt.Sprintf("%s %s", approvalID, decision)
	r.emit(ev)
	log.Printf("component=runner action=approval_resolved run_id=%s approval_id=%s decision=%s", runID, approvalID, decision)

	// A workerless run whose approvals are all resolved has nobody left to
	// advance it; park it as paused for an explicit resume.
	r.mu.Lock()
	_, hasWorker := r.active[runID]
	r.mu.Unlock()
	if !hasWorker && run.Status == RunAwaitingApproval && len(run.PendingApprovals()) == 0 {
		parked, err := r.store.Mutate(runID, func(ru Run) (Run, error) {
			return ru.WithStatus(RunPaused, "approvals resolved; resume to continue"), nil
		})
		if err == nil {
			run = parked
			r.emit(newEvent(EventRunPaused, runID))
		}
	}
	return run, nil
}

// finishParked transitions a workerless run to a rest state, failing any
// step left in running.
func (r *Runner) finishParked(runID string, status RunStatus, message string) error {
	_, err := r.store.Mutate(runID, func(ru Run) (Run, error) {
		ru = failRunningSteps(ru, message)
		return ru.WithStatus(status, message), nil
	})
	if err != nil {
		return err
	}
	switch status {
	case RunCancelled:
		r.emit(newEvent(EventRunCancelled, runID))
	case RunPaused:
		r.emit(newEvent(EventRunPaused, runID))
	}
	log.Printf("component=runner action=run_%s run_id=%s", status, runID)
	return nil
}

// takeIntent reads and clears the worker's recorded cancellation intent.
func (r *Runner) takeIntent(runID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.active[runID]
	if !ok {
		return ""
	}
	intent := a.intent
	a.intent = ""
	return intent
}

// release removes the run from the registry and closes its done channel.
func (r *Runner) release(runID string, a *activeRun) {
	r.mu.Lock()
	delete(r.active, runID)
	r.mu.Unlock()
	close(a.done)
}

// Wait blocks until the run's worker exits. Runs with no worker return
// immediately.
func (r *Runner) Wait(runID string) {
	r.mu.Lock()
	a, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return
	}
	<-a.done
}

// ActiveRunIDs returns the ids of runs with live workers.
func (r *Runner) ActiveRunIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// HasActiveRun reports whether the pipeline has a run that would make a
// concurrent trigger unsafe: a live worker, or a record still queued,
// running, or awaiting approval. Paused runs do not block new triggers.
func (r *Runner) HasActiveRun(pipelineID string) bool {
	runs, err := r.store.Runs()
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range runs {
		if run.PipelineID != pipelineID {
			continue
		}
		if _, ok := r.active[run.ID]; ok {
			return true
		}
		switch run.Status {
		case RunQueued, RunRunning, RunAwaitingApproval:
			return true
		}
	}
	return false
}

// Shutdown cancels every worker without recording a stop intent, so the
// affected runs stay `running` on disk and are rebuilt by recovery on the
// next start. Blocks until all workers exit.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	workers := make([]*activeRun, 0, len(r.active))
	for _, a := range r.active {
		workers = append(workers, a)
	}
	r.mu.Unlock()

	for _, a := range workers {
		a.cancel()
	}
	for _, a := range workers {
		<-a.done
	}
}

// emit appends the event to the run's log and fans it out to subscribers.
// Both paths are best-effort; event loss never blocks the run loop.
func (r *Runner) emit(ev Event) {
	stored, err := r.store.AppendEvent(ev)
	if err == nil {
		ev = stored
	}
	if r.events != nil {
		r.events.Publish(ev)
	}
}

// failRunningSteps marks any step still in running as failed with the given
// reason. Used on stop, pause, and abnormal loop exit.
func failRunningSteps(ru Run, reason string) Run {
	for _, sr := range ru.Steps {
		if sr.Status == StepRunning {
			sr.Status = StepFailed
			sr.Error = reason
			sr.Outcome = OutcomeFail
			sr.EndedAt = time.Now()
			ru = ru.WithStep(sr)
		}
	}
	return ru
}
