// ABOUTME: The run execution loop: dequeues ready steps, executes them, evaluates gates, and routes onward.
// ABOUTME: One goroutine per run; exactly one step executes at a time, persisted before any routing decision.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/2389-research/drover/pipeline"
)

// runLoop is the worker entry point. It wraps the loop with a panic guard:
// unexpected programming errors become a failed run carrying the message,
// never a crashed process or a stack trace on the run record.
func (r *Runner) runLoop(ctx context.Context, runID string, a *activeRun) {
	defer r.release(runID, a)

	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("component=engine action=run_panic run_id=%s error=%v\n%s", runID, rec, debug.Stack())
				err = &FatalRunError{Reason: fmt.Sprintf("run loop panic: %v", rec)}
			}
		}()
		err = r.executeRun(ctx, runID)
	}()

	if err == nil {
		return
	}
	if isInterrupt(err) {
		r.finishInterrupted(runID)
		return
	}
	r.failRun(runID, err)
}

func isInterrupt(err error) bool {
	return errors.Is(err, ErrExecAborted) || errors.Is(err, context.Canceled)
}

// failRun marks the run failed, failing any step left running first.
func (r *Runner) failRun(runID string, cause error) {
	_, err := r.store.Mutate(runID, func(ru Run) (Run, error) {
		ru = failRunningSteps(ru, cause.Error())
		ru = ru.WithError(cause.Error())
		return ru.WithStatus(RunFailed, "run failed: "+cause.Error()), nil
	})
	if err != nil {
		if !errors.Is(err, ErrRunTerminal) {
			log.Printf("component=engine action=fail_run_error run_id=%s error=%v", runID, err)
		}
		return
	}
	r.emit(newEvent(EventRunFailed, runID))
	log.Printf("component=engine action=run_failed run_id=%s error=%v", runID, cause)
}

// finishInterrupted maps a cancelled worker onto its final status using the
// intent recorded by Stop or Pause. No intent means the process is shutting
// down: the run is left as-is for recovery to rebuild on the next start.
func (r *Runner) finishInterrupted(runID string) {
	switch r.takeIntent(runID) {
	case "stop":
		_, err := r.store.Mutate(runID, func(ru Run) (Run, error) {
			ru = failRunningSteps(ru, "run stopped")
			return ru.WithStatus(RunCancelled, "run stopped"), nil
		})
		if err == nil {
			r.emit(newEvent(EventRunCancelled, runID))
		}
		log.Printf("component=engine action=run_cancelled run_id=%s", runID)
	case "pause":
		_, err := r.store.Mutate(runID, func(ru Run) (Run, error) {
			ru = failRunningSteps(ru, "interrupted by pause")
			return ru.WithStatus(RunPaused, "run paused"), nil
		})
		if err == nil {
			r.emit(newEvent(EventRunPaused, runID))
		}
		log.Printf("component=engine action=run_paused run_id=%s", runID)
	default:
		log.Printf("component=engine action=worker_detached run_id=%s", runID)
	}
}

// executeRun walks the step graph for one run. It returns nil once the run
// reaches a terminal status on its own, an interrupt error when the worker
// context is cancelled, and any other error to be converted into a failed
// run by the caller.
func (r *Runner) executeRun(ctx context.Context, runID string) error {
	run, err := r.store.Run(runID)
	if err != nil {
		return err
	}

	p, err := r.catalog.Pipeline(ctx, run.PipelineID)
	if err != nil {
		// Pipeline deleted while the run was queued or recovering: cancel
		// with an explicit reason, never drop silently.
		reason := fmt.Sprintf("pipeline %s unavailable: %v", run.PipelineID, err)
		_, merr := r.store.Mutate(runID, func(ru Run) (Run, error) {
			return ru.WithError(reason).WithStatus(RunCancelled, reason), nil
		})
		if merr != nil && !errors.Is(merr, ErrRunTerminal) {
			return merr
		}
		r.emit(newEvent(EventRunCancelled, runID))
		log.Printf("component=engine action=run_cancelled run_id=%s reason=%q", runID, reason)
		return nil
	}

	// Step 1: a completion gate targeting any_step can never be proven
	// against one concrete step. Fail before any step executes.
	if bad := pipeline.MisconfiguredCompletionGates(p); len(bad) > 0 {
		ids := make([]string, len(bad))
		for i, g := range bad {
			ids[i] = g.ID
		}
		return &FatalRunError{Reason: fmt.Sprintf(
			"completion gate %s targets %s; a completion gate must name one concrete terminal step",
			strings.Join(ids, ", "), pipeline.AnyStepTarget)}
	}

	g := BuildGraph(p)

	// Step 2: admit the run into running.
	run, err = r.store.Mutate(runID, func(ru Run) (Run, error) {
		if ru.StartedAt.IsZero() {
			ru.StartedAt = time.Now()
		}
		for _, w := range g.Warnings {
			ru = ru.WithLog("warn", w)
		}
		return ru.WithStatus(RunRunning, "run started"), nil
	})
	if err != nil {
		if errors.Is(err, ErrRunTerminal) {
			return nil
		}
		return err
	}
	r.emit(newEvent(EventRunStarted, runID))
	log.Printf("component=engine action=run_started run_id=%s pipeline_id=%s", runID, p.ID)

	entry := g.EntryStep()
	if entry == nil {
		return &FatalRunError{Reason: "pipeline has no steps"}
	}

	queue := newStepQueue()
	queue.EnqueueOrUpdate(entry.ID, "", "entry")

	iterations := 0
	for queue.Len() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("worker interrupted: %w", ErrExecAborted)
		default:
		}

		iterations++
		if iterations > p.Limits.MaxLoops {
			return &FatalRunError{Reason: fmt.Sprintf("loop budget exhausted after %d iterations", p.Limits.MaxLoops)}
		}

		item, ok := queue.Dequeue()
		if !ok {
			break
		}
		step := g.ByID[item.StepID]
		if step == nil {
			continue
		}

		// Step 3: bump the attempt counter with the fatal overrun check.
		prior, _ := run.Step(step.ID)
		attempt := prior.Attempts + 1
		if attempt > p.Limits.MaxStepExecutions {
			return &FatalRunError{Reason: fmt.Sprintf("step %s exceeded max executions (%d)", step.ID, p.Limits.MaxStepExecutions)}
		}

		sr := prior
		sr.StepID = step.ID
		sr.Name = step.DisplayName()
		sr.Status = StepRunning
		sr.Attempts = attempt
		sr.QueuedByStepID = item.QueuedByStepID
		sr.QueuedByReason = item.QueuedByReason
		sr.StartedAt = time.Now()
		sr.EndedAt = time.Time{}
		sr.Error = ""

		run, err = r.store.Mutate(runID, func(ru Run) (Run, error) {
			return ru.WithStep(sr).WithLog("info",
				fmt.Sprintf("step %s attempt %d started (%s)", step.ID, attempt, describeEntry(item))), nil
		})
		if err != nil {
			return err
		}
		ev := newEvent(EventStepStarted, runID)
		ev.StepID = step.ID
		ev.Attempt = attempt
		r.emit(ev)
		log.Printf("component=engine action=step_started run_id=%s step_id=%s attempt=%d reason=%s",
			runID, step.ID, attempt, item.QueuedByReason)

		// Step 4: execute with the attempt budget and one degraded fallback.
		input := buildStepInput(run, step, item, prior)
		res, profile, execErr := r.executeStep(ctx, run, p, step, attempt, input)
		if execErr != nil {
			if isInterrupt(execErr) || ctx.Err() != nil {
				return execErr
			}
			// Unrecoverable step error: the step fails and the run fails.
			msg := execErr.Error()
			sr.Status = StepFailed
			sr.Error = msg
			sr.Outcome = OutcomeFail
			sr.EndedAt = time.Now()
			run, err = r.store.Mutate(runID, func(ru Run) (Run, error) {
				return ru.WithStep(sr).WithLog("error",
					fmt.Sprintf("step %s attempt %d failed: %s", step.ID, attempt, msg)), nil
			})
			if err != nil {
				return err
			}
			fev := newEvent(EventStepFailed, runID)
			fev.StepID = step.ID
			fev.Attempt = attempt
			fev.Message = msg
			r.emit(fev)
			return fmt.Errorf("step %s: %s", step.ID, msg)
		}

		output := res.Output
		if profile.Degraded {
			run, err = r.store.Mutate(runID, func(ru Run) (Run, error) {
				return ru.WithLog("warn", fmt.Sprintf("step %s attempt %d served by degraded fallback", step.ID, attempt)), nil
			})
			if err != nil {
				return err
			}
		}

		// Step 5: evaluate gates. Results are persisted before any routing
		// decision for this attempt.
		gates := g.StepGates(step.ID)
		var results []GateResult
		if RequiresStructuredOutput(step) {
			results = append(results, EvaluateContract(output))
		}
		gctx := GateContext{RunID: runID, StorageRoot: r.store.StorageRoot(runID), Inputs: run.Inputs}
		results = append(results, evaluateAutoGates(step, gates, output, gctx)...)

		outcome := OutcomeHint(output)
		blocked := hasBlockingFailure(results)
		if blocked {
			outcome = OutcomeFail
			output += "\n\nQUALITY_GATES_BLOCKED: " + summarizeGateFailures(results)
		}

		sr.Status = StepCompleted
		sr.Output = output
		sr.Outcome = outcome
		sr.GateResults = results
		sr.EndedAt = time.Now()
		run, err = r.store.Mutate(runID, func(ru Run) (Run, error) {
			return ru.WithStep(sr).WithLog("info",
				fmt.Sprintf("step %s attempt %d completed outcome=%s", step.ID, attempt, outcome)), nil
		})
		if err != nil {
			return err
		}
		cev := newEvent(EventStepCompleted, runID)
		cev.StepID = step.ID
		cev.Attempt = attempt
		r.emit(cev)
		if blocked {
			bev := newEvent(EventGateBlocked, runID)
			bev.StepID = step.ID
			bev.Attempt = attempt
			bev.Message = summarizeGateFailures(results)
			r.emit(bev)
			log.Printf("component=engine action=gates_blocked run_id=%s step_id=%s attempt=%d", runID, step.ID, attempt)
		}

		// Step 6: manual approval gates. The run waits in awaiting_approval
		// until every approval for this attempt is resolved.
		if manual := manualGates(gates); len(manual) > 0 {
			run, err = ensureApprovals(r.store, runID, step.ID, attempt, manual)
			if err != nil {
				return err
			}
			if pending := run.PendingApprovalsFor(step.ID, attempt); len(pending) > 0 {
				aev := newEvent(EventApprovalPending, runID)
				aev.StepID = step.ID
				aev.Attempt = attempt
				aev.Message = fmt.Sprintf("%d approval(s) pending", len(pending))
				r.emit(aev)
				log.Printf("component=engine action=awaiting_approval run_id=%s step_id=%s attempt=%d pending=%d",
					runID, step.ID, attempt, len(pending))
			}

			approvals, aerr := awaitApprovals(ctx, r.store, runID, step.ID, attempt, r.approvalPoll)
			if aerr != nil {
				if errors.Is(aerr, context.Canceled) || ctx.Err() != nil {
					return fmt.Errorf("approval wait interrupted: %w", ErrExecAborted)
				}
				return aerr
			}

			apRes := approvalGateResults(approvals, manual)
			results = append(results, apRes...)
			if hasBlockingFailure(apRes) && !blocked {
				blocked = true
				outcome = OutcomeFail
				sr.Output += "\n\nQUALITY_GATES_BLOCKED: " + summarizeGateFailures(apRes)
			}
			sr.Outcome = outcome
			sr.GateResults = results
			run, err = r.store.Mutate(runID, func(ru Run) (Run, error) {
				ru = ru.WithStep(sr)
				if ru.Status == RunAwaitingApproval && len(ru.PendingApprovals()) == 0 {
					ru = ru.WithStatus(RunRunning, "approvals resolved")
				}
				return ru, nil
			})
			if err != nil {
				return err
			}
		}

		// Step 7: routing.
		links := routeLinks(g.Outgoing[step.ID], outcome, blocked)
		for _, l := range links {
			queue.EnqueueOrUpdate(l.To, step.ID, "route")
		}
		if len(links) > 0 {
			log.Printf("component=engine action=routed run_id=%s step_id=%s outcome=%s routes=%d",
				runID, step.ID, outcome, len(links))
		}

		// Step 8: disconnected fallback. A neutral dead end advances to the
		// next unvisited pipeline-ordered step so loosely-linked pipelines
		// keep moving instead of silently stalling.
		if len(links) == 0 {
			if outcome == OutcomeNeutral && !blocked {
				if next := g.NextUnvisited(run.Visited, queue.Contains); next != nil {
					queue.EnqueueOrUpdate(next.ID, step.ID, "disconnected_fallback")
					run, err = r.store.Mutate(runID, func(ru Run) (Run, error) {
						return ru.WithLog("info", fmt.Sprintf(
							"disconnected fallback: enqueued %s after dead end at %s", next.ID, step.ID)), nil
					})
					if err != nil {
						return err
					}
					log.Printf("component=engine action=disconnected_fallback run_id=%s from=%s to=%s",
						runID, step.ID, next.ID)
				}
			} else if blocked {
				run, err = r.store.Mutate(runID, func(ru Run) (Run, error) {
					return ru.WithLog("info", fmt.Sprintf("branch stopped at %s: no on_fail routes", step.ID)), nil
				})
				if err != nil {
					return err
				}
			}
		}
	}

	// Step 9: queue drained; the run is complete.
	if run.ExecutedSteps() == 0 {
		return &FatalRunError{Reason: "run finished with no steps executed"}
	}
	blockedSteps := 0
	for _, sr := range run.Steps {
		if hasBlockingFailure(sr.GateResults) {
			blockedSteps++
		}
	}
	msg := fmt.Sprintf("run completed (%d step(s) executed)", run.ExecutedSteps())
	if blockedSteps > 0 {
		msg += fmt.Sprintf("; %d gate-blocked branch(es)", blockedSteps)
	}
	if _, err := r.store.Mutate(runID, func(ru Run) (Run, error) {
		return ru.WithStatus(RunCompleted, msg), nil
	}); err != nil {
		if errors.Is(err, ErrRunTerminal) {
			return nil
		}
		return err
	}
	r.emit(newEvent(EventRunCompleted, runID))
	log.Printf("component=engine action=run_completed run_id=%s steps=%d", runID, run.ExecutedSteps())
	return nil
}

// executeStep runs one attempt within its timeout budget, retrying once with
// the degraded fallback profile when the first attempt times out and enough
// of the stage budget remains.
func (r *Runner) executeStep(ctx context.Context, run Run, p *pipeline.Pipeline, step *pipeline.Step, attempt int, input string) (ExecResult, ExecProfile, error) {
	profile := profileFor(step)
	req := ExecRequest{
		RunID:       run.ID,
		Pipeline:    p,
		Step:        step,
		Attempt:     attempt,
		Input:       input,
		Profile:     profile,
		StorageRoot: r.store.StorageRoot(run.ID),
		Inputs:      run.Inputs,
	}

	start := time.Now()
	budget := attemptTimeout(step, p.Limits, 0)
	if budget <= 0 {
		return ExecResult{}, profile, fmt.Errorf("stage budget exhausted: %w", ErrExecTimedOut)
	}

	res, err := r.runAttempt(ctx, req, budget)
	if err == nil || !errors.Is(err, ErrExecTimedOut) {
		return res, profile, err
	}

	degraded, ok := fallbackProfile(profile)
	if !ok {
		return res, profile, err
	}
	fb := fallbackTimeout(step, p.Limits, time.Since(start))
	if fb <= 0 {
		return res, profile, err
	}

	log.Printf("component=engine action=degraded_retry run_id=%s step_id=%s attempt=%d effort=%s context_window=%d",
		run.ID, step.ID, attempt, degraded.Effort, degraded.ContextWindow)
	req.Input = trimContext(req.Input)
	req.Profile = degraded
	res, err = r.runAttempt(ctx, req, fb)
	return res, degraded, err
}

// runAttempt invokes the executor under a timeout and classifies the
// failure: worker cancellation beats deadline, deadline beats other errors.
func (r *Runner) runAttempt(ctx context.Context, req ExecRequest, budget time.Duration) (ExecResult, error) {
	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	res, err := safeExecuteStep(actx, r.exec, req)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("step %s attempt %d: %w", req.Step.ID, req.Attempt, ErrExecAborted)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(actx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("step %s attempt %d exceeded %s: %w", req.Step.ID, req.Attempt, budget, ErrExecTimedOut)
	}
	return res, err
}

// safeExecuteStep wraps the executor with panic recovery so one misbehaving
// implementation cannot take down the engine.
func safeExecuteStep(ctx context.Context, exec StepExecutor, req ExecRequest) (res ExecResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("component=engine action=executor_panic step_id=%s error=%v\n%s", req.Step.ID, rec, debug.Stack())
			err = fmt.Errorf("executor panic in step %q: %v", req.Step.ID, rec)
		}
	}()
	return exec.ExecuteStep(ctx, req)
}

// buildStepInput composes the executor's input context: the run task and
// inputs, the output that routed execution here, any prior-attempt failure
// note, and the step's own instructions.
func buildStepInput(run Run, step *pipeline.Step, item queueEntry, prior StepRun) string {
	var b strings.Builder

	b.WriteString("# Task\n")
	b.WriteString(run.Task)
	b.WriteString("\n")

	if run.Scenario != "" {
		b.WriteString("\n# Scenario\n")
		b.WriteString(run.Scenario)
		b.WriteString("\n")
	}

	if len(run.Inputs) > 0 {
		keys := make([]string, 0, len(run.Inputs))
		for k := range run.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n# Inputs\n")
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("%s: %s\n", k, run.Inputs[k]))
		}
	}

	if item.QueuedByStepID != "" {
		if up, ok := run.Step(item.QueuedByStepID); ok && up.Output != "" {
			b.WriteString(fmt.Sprintf("\n# Output from %s\n", item.QueuedByStepID))
			b.WriteString(up.Output)
			b.WriteString("\n")
		}
	}

	if prior.Attempts > 0 && prior.Error != "" {
		b.WriteString(fmt.Sprintf("\n# Previous attempt\nattempt %d failed: %s\n", prior.Attempts, prior.Error))
	}

	b.WriteString("\n# Instructions\n")
	b.WriteString(step.Prompt)
	return b.String()
}

func describeEntry(item queueEntry) string {
	if item.QueuedByStepID == "" {
		return "reason " + item.QueuedByReason
	}
	return fmt.Sprintf("queued by %s, reason %s", item.QueuedByStepID, item.QueuedByReason)
}

func hasBlockingFailure(results []GateResult) bool {
	for _, gr := range results {
		if gr.Blocking && !gr.Passed() {
			return true
		}
	}
	return false
}
