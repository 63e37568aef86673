// ABOUTME: Runtime record types for runs: Run, StepRun, Approval, LogEntry, and status enums.
// ABOUTME: Records are value snapshots; every transition builds a new value via the run store's Mutate.
package conductor

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389-research/drover/pipeline"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued            RunStatus = "queued"
	RunRunning           RunStatus = "running"
	RunPaused            RunStatus = "paused"
	RunAwaitingApproval  RunStatus = "awaiting_approval"
	RunCompleted         RunStatus = "completed"
	RunFailed            RunStatus = "failed"
	RunCancelled         RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are sticky:
// no later mutation may move a run out of them.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus is the lifecycle state of one step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Outcome is the per-step workflow classification driving routing. It is
// distinct from gate pass/fail: a step can complete with a neutral outcome.
type Outcome string

const (
	OutcomeNeutral Outcome = "neutral"
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
)

// GateResult records one quality gate evaluation for a step attempt. Details
// documents which signal source produced the verdict
// (source=json|artifact|output|legacy_text|approval).
type GateResult struct {
	GateID   string `json:"gateId"`
	Status   string `json:"status"` // "pass" or "fail"
	Blocking bool   `json:"blocking"`
	Message  string `json:"message,omitempty"`
	Details  string `json:"details,omitempty"`
}

// Passed reports whether the gate passed.
func (g GateResult) Passed() bool { return g.Status == "pass" }

// StepRun is the execution record for one step within a run. It is created
// lazily when the step is first touched and updated on every attempt.
type StepRun struct {
	StepID         string       `json:"stepId"`
	Name           string       `json:"name,omitempty"`
	Status         StepStatus   `json:"status"`
	Attempts       int          `json:"attempts"`
	Outcome        Outcome      `json:"workflowOutcome"`
	GateResults    []GateResult `json:"qualityGateResults,omitempty"`
	QueuedByStepID string       `json:"queuedByStepId,omitempty"`
	QueuedByReason string       `json:"queuedByReason,omitempty"`
	Output         string       `json:"output,omitempty"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"startedAt,omitempty"`
	EndedAt        time.Time    `json:"endedAt,omitempty"`
}

// ApprovalStatus is the lifecycle state of a manual approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Resolved reports whether the approval has left pending. Resolution is
// terminal and never reversible.
func (s ApprovalStatus) Resolved() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// Approval is a pending human decision tied to a gate, step, and attempt.
type Approval struct {
	ID         string         `json:"id"`
	GateID     string         `json:"gateId"`
	StepID     string         `json:"stepId"`
	Attempt    int            `json:"attempt"`
	Status     ApprovalStatus `json:"status"`
	Note       string         `json:"note,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ResolvedAt time.Time      `json:"resolvedAt,omitempty"`
}

// ApprovalID builds the canonical approval id for a gate/step/attempt.
func ApprovalID(gateID, stepID string, attempt int) string {
	return gateID + ":" + stepID + ":attempt:" + strconv.Itoa(attempt)
}

// LogEntry is one line of a run's persisted log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Run is one execution instance of a pipeline. The persisted JSON shape
// (runId, pipelineId, status, logs, approvals, steps) is the external
// inspection format written to the run's storage folder.
type Run struct {
	ID           string            `json:"runId"`
	PipelineID   string            `json:"pipelineId"`
	PipelineName string            `json:"pipelineName,omitempty"`
	Status       RunStatus         `json:"status"`
	Task         string            `json:"task,omitempty"`
	Scenario     string            `json:"scenario,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	Steps        []StepRun         `json:"steps"`
	Approvals    []Approval        `json:"approvals"`
	Logs         []LogEntry        `json:"logs"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	StartedAt    time.Time         `json:"startedAt,omitempty"`
	EndedAt      time.Time         `json:"endedAt,omitempty"`
}

// NewRunID generates a ULID run id.
func NewRunID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewRun builds a queued run for the given pipeline snapshot.
func NewRun(p *pipeline.Pipeline, task string, inputs map[string]string, scenario string) Run {
	now := time.Now()
	run := Run{
		ID:           NewRunID(),
		PipelineID:   p.ID,
		PipelineName: p.Name,
		Status:       RunQueued,
		Task:         task,
		Scenario:     scenario,
		Inputs:       inputs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return run.WithLog("info", fmt.Sprintf("run queued for pipeline %s", p.ID))
}

// Step returns the StepRun for stepID and whether it exists.
func (r Run) Step(stepID string) (StepRun, bool) {
	for _, sr := range r.Steps {
		if sr.StepID == stepID {
			return sr, true
		}
	}
	return StepRun{}, false
}

// Visited reports whether the step has executed at least once.
func (r Run) Visited(stepID string) bool {
	sr, ok := r.Step(stepID)
	return ok && sr.Attempts > 0
}

// ExecutedSteps counts steps with at least one attempt.
func (r Run) ExecutedSteps() int {
	n := 0
	for _, sr := range r.Steps {
		if sr.Attempts > 0 {
			n++
		}
	}
	return n
}

// WithStep returns a copy of the run with the StepRun replaced (matched by
// StepID) or appended.
func (r Run) WithStep(sr StepRun) Run {
	out := r.clone()
	for i := range out.Steps {
		if out.Steps[i].StepID == sr.StepID {
			out.Steps[i] = sr
			return out
		}
	}
	out.Steps = append(out.Steps, sr)
	return out
}

// WithStatus returns a copy of the run with the new status and a log line.
// Terminal transitions stamp EndedAt.
func (r Run) WithStatus(status RunStatus, message string) Run {
	out := r.clone()
	out.Status = status
	if status.Terminal() && out.EndedAt.IsZero() {
		out.EndedAt = time.Now()
	}
	if message != "" {
		out = out.appendLog("info", message)
	}
	return out
}

// WithError returns a copy with the run error set.
func (r Run) WithError(msg string) Run {
	out := r.clone()
	out.Error = msg
	return out
}

// WithLog returns a copy with an appended log entry.
func (r Run) WithLog(level, message string) Run {
	return r.clone().appendLog(level, message)
}

// WithApproval returns a copy with the approval replaced (matched by ID) or
// appended.
func (r Run) WithApproval(a Approval) Run {
	out := r.clone()
	for i := range out.Approvals {
		if out.Approvals[i].ID == a.ID {
			out.Approvals[i] = a
			return out
		}
	}
	out.Approvals = append(out.Approvals, a)
	return out
}

// Approval returns the approval with the given id and whether it exists.
func (r Run) Approval(id string) (Approval, bool) {
	for _, a := range r.Approvals {
		if a.ID == id {
			return a, true
		}
	}
	return Approval{}, false
}

// PendingApprovals returns every approval still pending.
func (r Run) PendingApprovals() []Approval {
	var pending []Approval
	for _, a := range r.Approvals {
		if a.Status == ApprovalPending {
			pending = append(pending, a)
		}
	}
	return pending
}

// PendingApprovalsFor returns pending approvals scoped to one step attempt.
func (r Run) PendingApprovalsFor(stepID string, attempt int) []Approval {
	var pending []Approval
	for _, a := range r.Approvals {
		if a.Status == ApprovalPending && a.StepID == stepID && a.Attempt == attempt {
			pending = append(pending, a)
		}
	}
	return pending
}

// clone deep-copies the run's slices and map so snapshot values never share
// mutable state.
func (r Run) clone() Run {
	out := r
	if r.Inputs != nil {
		out.Inputs = make(map[string]string, len(r.Inputs))
		for k, v := range r.Inputs {
			out.Inputs[k] = v
		}
	}
	if r.Steps != nil {
		out.Steps = make([]StepRun, len(r.Steps))
		copy(out.Steps, r.Steps)
		for i := range out.Steps {
			if out.Steps[i].GateResults != nil {
				results := make([]GateResult, len(out.Steps[i].GateResults))
				copy(results, out.Steps[i].GateResults)
				out.Steps[i].GateResults = results
			}
		}
	}
	if r.Approvals != nil {
		out.Approvals = make([]Approval, len(r.Approvals))
		copy(out.Approvals, r.Approvals)
	}
	if r.Logs != nil {
		out.Logs = make([]LogEntry, len(r.Logs))
		copy(out.Logs, r.Logs)
	}
	return out
}

func (r Run) appendLog(level, message string) Run {
	r.Logs = append(r.Logs, LogEntry{Time: time.Now(), Level: level, Message: message})
	return r
}

// TransitionError reports an operation rejected because of the run's (or
// approval's) current status.
type TransitionError struct {
	RunID string
	Op    string
	From  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s run %s from status %s", e.Op, e.RunID, e.From)
}

// FatalRunError marks a non-retryable engine failure (loop or attempt
// overruns, configuration errors).
type FatalRunError struct {
	Reason string
}

func (e *FatalRunError) Error() string { return e.Reason }

// normalizeRun enforces the status invariants on a mutated snapshot: pending
// approvals force awaiting_approval unless the run is terminal or explicitly
// paused.
func normalizeRun(r Run) Run {
	if r.Status.Terminal() || r.Status == RunPaused {
		return r
	}
	if len(r.PendingApprovals()) > 0 && r.Status != RunAwaitingApproval {
		return r.WithStatus(RunAwaitingApproval, "")
	}
	return r
}

// summarizeGateFailures joins failed blocking gate messages for the
// QUALITY_GATES_BLOCKED annotation.
func summarizeGateFailures(results []GateResult) string {
	var parts []string
	for _, gr := range results {
		if gr.Blocking && !gr.Passed() {
			parts = append(parts, fmt.Sprintf("%s: %s", gr.GateID, gr.Message))
		}
	}
	return strings.Join(parts, "; ")
}
