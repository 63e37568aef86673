// ABOUTME: Capability interfaces the run loop depends on: step execution, pipeline catalog, secure inputs, cron markers.
// ABOUTME: Implementations live in the executor and store packages; tests swap in closure-backed fakes.
package conductor

import (
	"context"
	"errors"

	"github.com/2389-research/drover/pipeline"
)

var (
	// ErrExecTimedOut marks an attempt that exhausted its timeout budget.
	ErrExecTimedOut = errors.New("step execution timed out")
	// ErrExecAborted marks an attempt interrupted by a stop or pause.
	ErrExecAborted = errors.New("step execution aborted")
	// ErrPipelineNotFound is returned by Catalog lookups for unknown ids.
	ErrPipelineNotFound = errors.New("pipeline not found")
)

// ExecRequest describes one step execution attempt.
type ExecRequest struct {
	RunID       string
	Pipeline    *pipeline.Pipeline
	Step        *pipeline.Step
	Attempt     int
	Input       string
	Profile     ExecProfile
	StorageRoot string
	Inputs      map[string]string
}

// ExecResult is the raw outcome of one attempt. Model records what actually
// served the attempt, which may differ from the step's configured model.
type ExecResult struct {
	Output string
	Model  string
}

// StepExecutor runs a single step attempt. Implementations must honor ctx
// cancellation; the loop classifies timeout versus interrupt afterward.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// Catalog resolves pipeline definitions by id.
type Catalog interface {
	Pipeline(ctx context.Context, id string) (*pipeline.Pipeline, error)
	Pipelines(ctx context.Context) ([]*pipeline.Pipeline, error)
}

// SecureInputs supplies stored credential inputs merged into a run's inputs
// at queue time. Missing pipelines yield an empty map, not an error.
type SecureInputs interface {
	SecureInputs(ctx context.Context, pipelineID string) (map[string]string, error)
}

// MarkerStore persists the last cron trigger marker per pipeline. Marker
// returns "" when no marker has been committed yet.
type MarkerStore interface {
	Marker(ctx context.Context, pipelineID string) (string, error)
	SetMarker(ctx context.Context, pipelineID, marker string) error
}
