// ABOUTME: RunStore is the persistence seam for run records and their event logs.
// ABOUTME: Mutate is the single write path; it enforces sticky terminal statuses and approval normalization.
package conductor

import "errors"

var (
	// ErrRunNotFound is returned for lookups of unknown run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunTerminal is returned by Mutate when the run has already reached
	// a terminal status.
	ErrRunTerminal = errors.New("run already terminal")
)

// RunStore persists run records, their event logs, and per-run artifact
// storage. Run records are value snapshots; Mutate is applied atomically
// with respect to concurrent mutations of the same run.
type RunStore interface {
	// CreateRun persists a new run record. Fails if the id already exists.
	CreateRun(run Run) error

	// Run returns a snapshot of the run record.
	Run(id string) (Run, error)

	// Runs returns snapshots of every stored run, newest first.
	Runs() ([]Run, error)

	// Mutate loads the run, applies fn, normalizes the result, and
	// persists it. Terminal runs reject all mutation with ErrRunTerminal.
	// The returned record is the persisted state.
	Mutate(id string, fn func(Run) (Run, error)) (Run, error)

	// AppendEvent assigns the event's per-run sequence number and appends
	// it to the run's event log.
	AppendEvent(ev Event) (Event, error)

	// Events returns the run's events with Seq greater than afterSeq.
	Events(runID string, afterSeq int) ([]Event, error)

	// StorageRoot returns the run's shared artifact directory.
	StorageRoot(runID string) string
}
