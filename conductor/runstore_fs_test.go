// ABOUTME: Tests for the filesystem run store: persistence, mutation, events, reload, pruning.
// ABOUTME: Covers terminal stickiness, approval normalization on write, and the observer hook.
package conductor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389-research/drover/pipeline"
)

func newTestStore(t *testing.T) *FSRunStore {
	t.Helper()
	store, err := NewFSRunStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store
}

func newTestRun(t *testing.T, store *FSRunStore) Run {
	t.Helper()
	p := buildPipeline("pipe-1", []pipeline.Step{{ID: "a", Prompt: "x"}}, nil, nil)
	run := NewRun(p, "do the thing", map[string]string{"repo": "demo"}, "")
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestFSRunStore_CreateAndRead(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store)

	got, err := store.Run(run.ID)
	if err != nil {
		t.Fatalf("read run: %v", err)
	}
	if got.PipelineID != "pipe-1" || got.Status != RunQueued {
		t.Errorf("unexpected run record %+v", got)
	}
	if got.Inputs["repo"] != "demo" {
		t.Errorf("inputs not persisted: %+v", got.Inputs)
	}

	// run.json must exist on disk.
	if _, err := os.Stat(filepath.Join(store.baseDir, run.ID, "run.json")); err != nil {
		t.Errorf("run.json missing: %v", err)
	}
	// artifacts/ is provisioned at create time.
	if _, err := os.Stat(store.StorageRoot(run.ID)); err != nil {
		t.Errorf("artifacts dir missing: %v", err)
	}
}

func TestFSRunStore_CreateRejectsDuplicate(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store)

	if err := store.CreateRun(run); err == nil {
		t.Error("expected duplicate create to fail")
	}
}

func TestFSRunStore_RunNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Run("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := store.Mutate("nope", func(r Run) (Run, error) { return r, nil }); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound from Mutate, got %v", err)
	}
}

func TestFSRunStore_MutatePersists(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store)

	updated, err := store.Mutate(run.ID, func(r Run) (Run, error) {
		return r.WithStatus(RunRunning, "started"), nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if updated.Status != RunRunning {
		t.Errorf("expected running, got %s", updated.Status)
	}
	if !updated.UpdatedAt.After(run.UpdatedAt) && !updated.UpdatedAt.Equal(run.UpdatedAt) {
		t.Error("UpdatedAt should be stamped on mutate")
	}

	// A fresh store over the same directory must see the mutation.
	reloaded, err := NewFSRunStore(store.baseDir)
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	got, err := reloaded.Run(run.ID)
	if err != nil {
		t.Fatalf("read reloaded run: %v", err)
	}
	if got.Status != RunRunning {
		t.Errorf("mutation not persisted, got %s", got.Status)
	}
}

func TestFSRunStore_MutateRejectsTerminalRuns(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store)

	if _, err := store.Mutate(run.ID, func(r Run) (Run, error) {
		return r.WithStatus(RunCompleted, "done"), nil
	}); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	_, err := store.Mutate(run.ID, func(r Run) (Run, error) {
		return r.WithStatus(RunRunning, "zombie"), nil
	})
	if !errors.Is(err, ErrRunTerminal) {
		t.Errorf("expected ErrRunTerminal, got %v", err)
	}
}

func TestFSRunStore_MutateNormalizesPendingApprovals(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store)

	got, err := store.Mutate(run.ID, func(r Run) (Run, error) {
		r = r.WithStatus(RunRunning, "")
		return r.WithApproval(Approval{
			ID:      ApprovalID("gate-1", "a", 1),
			GateID:  "gate-1",
			StepID:  "a",
			Attempt: 1,
			Status:  ApprovalPending,
		}), nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if got.Status != RunAwaitingApproval {
		t.Errorf("pending approval must force awaiting_approval, got %s", got.Status)
	}
}

func TestFSRunStore_MutateErrorDiscardsChanges(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store)

	wantErr := errors.New("no thanks")
	if _, err := store.Mutate(run.ID, func(r Run) (Run, error) {
		return r.WithStatus(RunFailed, "oops"), wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error back, got %v", err)
	}

	got, _ := store.Run(run.ID)
	if got.Status != RunQueued {
		t.Errorf("failed mutation must not persist, got %s", got.Status)
	}
}

func TestFSRunStore_AppendAndReadEvents(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store)

	for _, typ := range []EventType{EventRunQueued, EventRunStarted, EventStepStarted} {
		if _, err := store.AppendEvent(newEvent(typ, run.ID)); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}

	events, err := store.Events(run.ID, 0)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != i+1 {
			t.Errorf("expected seq %d, got %d", i+1, ev.Seq)
		}
	}

	tail, err := store.Events(run.ID, 2)
	if err != nil {
		t.Fatalf("read events after seq: %v", err)
	}
	if len(tail) != 1 || tail[0].Type != EventStepStarted {
		t.Errorf("expected only the last event after seq 2, got %+v", tail)
	}
}

func TestFSRunStore_EventSeqsSurviveReload(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store)

	store.AppendEvent(newEvent(EventRunQueued, run.ID))
	store.AppendEvent(newEvent(EventRunStarted, run.ID))

	reloaded, err := NewFSRunStore(store.baseDir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	ev, err := reloaded.AppendEvent(newEvent(EventRunCompleted, run.ID))
	if err != nil {
		t.Fatalf("append after reload: %v", err)
	}
	if ev.Seq != 3 {
		t.Errorf("expected seq to continue at 3 after reload, got %d", ev.Seq)
	}
}

func TestFSRunStore_ReloadSkipsCorruptRecords(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store)

	// A second directory with an unparseable record must not break startup.
	badDir := filepath.Join(store.baseDir, "corrupt-run")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "run.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewFSRunStore(store.baseDir)
	if err != nil {
		t.Fatalf("reload with corrupt record: %v", err)
	}
	runs, err := reloaded.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Errorf("expected only the healthy run, got %d records", len(runs))
	}
}

func TestFSRunStore_PruneRemovesOldTerminalRuns(t *testing.T) {
	store := newTestStore(t)
	old := newTestRun(t, store)
	fresh := newTestRun(t, store)

	if _, err := store.Mutate(old.ID, func(r Run) (Run, error) {
		r = r.WithStatus(RunCompleted, "done")
		r.EndedAt = time.Now().Add(-48 * time.Hour)
		return r, nil
	}); err != nil {
		t.Fatal(err)
	}

	removed, err := store.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 pruned run, got %d", removed)
	}
	if _, err := store.Run(old.ID); !errors.Is(err, ErrRunNotFound) {
		t.Error("old terminal run should be gone")
	}
	if _, err := store.Run(fresh.ID); err != nil {
		t.Errorf("non-terminal run must survive pruning: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.baseDir, old.ID)); !os.IsNotExist(err) {
		t.Error("pruned run directory should be removed from disk")
	}
}

func TestFSRunStore_ObserverSeesPersistedSnapshots(t *testing.T) {
	store := newTestStore(t)

	var seen []Run
	store.SetObserver(func(r Run) { seen = append(seen, r) })

	run := newTestRun(t, store)
	store.Mutate(run.ID, func(r Run) (Run, error) {
		return r.WithStatus(RunRunning, ""), nil
	})

	if len(seen) != 2 {
		t.Fatalf("expected observer called for create and mutate, got %d", len(seen))
	}
	if seen[0].Status != RunQueued || seen[1].Status != RunRunning {
		t.Errorf("observer snapshots out of order: %s then %s", seen[0].Status, seen[1].Status)
	}
}
