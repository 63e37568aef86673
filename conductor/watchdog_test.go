// ABOUTME: Tests for the stall watchdog: threshold detection, per-attempt dedup, and read-only scanning.
// ABOUTME: Verifies stall events reach the store and sink without touching the run record itself.
package conductor

import (
	"strings"
	"testing"
	"time"

	"github.com/2389-research/drover/pipeline"
)

func TestWatchdogSweep_FlagsStalledStep(t *testing.T) {
	store := newTestStore(t)
	p := buildPipeline("p1", []pipeline.Step{{ID: "build", Prompt: "do the work"}}, nil, nil)
	now := time.Now()
	run := seedRun(t, store, p, RunRunning, []StepRun{
		{StepID: "build", Status: StepRunning, Attempts: 1, StartedAt: now.Add(-15 * time.Minute)},
	})

	rec := &eventRecorder{}
	w := NewWatchdog(store, rec, 10*time.Minute)

	if got := w.Sweep(now); got != 1 {
		t.Fatalf("expected 1 stall, got %d", got)
	}
	if rec.count(EventWatchdogStall) != 1 {
		t.Errorf("expected one published stall event, got %v", rec.typeSequence())
	}

	events, err := store.Events(run.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1]
	if last.Type != EventWatchdogStall {
		t.Fatalf("expected stall event appended, got %s", last.Type)
	}
	if last.StepID != "build" || last.Attempt != 1 {
		t.Errorf("stall event must name the attempt, got step=%q attempt=%d", last.StepID, last.Attempt)
	}
	if !strings.Contains(last.Message, "15m0s") || !strings.Contains(last.Message, "threshold 10m0s") {
		t.Errorf("unexpected stall message %q", last.Message)
	}

	// The watchdog observes; it never rewrites the record.
	after, err := store.Run(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != RunRunning {
		t.Errorf("run status must be untouched, got %s", after.Status)
	}
	sr, _ := after.Step("build")
	if sr.Status != StepRunning || sr.Error != "" {
		t.Errorf("step record must be untouched, got status=%s error=%q", sr.Status, sr.Error)
	}
	if len(after.Logs) != len(run.Logs) {
		t.Errorf("run logs must be untouched: had %d, now %d", len(run.Logs), len(after.Logs))
	}
}

func TestWatchdogSweep_FlagsEachAttemptOnce(t *testing.T) {
	store := newTestStore(t)
	p := buildPipeline("p1", []pipeline.Step{{ID: "build", Prompt: "do the work"}}, nil, nil)
	now := time.Now()
	run := seedRun(t, store, p, RunRunning, []StepRun{
		{StepID: "build", Status: StepRunning, Attempts: 1, StartedAt: now.Add(-15 * time.Minute)},
	})

	rec := &eventRecorder{}
	w := NewWatchdog(store, rec, 10*time.Minute)

	if got := w.Sweep(now); got != 1 {
		t.Fatalf("first sweep: expected 1 stall, got %d", got)
	}
	if got := w.Sweep(now.Add(time.Minute)); got != 0 {
		t.Errorf("second sweep must not re-flag the same attempt, got %d", got)
	}

	// A fresh attempt of the same step is a new stall.
	_, err := store.Mutate(run.ID, func(ru Run) (Run, error) {
		sr, _ := ru.Step("build")
		sr.Attempts = 2
		sr.StartedAt = now.Add(-20 * time.Minute)
		return ru.WithStep(sr), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := w.Sweep(now.Add(2 * time.Minute)); got != 1 {
		t.Errorf("new attempt must be flagged again, got %d", got)
	}
	if rec.count(EventWatchdogStall) != 2 {
		t.Errorf("expected 2 stall events total, got %v", rec.typeSequence())
	}
}

func TestWatchdogSweep_IgnoresFreshAndFinishedSteps(t *testing.T) {
	store := newTestStore(t)
	p := buildPipeline("p1", []pipeline.Step{
		{ID: "fresh", Prompt: "a"},
		{ID: "done", Prompt: "b"},
		{ID: "unstarted", Prompt: "c"},
	}, nil, nil)
	now := time.Now()
	seedRun(t, store, p, RunRunning, []StepRun{
		{StepID: "fresh", Status: StepRunning, Attempts: 1, StartedAt: now.Add(-5 * time.Minute)},
		{StepID: "done", Status: StepCompleted, Attempts: 1, StartedAt: now.Add(-30 * time.Minute)},
		{StepID: "unstarted", Status: StepRunning, Attempts: 1},
	})

	w := NewWatchdog(store, nil, 10*time.Minute)
	if got := w.Sweep(now); got != 0 {
		t.Errorf("expected no stalls, got %d", got)
	}
}

func TestWatchdogSweep_SkipsTerminalRuns(t *testing.T) {
	store := newTestStore(t)
	p := buildPipeline("p1", []pipeline.Step{{ID: "build", Prompt: "do the work"}}, nil, nil)
	now := time.Now()
	seedRun(t, store, p, RunFailed, []StepRun{
		{StepID: "build", Status: StepRunning, Attempts: 1, StartedAt: now.Add(-time.Hour)},
	})

	w := NewWatchdog(store, nil, 10*time.Minute)
	if got := w.Sweep(now); got != 0 {
		t.Errorf("terminal runs must be skipped, got %d stalls", got)
	}
}

func TestNewWatchdog_DefaultThreshold(t *testing.T) {
	w := NewWatchdog(newTestStore(t), nil, 0)
	if w.threshold != defaultStallThreshold {
		t.Errorf("expected default threshold %s, got %s", defaultStallThreshold, w.threshold)
	}
}
