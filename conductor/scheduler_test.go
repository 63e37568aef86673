// ABOUTME: Tests for the cron scheduler: slot matching, idempotent markers, and catch-up behavior.
// ABOUTME: Covers active-run skips, preflight-failed retries, and invalid-config markers logged once.
package conductor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/drover/pipeline"
)

// fakeMarkers is a map-backed MarkerStore counting writes.
type fakeMarkers struct {
	mu       sync.Mutex
	markers  map[string]string
	setCalls int
}

func newFakeMarkers() *fakeMarkers {
	return &fakeMarkers{markers: map[string]string{}}
}

func (f *fakeMarkers) Marker(ctx context.Context, pipelineID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markers[pipelineID], nil
}

func (f *fakeMarkers) SetMarker(ctx context.Context, pipelineID, marker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers[pipelineID] = marker
	f.setCalls++
	return nil
}

func (f *fakeMarkers) get(pipelineID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markers[pipelineID]
}

func (f *fakeMarkers) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCalls
}

// schedPipeline builds a one-step pipeline with an enabled schedule.
func schedPipeline(id, cronExpr, tz string) *pipeline.Pipeline {
	p := buildPipeline(id, []pipeline.Step{{ID: "job", Prompt: "run the job"}}, nil, nil)
	p.Name = "Nightly Build"
	p.Schedule = &pipeline.Schedule{Enabled: true, Cron: cronExpr, Timezone: tz}
	return p
}

// newTestScheduler wires a scheduler, its runner, and a marker store over a
// shared catalog.
func newTestScheduler(t *testing.T, exec StepExecutor, planner PreflightPlanner, ps ...*pipeline.Pipeline) (*Scheduler, *Runner, *FSRunStore, *fakeMarkers, *eventRecorder) {
	t.Helper()
	store := newTestStore(t)
	cat := newFakeCatalog(ps...)
	rec := &eventRecorder{}
	r, err := NewRunner(RunnerOptions{
		Store:        store,
		Catalog:      cat,
		Executor:     exec,
		Preflight:    planner,
		Events:       rec,
		ApprovalPoll: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	markers := newFakeMarkers()
	return NewScheduler(r, cat, markers), r, store, markers, rec
}

// waitAll waits for every worker the scheduler started.
func waitAll(r *Runner) {
	for _, id := range r.ActiveRunIDs() {
		r.Wait(id)
	}
}

func TestSchedulerTick_TriggersMatchingSlotOnce(t *testing.T) {
	p := schedPipeline("nightly", "0 12 * * *", "UTC")
	exec := newOutputExecutor(map[string]string{"job": passOutput})
	s, r, store, markers, rec := newTestScheduler(t, exec, nil, p)

	now := time.Date(2026, 3, 14, 12, 3, 27, 0, time.UTC)
	s.Tick(context.Background(), now)
	waitAll(r)

	runs, _ := store.Runs()
	if len(runs) != 1 {
		t.Fatalf("expected 1 triggered run, got %d", len(runs))
	}
	run := runs[0]
	if run.Task != "Scheduled run of Nightly Build" {
		t.Errorf("expected default scheduled task, got %q", run.Task)
	}
	if run.Scenario != "scheduled" {
		t.Errorf("expected scheduled scenario, got %q", run.Scenario)
	}
	if got := markers.get("nightly"); got != "2026-03-14T12:00|0 12 * * *|UTC" {
		t.Errorf("unexpected marker %q", got)
	}
	if rec.count(EventScheduleTrigger) != 1 {
		t.Errorf("expected one schedule.triggered event, got %v", rec.typeSequence())
	}

	// The same tick later in the window must not re-trigger.
	s.Tick(context.Background(), now.Add(2*time.Minute))
	waitAll(r)
	runs, _ = store.Runs()
	if len(runs) != 1 {
		t.Errorf("marker must make the slot idempotent, got %d runs", len(runs))
	}
}

func TestSchedulerTick_CatchUpWindowCoversMissedSlot(t *testing.T) {
	p := schedPipeline("nightly", "0 12 * * *", "UTC")
	exec := newOutputExecutor(map[string]string{"job": passOutput})
	s, r, store, _, _ := newTestScheduler(t, exec, nil, p)

	// The tick lands 14 minutes after the slot: still inside the window.
	now := time.Date(2026, 3, 14, 12, 14, 5, 0, time.UTC)
	s.Tick(context.Background(), now)
	waitAll(r)

	runs, _ := store.Runs()
	if len(runs) != 1 {
		t.Fatalf("expected the missed slot to trigger, got %d runs", len(runs))
	}

	// 16 minutes after the slot falls outside the window: nothing fires.
	s2, r2, store2, _, _ := newTestScheduler(t, newOutputExecutor(map[string]string{"job": passOutput}), nil, schedPipeline("nightly", "0 12 * * *", "UTC"))
	s2.Tick(context.Background(), time.Date(2026, 3, 14, 12, 16, 5, 0, time.UTC))
	waitAll(r2)
	runs2, _ := store2.Runs()
	if len(runs2) != 0 {
		t.Errorf("slot outside the window must not trigger, got %d runs", len(runs2))
	}
}

func TestSchedulerTick_TimezoneSlotMatching(t *testing.T) {
	p := schedPipeline("daily", "30 9 * * *", "America/New_York")
	exec := newOutputExecutor(map[string]string{"job": passOutput})
	s, r, store, markers, _ := newTestScheduler(t, exec, nil, p)

	// 13:33 UTC on a summer date is 09:33 in New York: slot 09:30 matches.
	now := time.Date(2026, 6, 15, 13, 33, 0, 0, time.UTC)
	s.Tick(context.Background(), now)
	waitAll(r)

	runs, _ := store.Runs()
	if len(runs) != 1 {
		t.Fatalf("expected the local-time slot to trigger, got %d runs", len(runs))
	}
	if got := markers.get("daily"); !strings.HasPrefix(got, "2026-06-15T09:30|") {
		t.Errorf("marker must use the local slot key, got %q", got)
	}
}

func TestSchedulerTick_ActiveRunSkipConsumesSlot(t *testing.T) {
	p := schedPipeline("nightly", "0 12 * * *", "UTC")
	exec, started := newBlockingExecutor()
	s, r, store, markers, _ := newTestScheduler(t, exec, nil, p)

	day1 := time.Date(2026, 3, 14, 12, 3, 0, 0, time.UTC)
	s.Tick(context.Background(), day1)
	<-started

	// Next day's slot fires while the first run still executes: the slot is
	// consumed without queueing a second run.
	day2 := day1.Add(24 * time.Hour)
	s.Tick(context.Background(), day2)

	runs, _ := store.Runs()
	if len(runs) != 1 {
		t.Fatalf("active run must suppress a new trigger, got %d runs", len(runs))
	}
	if got := markers.get("nightly"); got != "2026-03-15T12:00|0 12 * * *|UTC" {
		t.Errorf("skipped slot must still commit its marker, got %q", got)
	}

	if err := r.Stop(runs[0].ID); err != nil {
		t.Fatal(err)
	}
	r.Wait(runs[0].ID)
}

func TestSchedulerTick_PreflightFailureLeavesMarkerForRetry(t *testing.T) {
	p := schedPipeline("nightly", "0 12 * * *", "UTC")
	failing := PreflightPlannerFunc(func(ctx context.Context, p *pipeline.Pipeline) []PreflightCheck {
		return []PreflightCheck{namedCheck("provider-openai", errors.New("no key"))}
	})
	s, _, store, markers, _ := newTestScheduler(t, newNeutralExecutor(), failing, p)

	now := time.Date(2026, 3, 14, 12, 3, 0, 0, time.UTC)
	s.Tick(context.Background(), now)

	runs, _ := store.Runs()
	if len(runs) != 0 {
		t.Fatalf("preflight failure must queue nothing, got %d runs", len(runs))
	}
	if got := markers.get("nightly"); got != "" {
		t.Errorf("marker must stay untouched for a retry, got %q", got)
	}

	// A later tick inside the window retries the same slot.
	s.Tick(context.Background(), now.Add(5*time.Minute))
	if markers.writes() != 0 {
		t.Errorf("no marker writes expected while preflight fails, got %d", markers.writes())
	}
}

func TestSchedulerTick_InvalidCronMarkedOnce(t *testing.T) {
	p := schedPipeline("broken", "every day at noon", "UTC")
	s, _, store, markers, _ := newTestScheduler(t, newNeutralExecutor(), nil, p)

	now := time.Date(2026, 3, 14, 12, 3, 0, 0, time.UTC)
	s.Tick(context.Background(), now)

	if got := markers.get("broken"); got != "invalid-config|every day at noon|UTC" {
		t.Fatalf("expected the invalid-config marker, got %q", got)
	}
	if markers.writes() != 1 {
		t.Errorf("expected exactly one marker write, got %d", markers.writes())
	}

	// Subsequent ticks see the marker and stay quiet.
	s.Tick(context.Background(), now.Add(time.Minute))
	s.Tick(context.Background(), now.Add(2*time.Minute))
	if markers.writes() != 1 {
		t.Errorf("invalid config must be recorded once, got %d writes", markers.writes())
	}
	runs, _ := store.Runs()
	if len(runs) != 0 {
		t.Errorf("invalid schedule must never trigger, got %d runs", len(runs))
	}
}

func TestSchedulerTick_FixedConfigReArms(t *testing.T) {
	p := schedPipeline("repaired", "bogus", "UTC")
	exec := newOutputExecutor(map[string]string{"job": passOutput})
	s, r, store, markers, _ := newTestScheduler(t, exec, nil, p)

	now := time.Date(2026, 3, 14, 12, 3, 0, 0, time.UTC)
	s.Tick(context.Background(), now)
	if !strings.HasPrefix(markers.get("repaired"), "invalid-config|") {
		t.Fatalf("setup: expected invalid marker, got %q", markers.get("repaired"))
	}

	// Operator fixes the cron; the next tick triggers despite the marker.
	p.Schedule.Cron = "0 12 * * *"
	s.Tick(context.Background(), now)
	waitAll(r)

	runs, _ := store.Runs()
	if len(runs) != 1 {
		t.Errorf("fixed config must re-arm the slot, got %d runs", len(runs))
	}
}

func TestSchedulerTick_SkipsDisabledAndEmptySchedules(t *testing.T) {
	disabled := schedPipeline("disabled", "0 12 * * *", "UTC")
	disabled.Schedule.Enabled = false
	noCron := schedPipeline("no-cron", "", "UTC")
	unscheduled := buildPipeline("plain", []pipeline.Step{{ID: "a", Prompt: "x"}}, nil, nil)

	s, _, store, markers, _ := newTestScheduler(t, newNeutralExecutor(), nil, disabled, noCron, unscheduled)
	s.Tick(context.Background(), time.Date(2026, 3, 14, 12, 3, 0, 0, time.UTC))

	runs, _ := store.Runs()
	if len(runs) != 0 || markers.writes() != 0 {
		t.Errorf("nothing may fire for disabled or empty schedules: runs=%d writes=%d", len(runs), markers.writes())
	}
}

func TestSchedulerTick_CustomTaskAndInputs(t *testing.T) {
	p := schedPipeline("nightly", "0 12 * * *", "UTC")
	p.Schedule.Task = "Refresh the nightly report"
	p.Schedule.Inputs = map[string]string{"depth": "full"}
	exec := newOutputExecutor(map[string]string{"job": passOutput})
	s, r, store, _, _ := newTestScheduler(t, exec, nil, p)

	s.Tick(context.Background(), time.Date(2026, 3, 14, 12, 3, 0, 0, time.UTC))
	waitAll(r)

	runs, _ := store.Runs()
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Task != "Refresh the nightly report" {
		t.Errorf("schedule task must be used verbatim, got %q", runs[0].Task)
	}
	if runs[0].Inputs["depth"] != "full" {
		t.Errorf("schedule inputs must reach the run, got %+v", runs[0].Inputs)
	}
}

func TestMarkerCovers(t *testing.T) {
	slot := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	cronExpr := "0 12 * * *"

	cases := []struct {
		name   string
		marker string
		want   bool
	}{
		{"same slot", "2026-03-14T12:00|0 12 * * *|UTC", true},
		{"newer marker covers older slot", "2026-03-15T12:00|0 12 * * *|UTC", true},
		{"older marker does not cover", "2026-03-13T12:00|0 12 * * *|UTC", false},
		{"different cron re-arms", "2026-03-14T12:00|30 9 * * *|UTC", false},
		{"different timezone re-arms", "2026-03-14T12:00|0 12 * * *|America/New_York", false},
		{"invalid-config never covers", "invalid-config|0 12 * * *|UTC", false},
		{"empty marker", "", false},
		{"malformed marker", "2026-03-14T12:00", false},
	}
	for _, tc := range cases {
		if got := markerCovers(tc.marker, slot, cronExpr, "UTC"); got != tc.want {
			t.Errorf("%s: markerCovers(%q) = %v, want %v", tc.name, tc.marker, got, tc.want)
		}
	}
}
