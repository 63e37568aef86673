// ABOUTME: Stall watchdog: flags step attempts stuck in running far past any sane budget.
// ABOUTME: Emits one event per stalled step attempt; it observes runs but never mutates their records.
package conductor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	// defaultStallThreshold is how long a step may sit in running before
	// the watchdog flags it.
	defaultStallThreshold = 10 * time.Minute
	watchdogSweepInterval = time.Minute
)

// Watchdog periodically scans active runs for step attempts that have been
// running longer than the stall threshold. Each step attempt is flagged at
// most once.
type Watchdog struct {
	store     RunStore
	events    EventSink
	threshold time.Duration

	mu   sync.Mutex
	seen map[string]bool
}

// NewWatchdog builds a watchdog over the run store. A zero threshold uses
// the default.
func NewWatchdog(store RunStore, events EventSink, threshold time.Duration) *Watchdog {
	if threshold <= 0 {
		threshold = defaultStallThreshold
	}
	return &Watchdog{
		store:     store,
		events:    events,
		threshold: threshold,
		seen:      map[string]bool{},
	}
}

// Start sweeps once a minute until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(watchdogSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.Sweep(now)
		}
	}
}

// Sweep flags stalled step attempts across all non-terminal runs and
// returns how many new stalls were found.
func (w *Watchdog) Sweep(now time.Time) int {
	runs, err := w.store.Runs()
	if err != nil {
		log.Printf("component=watchdog action=scan_error error=%v", err)
		return 0
	}

	flagged := 0
	for _, run := range runs {
		if run.Status.Terminal() {
			continue
		}
		for _, sr := range run.Steps {
			if sr.Status != StepRunning || sr.StartedAt.IsZero() {
				continue
			}
			stalled := now.Sub(sr.StartedAt)
			if stalled < w.threshold {
				continue
			}
			key := fmt.Sprintf("%s:%s:%d", run.ID, sr.StepID, sr.Attempts)
			w.mu.Lock()
			dup := w.seen[key]
			if !dup {
				w.seen[key] = true
			}
			w.mu.Unlock()
			if dup {
				continue
			}

			ev := newEvent(EventWatchdogStall, run.ID)
			ev.StepID = sr.StepID
			ev.Attempt = sr.Attempts
			ev.Message = fmt.Sprintf("step running for %s (threshold %s)", stalled.Round(time.Second), w.threshold)
			if stored, err := w.store.AppendEvent(ev); err == nil {
				ev = stored
			}
			if w.events != nil {
				w.events.Publish(ev)
			}
			log.Printf("component=watchdog action=stall_flagged run_id=%s step_id=%s attempt=%d running_for=%s",
				run.ID, sr.StepID, sr.Attempts, stalled.Round(time.Second))
			flagged++
		}
	}
	return flagged
}
