// ABOUTME: Cron scheduler: fixed 15s ticks match enabled pipeline schedules against a catch-up window of minute slots.
// ABOUTME: A persisted marker (slot|cron|timezone) per pipeline makes triggering idempotent across ticks and restarts.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389-research/drover/pipeline"
)

const (
	// SchedulerTick is the fixed interval between scheduler sweeps.
	SchedulerTick = 15 * time.Second
	// catchUpWindow is how far back each tick re-checks minute slots, so
	// brief scheduler downtime does not drop a trigger.
	catchUpWindow = 15 * time.Minute

	slotKeyLayout = "2006-01-02T15:04"
)

// Scheduler triggers scheduled pipelines through the Runner. Ticks are
// strictly serialized: a tick arriving while one is in flight is a no-op.
type Scheduler struct {
	runner  *Runner
	catalog Catalog
	markers MarkerStore
	ticking atomic.Bool
}

// NewScheduler builds a Scheduler around the runner, catalog, and marker
// store.
func NewScheduler(runner *Runner, catalog Catalog, markers MarkerStore) *Scheduler {
	return &Scheduler{runner: runner, catalog: catalog, markers: markers}
}

// Start ticks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(SchedulerTick)
	defer ticker.Stop()

	log.Printf("component=scheduler action=started tick=%s window=%s", SchedulerTick, catchUpWindow)
	for {
		select {
		case <-ctx.Done():
			log.Printf("component=scheduler action=stopped")
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick evaluates every enabled schedule once. Re-entrant calls while a tick
// is in flight return immediately.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	if !s.ticking.CompareAndSwap(false, true) {
		return
	}
	defer s.ticking.Store(false)

	pipelines, err := s.catalog.Pipelines(ctx)
	if err != nil {
		log.Printf("component=scheduler action=catalog_error error=%v", err)
		return
	}
	for _, p := range pipelines {
		if p.Schedule == nil || !p.Schedule.Enabled || p.Schedule.Cron == "" {
			continue
		}
		s.evaluatePipeline(ctx, p, now)
	}
}

// evaluatePipeline matches the pipeline's cron against the catch-up window
// and triggers at most one new run.
func (s *Scheduler) evaluatePipeline(ctx context.Context, p *pipeline.Pipeline, now time.Time) {
	marker, err := s.markers.Marker(ctx, p.ID)
	if err != nil {
		log.Printf("component=scheduler action=marker_error pipeline_id=%s error=%v", p.ID, err)
		return
	}

	tz := p.Schedule.Timezone
	if tz == "" {
		tz = "UTC"
	}
	sched, cronErr := cron.ParseStandard(p.Schedule.Cron)
	loc, tzErr := time.LoadLocation(tz)
	if cronErr != nil || tzErr != nil {
		// Record the broken config as a distinct marker so the warning is
		// logged once, not every tick.
		invalid := invalidScheduleMarker(p.Schedule.Cron, tz)
		if marker != invalid {
			log.Printf("component=scheduler action=invalid_schedule pipeline_id=%s cron=%q tz=%q cron_err=%v tz_err=%v",
				p.ID, p.Schedule.Cron, tz, cronErr, tzErr)
			if err := s.markers.SetMarker(ctx, p.ID, invalid); err != nil {
				log.Printf("component=scheduler action=marker_write_error pipeline_id=%s error=%v", p.ID, err)
			}
		}
		return
	}

	end := now.In(loc).Truncate(time.Minute)
	for slot := end.Add(-catchUpWindow); !slot.After(end); slot = slot.Add(time.Minute) {
		if !sched.Next(slot.Add(-time.Second)).Equal(slot) {
			continue
		}
		key := scheduleMarker(slot, p.Schedule.Cron, tz)
		if markerCovers(marker, slot, p.Schedule.Cron, tz) {
			continue
		}

		if s.runner.HasActiveRun(p.ID) {
			// The slot genuinely fired; it is consumed even though no new
			// run is queued alongside the active one.
			log.Printf("component=scheduler action=skip_active_run pipeline_id=%s slot=%s", p.ID, slot.Format(slotKeyLayout))
			if err := s.markers.SetMarker(ctx, p.ID, key); err != nil {
				log.Printf("component=scheduler action=marker_write_error pipeline_id=%s error=%v", p.ID, err)
			}
			marker = key
			continue
		}

		task := p.Schedule.Task
		if task == "" {
			task = fmt.Sprintf("Scheduled run of %s", p.Name)
		}
		run, err := s.runner.QueueRun(ctx, p.ID, task, p.Schedule.Inputs, "scheduled")
		if err != nil {
			// Admission failed before a run existed; leave the marker
			// untouched so a later tick can retry the slot while it is
			// still inside the window.
			var pf *PreflightError
			if errors.As(err, &pf) {
				log.Printf("component=scheduler action=preflight_failed pipeline_id=%s slot=%s error=%v",
					p.ID, slot.Format(slotKeyLayout), err)
			} else {
				log.Printf("component=scheduler action=trigger_error pipeline_id=%s slot=%s error=%v",
					p.ID, slot.Format(slotKeyLayout), err)
			}
			return
		}

		if err := s.markers.SetMarker(ctx, p.ID, key); err != nil {
			log.Printf("component=scheduler action=marker_write_error pipeline_id=%s error=%v", p.ID, err)
		}
		marker = key
		ev := newEvent(EventScheduleTrigger, run.ID)
		ev.Message = fmt.Sprintf("slot %s", slot.Format(slotKeyLayout))
		s.runner.emit(ev)
		log.Printf("component=scheduler action=triggered pipeline_id=%s run_id=%s slot=%s",
			p.ID, run.ID, slot.Format(slotKeyLayout))
	}
}

// scheduleMarker builds the persisted marker value for a triggered slot.
func scheduleMarker(slot time.Time, cronExpr, tz string) string {
	return slot.Format(slotKeyLayout) + "|" + cronExpr + "|" + tz
}

// invalidScheduleMarker is the distinct marker recorded for broken cron or
// timezone config.
func invalidScheduleMarker(cronExpr, tz string) string {
	return "invalid-config|" + cronExpr + "|" + tz
}

// markerCovers reports whether the stored marker already accounts for the
// slot. Markers written under a different cron expression or timezone do
// not count: editing the schedule re-arms every slot in the window.
func markerCovers(marker string, slot time.Time, cronExpr, tz string) bool {
	parts := strings.SplitN(marker, "|", 3)
	if len(parts) != 3 {
		return false
	}
	if parts[1] != cronExpr || parts[2] != tz {
		return false
	}
	if parts[0] == "invalid-config" {
		return false
	}
	// Slot keys are fixed-width, so string order is chronological order.
	return slot.Format(slotKeyLayout) <= parts[0]
}
