// ABOUTME: Engine event records appended to each run's event log and fanned out to live subscribers.
// ABOUTME: Sequence numbers are assigned at append time; builders only stamp id, time, and type.
package conductor

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an engine lifecycle event.
type EventType string

const (
	EventRunQueued        EventType = "run.queued"
	EventRunStarted       EventType = "run.started"
	EventStepStarted      EventType = "run.step_started"
	EventStepCompleted    EventType = "run.step_completed"
	EventStepFailed       EventType = "run.step_failed"
	EventGateBlocked      EventType = "run.gate_blocked"
	EventApprovalPending  EventType = "run.approval_pending"
	EventApprovalResolved EventType = "run.approval_resolved"
	EventRunPaused        EventType = "run.paused"
	EventRunResumed       EventType = "run.resumed"
	EventRunCompleted     EventType = "run.completed"
	EventRunFailed        EventType = "run.failed"
	EventRunCancelled     EventType = "run.cancelled"
	EventRunRecovered     EventType = "run.recovered"
	EventScheduleTrigger  EventType = "schedule.triggered"
	EventWatchdogStall    EventType = "run.watchdog_stall"
)

// Event is one engine lifecycle record. Seq is per-run monotonic and is
// assigned when the event is appended to the run's log.
type Event struct {
	ID      string    `json:"id"`
	Seq     int       `json:"seq"`
	Time    time.Time `json:"time"`
	Type    EventType `json:"type"`
	RunID   string    `json:"runId"`
	StepID  string    `json:"stepId,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Message string    `json:"message,omitempty"`
}

// EventSink receives engine events. Publish must not block the run loop.
type EventSink interface {
	Publish(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(ev Event) { f(ev) }

type multiSink []EventSink

func (m multiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// MultiSink fans events out to every sink in order.
func MultiSink(sinks ...EventSink) EventSink { return multiSink(sinks) }

func newEvent(t EventType, runID string) Event {
	return Event{
		ID:    uuid.New().String(),
		Time:  time.Now().UTC(),
		Type:  t,
		RunID: runID,
	}
}
