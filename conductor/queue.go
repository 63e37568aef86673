// ABOUTME: FIFO ready-step queue with dedup-by-step-id semantics for the run loop.
// ABOUTME: Re-enqueuing a queued step updates its provenance in place instead of duplicating it.
package conductor

// queueEntry is one ready step waiting to execute, carrying provenance for
// who queued it and why (route, entry, disconnected_fallback).
type queueEntry struct {
	StepID         string
	QueuedByStepID string
	QueuedByReason string
}

// stepQueue is the per-run ready queue. It preserves FIFO order; a step id
// appears at most once. Not safe for concurrent use: the run loop is the
// only owner.
type stepQueue struct {
	entries []queueEntry
	queued  map[string]bool
}

func newStepQueue() *stepQueue {
	return &stepQueue{queued: make(map[string]bool)}
}

// EnqueueOrUpdate appends the step to the queue, or, when the step is already
// queued, updates its QueuedByStepID/QueuedByReason in place without changing
// its position. Returns true when the step was newly added.
func (q *stepQueue) EnqueueOrUpdate(stepID, queuedBy, reason string) bool {
	if q.queued[stepID] {
		for i := range q.entries {
			if q.entries[i].StepID == stepID {
				q.entries[i].QueuedByStepID = queuedBy
				q.entries[i].QueuedByReason = reason
				break
			}
		}
		return false
	}
	q.entries = append(q.entries, queueEntry{StepID: stepID, QueuedByStepID: queuedBy, QueuedByReason: reason})
	q.queued[stepID] = true
	return true
}

// Dequeue pops the oldest entry. The second return is false when the queue is
// empty.
func (q *stepQueue) Dequeue() (queueEntry, bool) {
	if len(q.entries) == 0 {
		return queueEntry{}, false
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	delete(q.queued, entry.StepID)
	return entry, true
}

// Contains reports whether the step is currently queued.
func (q *stepQueue) Contains(stepID string) bool {
	return q.queued[stepID]
}

// Len returns the number of queued steps.
func (q *stepQueue) Len() int {
	return len(q.entries)
}
