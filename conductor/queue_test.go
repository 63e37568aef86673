// ABOUTME: Tests for the FIFO ready-step queue and its dedup-by-step-id semantics.
// ABOUTME: Covers ordering, provenance updates in place, and re-enqueue after dequeue.
package conductor

import "testing"

func TestStepQueue_FIFOOrder(t *testing.T) {
	q := newStepQueue()
	q.EnqueueOrUpdate("a", "", "entry")
	q.EnqueueOrUpdate("b", "a", "route")
	q.EnqueueOrUpdate("c", "a", "route")

	want := []string{"a", "b", "c"}
	for _, id := range want {
		entry, ok := q.Dequeue()
		if !ok {
			t.Fatalf("expected entry %q, queue was empty", id)
		}
		if entry.StepID != id {
			t.Errorf("expected step %q, got %q", id, entry.StepID)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("expected empty queue after draining")
	}
}

func TestStepQueue_DedupUpdatesProvenanceInPlace(t *testing.T) {
	q := newStepQueue()
	if !q.EnqueueOrUpdate("review", "build", "route") {
		t.Error("first enqueue should report newly added")
	}
	q.EnqueueOrUpdate("docs", "build", "route")

	// Re-enqueue from a different step: position must not change, provenance must.
	if q.EnqueueOrUpdate("review", "test", "route") {
		t.Error("re-enqueue of a queued step should not report newly added")
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 entries after dedup, got %d", q.Len())
	}

	entry, _ := q.Dequeue()
	if entry.StepID != "review" {
		t.Errorf("expected review to keep its original position, got %q", entry.StepID)
	}
	if entry.QueuedByStepID != "test" || entry.QueuedByReason != "route" {
		t.Errorf("expected updated provenance test/route, got %s/%s", entry.QueuedByStepID, entry.QueuedByReason)
	}
}

func TestStepQueue_ReEnqueueAfterDequeue(t *testing.T) {
	q := newStepQueue()
	q.EnqueueOrUpdate("a", "", "entry")
	q.Dequeue()

	if q.Contains("a") {
		t.Error("dequeued step should no longer be contained")
	}
	if !q.EnqueueOrUpdate("a", "b", "route") {
		t.Error("step dequeued earlier should enqueue as new")
	}
	entry, ok := q.Dequeue()
	if !ok || entry.QueuedByStepID != "b" {
		t.Errorf("expected fresh entry queued by b, got %+v ok=%v", entry, ok)
	}
}

func TestStepQueue_Contains(t *testing.T) {
	q := newStepQueue()
	if q.Contains("x") {
		t.Error("empty queue should not contain x")
	}
	q.EnqueueOrUpdate("x", "", "entry")
	if !q.Contains("x") {
		t.Error("queue should contain x after enqueue")
	}
}
