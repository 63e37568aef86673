// ABOUTME: Filesystem-backed RunStore: one directory per run with run.json, events.jsonl, and artifacts/.
// ABOUTME: Records are cached in memory and written via temp-file-plus-rename for atomicity.
package conductor

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Compile-time check that FSRunStore implements RunStore.
var _ RunStore = (*FSRunStore)(nil)

// FSRunStore is a filesystem-backed RunStore. Each run lives in a
// subdirectory of baseDir named by run id.
type FSRunStore struct {
	baseDir  string
	mu       sync.RWMutex
	cache    map[string]Run
	seqs     map[string]int
	observer func(Run)
}

// NewFSRunStore creates a run store rooted at baseDir, creating the base
// directory if needed and loading every existing run record into the cache.
func NewFSRunStore(baseDir string) (*FSRunStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	s := &FSRunStore{
		baseDir: baseDir,
		cache:   map[string]Run{},
		seqs:    map[string]int{},
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetObserver registers a callback invoked with a snapshot of each run
// record after it is persisted. Used to mirror run summaries into the
// SQLite index.
func (s *FSRunStore) SetObserver(fn func(Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// loadAll scans baseDir for run directories and caches every record that
// parses. Broken directories are skipped with a log line rather than
// failing startup.
func (s *FSRunStore) loadAll() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return fmt.Errorf("read base dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := s.readRun(entry.Name())
		if err != nil {
			log.Printf("component=runstore action=skip_corrupt run_id=%s error=%v", entry.Name(), err)
			continue
		}
		s.cache[run.ID] = run
		s.seqs[run.ID] = s.countEvents(run.ID)
	}
	return nil
}

func (s *FSRunStore) runDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// StorageRoot returns the run's shared artifact directory.
func (s *FSRunStore) StorageRoot(runID string) string {
	return filepath.Join(s.runDir(runID), "artifacts")
}

// CreateRun persists a new run record. Returns an error if a run with the
// same id already exists.
func (s *FSRunStore) CreateRun(run Run) error {
	s.mu.Lock()

	if _, ok := s.cache[run.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("run %q already exists", run.ID)
	}
	runDir := s.runDir(run.ID)
	if _, err := os.Stat(runDir); err == nil {
		s.mu.Unlock()
		return fmt.Errorf("run %q already exists", run.ID)
	}

	if err := os.MkdirAll(filepath.Join(runDir, "artifacts"), 0755); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create run directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "events.jsonl"), []byte(""), 0644); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create events file: %w", err)
	}

	stored := run.clone()
	if err := writeJSONAtomic(filepath.Join(runDir, "run.json"), stored); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("write run record: %w", err)
	}
	s.cache[run.ID] = stored
	s.seqs[run.ID] = 0
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(stored.clone())
	}
	return nil
}

// Run returns a snapshot of the run record.
func (s *FSRunStore) Run(id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.cache[id]
	if !ok {
		return Run{}, fmt.Errorf("run %q: %w", id, ErrRunNotFound)
	}
	return run.clone(), nil
}

// Runs returns snapshots of every stored run, newest first.
func (s *FSRunStore) Runs() ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, 0, len(s.cache))
	for _, run := range s.cache {
		out = append(out, run.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Mutate applies fn to a snapshot of the run, normalizes the result, and
// persists it. Terminal runs reject all mutation with ErrRunTerminal so a
// finished run can never drift.
func (s *FSRunStore) Mutate(id string, fn func(Run) (Run, error)) (Run, error) {
	s.mu.Lock()

	current, ok := s.cache[id]
	if !ok {
		s.mu.Unlock()
		return Run{}, fmt.Errorf("run %q: %w", id, ErrRunNotFound)
	}
	if current.Status.Terminal() {
		s.mu.Unlock()
		return Run{}, fmt.Errorf("run %q: %w", id, ErrRunTerminal)
	}

	next, err := fn(current.clone())
	if err != nil {
		s.mu.Unlock()
		return Run{}, err
	}
	next.ID = current.ID
	next = normalizeRun(next)
	next.UpdatedAt = time.Now().UTC()

	if err := writeJSONAtomic(filepath.Join(s.runDir(id), "run.json"), next); err != nil {
		s.mu.Unlock()
		return Run{}, fmt.Errorf("write run record: %w", err)
	}
	s.cache[id] = next
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(next.clone())
	}
	return next.clone(), nil
}

// AppendEvent assigns the next per-run sequence number and appends the
// event to the run's events.jsonl.
func (s *FSRunStore) AppendEvent(ev Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[ev.RunID]; !ok {
		return Event{}, fmt.Errorf("run %q: %w", ev.RunID, ErrRunNotFound)
	}

	ev.Seq = s.seqs[ev.RunID] + 1
	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}

	path := filepath.Join(s.runDir(ev.RunID), "events.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return Event{}, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return Event{}, fmt.Errorf("write event: %w", err)
	}
	s.seqs[ev.RunID] = ev.Seq
	return ev, nil
}

// Events returns the run's events with Seq greater than afterSeq, in append
// order.
func (s *FSRunStore) Events(runID string, afterSeq int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.cache[runID]; !ok {
		return nil, fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
	}

	data, err := os.ReadFile(filepath.Join(s.runDir(runID), "events.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("read events: %w", err)
	}

	var events []Event
	for i, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("parse event line %d: %w", i, err)
		}
		if ev.Seq > afterSeq {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Prune removes terminal runs whose records are older than maxAge and
// returns how many were deleted. Non-terminal runs are never pruned.
func (s *FSRunStore) Prune(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for id, run := range s.cache {
		if !run.Status.Terminal() {
			continue
		}
		stamp := run.EndedAt
		if stamp.IsZero() {
			stamp = run.UpdatedAt
		}
		if stamp.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(s.runDir(id)); err != nil {
			return removed, fmt.Errorf("prune run %q: %w", id, err)
		}
		delete(s.cache, id)
		delete(s.seqs, id)
		removed++
	}
	return removed, nil
}

func (s *FSRunStore) readRun(id string) (Run, error) {
	data, err := os.ReadFile(filepath.Join(s.runDir(id), "run.json"))
	if err != nil {
		return Run{}, err
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return Run{}, err
	}
	if run.ID != id {
		return Run{}, fmt.Errorf("run record id %q does not match directory %q", run.ID, id)
	}
	return run, nil
}

func (s *FSRunStore) countEvents(id string) int {
	data, err := os.ReadFile(filepath.Join(s.runDir(id), "events.jsonl"))
	if err != nil {
		return 0
	}
	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

// writeJSONAtomic writes a JSON-encoded value via a temp file + rename so a
// crash mid-write never leaves a truncated record.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
