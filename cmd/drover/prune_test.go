// ABOUTME: Tests for the drover prune subcommand covering age-based deletion,
// ABOUTME: protection of active runs, and the run index rebuild.
package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389-research/drover/conductor"
	"github.com/2389-research/drover/store"
)

func TestParsePruneArgsDefaults(t *testing.T) {
	cfg := parsePruneArgs(nil)
	if cfg.maxAge != 30*24*time.Hour {
		t.Errorf("maxAge = %s, want 720h", cfg.maxAge)
	}
	if cfg.dataDir != "" {
		t.Errorf("dataDir = %q, want empty", cfg.dataDir)
	}
}

func TestRunPrune(t *testing.T) {
	dataDir := t.TempDir()
	runs, err := conductor.NewFSRunStore(filepath.Join(dataDir, "runs"))
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	seed := []conductor.Run{
		{ID: "r-stale", PipelineID: "p1", Status: conductor.RunCompleted,
			CreatedAt: now.Add(-72 * time.Hour), UpdatedAt: now.Add(-48 * time.Hour), EndedAt: now.Add(-48 * time.Hour)},
		{ID: "r-fresh", PipelineID: "p1", Status: conductor.RunCompleted,
			CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-1 * time.Hour), EndedAt: now.Add(-1 * time.Hour)},
		{ID: "r-active", PipelineID: "p1", Status: conductor.RunRunning,
			CreatedAt: now.Add(-72 * time.Hour), UpdatedAt: now.Add(-48 * time.Hour)},
	}
	for _, r := range seed {
		if err := runs.CreateRun(r); err != nil {
			t.Fatalf("seed %s: %v", r.ID, err)
		}
	}

	if code := runPrune(pruneConfig{dataDir: dataDir, maxAge: 24 * time.Hour}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	if _, err := os.Stat(filepath.Join(dataDir, "runs", "r-stale")); !os.IsNotExist(err) {
		t.Error("expected r-stale run dir to be deleted")
	}
	for _, id := range []string{"r-fresh", "r-active"} {
		if _, err := os.Stat(filepath.Join(dataDir, "runs", id)); err != nil {
			t.Errorf("expected %s run dir to survive: %v", id, err)
		}
	}

	// The index rebuild should reflect only the surviving runs.
	st, err := store.Open(filepath.Join(dataDir, "drover.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	counts, err := st.RunCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts["completed"] != 1 || counts["running"] != 1 {
		t.Errorf("run counts after prune = %v, want completed:1 running:1", counts)
	}
}

func TestRunPruneEmptyStore(t *testing.T) {
	if code := runPrune(pruneConfig{dataDir: t.TempDir(), maxAge: time.Hour}); code != 0 {
		t.Errorf("exit code = %d, want 0 for an empty store", code)
	}
}
