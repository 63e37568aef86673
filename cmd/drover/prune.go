// ABOUTME: The "drover prune" subcommand: deletes terminal run directories older
// ABOUTME: than -max-age and rebuilds the SQLite run index afterwards.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/2389-research/drover/conductor"
	"github.com/2389-research/drover/store"
)

// pruneConfig holds configuration for the "drover prune" subcommand.
type pruneConfig struct {
	dataDir string
	maxAge  time.Duration
}

// parsePruneArgs parses prune-specific flags.
func parsePruneArgs(args []string) pruneConfig {
	var cfg pruneConfig
	fs := flag.NewFlagSet("drover prune", flag.ContinueOnError)
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Data directory (default: $XDG_DATA_HOME/drover)")
	fs.DurationVar(&cfg.maxAge, "max-age", 30*24*time.Hour, "Delete terminal runs older than this")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: drover prune [flags]")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Delete old finished run records. Active runs are never touched.")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Flags:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	return cfg
}

// runPrune removes terminal runs past the age cutoff.
func runPrune(cfg pruneConfig) int {
	dataDir, err := resolveDataDir(cfg.dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	runs, err := conductor.NewFSRunStore(filepath.Join(dataDir, "runs"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	n, err := runs.Prune(cfg.maxAge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	// Rebuild the index so pruned runs drop out of counts and listings.
	if st, err := store.Open(filepath.Join(dataDir, "drover.db")); err == nil {
		if all, err := runs.Runs(); err == nil {
			if err := st.SyncRunIndex(context.Background(), all); err != nil {
				fmt.Fprintf(os.Stderr, "warning: could not rebuild run index: %v\n", err)
			}
		}
		st.Close()
	} else {
		fmt.Fprintf(os.Stderr, "warning: could not open run index: %v\n", err)
	}

	fmt.Printf("pruned %d run(s) older than %s\n", n, cfg.maxAge)
	return 0
}
