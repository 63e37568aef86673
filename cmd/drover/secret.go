// ABOUTME: The "drover secret" subcommand: manages per-pipeline secure inputs in
// ABOUTME: the SQLite store. Values are write-only; list prints keys, never values.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/2389-research/drover/store"
)

// secretConfig holds configuration for the "drover secret" subcommand.
type secretConfig struct {
	dataDir    string
	action     string
	pipelineID string
	key        string
	value      string
}

// parseSecretArgs parses secret flags and positional arguments:
// drover secret [flags] set|delete|list <pipeline-id> [key] [value]
func parseSecretArgs(args []string) secretConfig {
	var cfg secretConfig
	fs := flag.NewFlagSet("drover secret", flag.ContinueOnError)
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Data directory (default: $XDG_DATA_HOME/drover)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: drover secret [flags] set <pipeline-id> <key> <value>")
		fmt.Fprintln(os.Stderr, "       drover secret [flags] delete <pipeline-id> <key>")
		fmt.Fprintln(os.Stderr, "       drover secret [flags] list <pipeline-id>")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Secure inputs are injected into prompts at execution time and never")
		fmt.Fprintln(os.Stderr, "stored on run records.")
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
	cfg.action = fs.Arg(0)
	cfg.pipelineID = fs.Arg(1)
	cfg.key = fs.Arg(2)
	cfg.value = fs.Arg(3)
	return cfg
}

// runSecret applies one secure input operation against the store.
func runSecret(cfg secretConfig) int {
	switch cfg.action {
	case "set":
		if cfg.pipelineID == "" || cfg.key == "" || cfg.value == "" {
			fmt.Fprintln(os.Stderr, "error: usage: drover secret set <pipeline-id> <key> <value>")
			return 2
		}
	case "delete":
		if cfg.pipelineID == "" || cfg.key == "" {
			fmt.Fprintln(os.Stderr, "error: usage: drover secret delete <pipeline-id> <key>")
			return 2
		}
	case "list":
		if cfg.pipelineID == "" {
			fmt.Fprintln(os.Stderr, "error: usage: drover secret list <pipeline-id>")
			return 2
		}
	default:
		fmt.Fprintf(os.Stderr, "error: unknown secret action %q (want set, delete, or list)\n", cfg.action)
		return 2
	}

	dataDir, err := resolveDataDir(cfg.dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	st, err := store.Open(filepath.Join(dataDir, "drover.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer st.Close()

	ctx := context.Background()
	switch cfg.action {
	case "set":
		if err := st.SetSecureInput(ctx, cfg.pipelineID, cfg.key, cfg.value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		fmt.Printf("stored secure input %s for pipeline %s\n", cfg.key, cfg.pipelineID)
	case "delete":
		if err := st.DeleteSecureInput(ctx, cfg.pipelineID, cfg.key); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		fmt.Printf("deleted secure input %s for pipeline %s\n", cfg.key, cfg.pipelineID)
	case "list":
		inputs, err := st.SecureInputs(ctx, cfg.pipelineID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		if len(inputs) == 0 {
			fmt.Printf("no secure inputs for pipeline %s\n", cfg.pipelineID)
			return 0
		}
		keys := make([]string, 0, len(inputs))
		for k := range inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Println(k)
		}
	}
	return 0
}
