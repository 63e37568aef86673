// ABOUTME: The "drover serve" subcommand: boots the catalog, run store, executor,
// ABOUTME: runner, scheduler, watchdog, and HTTP API, then blocks until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/2389-research/drover/conductor"
	"github.com/2389-research/drover/executor"
	"github.com/2389-research/drover/store"
	"github.com/2389-research/drover/toolcall"
	"github.com/2389-research/drover/web"
)

// serveConfig holds configuration for the "drover serve" subcommand.
type serveConfig struct {
	addr        string
	dataDir     string
	pipelineDir string
	toolConfig  string
	stallAfter  time.Duration
}

// parseServeArgs parses serve-specific flags.
func parseServeArgs(args []string) serveConfig {
	var cfg serveConfig
	fs := flag.NewFlagSet("drover serve", flag.ContinueOnError)
	fs.StringVar(&cfg.addr, "addr", "127.0.0.1:4334", "Listen address for the HTTP API")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Data directory (default: $XDG_DATA_HOME/drover)")
	fs.StringVar(&cfg.pipelineDir, "pipeline-dir", "", "Directory of pipeline YAML files to sync into the catalog on startup")
	fs.StringVar(&cfg.toolConfig, "tool-config", "", "Tool server config file (YAML)")
	fs.DurationVar(&cfg.stallAfter, "stall-after", 0, "Flag running steps as stalled after this long (default 10m)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: drover serve [flags]")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Start the orchestration engine and REST API.")
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

// runServe wires the full engine and serves until SIGINT/SIGTERM.
func runServe(cfg serveConfig) int {
	status := executor.DetectProviders()
	if !status.AnyAvailable {
		fmt.Fprintln(os.Stderr, "warning: no LLM API key found; queued runs will fail preflight")
		fmt.Fprintln(os.Stderr, "Set one of: ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY")
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	st, err := store.Open(filepath.Join(dataDir, "drover.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer st.Close()

	if cfg.pipelineDir != "" {
		ids, err := st.SyncDir(ctx, cfg.pipelineDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "synced %d pipeline(s) from %s\n", len(ids), cfg.pipelineDir)
	}

	runs, err := conductor.NewFSRunStore(filepath.Join(dataDir, "runs"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	runs.SetObserver(st.RunObserver())
	if all, err := runs.Runs(); err == nil {
		if err := st.SyncRunIndex(ctx, all); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not rebuild run index: %v\n", err)
		}
	}

	var toolCfg *toolcall.Config
	if cfg.toolConfig != "" {
		toolCfg, err = toolcall.LoadConfig(cfg.toolConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
	}
	invoker := toolcall.NewInvoker(toolCfg)
	defer invoker.Close()

	agent, err := executor.NewAgent(executor.AgentOptions{
		Clients: executor.NewClientPool(status),
		Tools:   invoker,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	runner, err := conductor.NewRunner(conductor.RunnerOptions{
		Store:     runs,
		Catalog:   st,
		Executor:  agent,
		Secure:    st,
		Preflight: conductor.CombinePlanners(executor.ProviderPlanner(status), toolcall.ServerPlanner(toolCfg)),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer runner.Shutdown()

	if n, err := runner.Recover(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: recovery failed: %v\n", err)
	} else if n > 0 {
		fmt.Fprintf(os.Stderr, "recovered %d interrupted run(s)\n", n)
	}

	go conductor.NewScheduler(runner, st, st).Start(ctx)
	go conductor.NewWatchdog(runs, nil, cfg.stallAfter).Start(ctx)

	srv, err := web.NewServer(web.Config{
		Addr:      cfg.addr,
		Runner:    runner,
		Runs:      runs,
		Catalog:   st,
		Counts:    st,
		Providers: status,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "listening on %s\n", cfg.addr)
	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	return 0
}
