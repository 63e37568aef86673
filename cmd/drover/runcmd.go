// ABOUTME: The "drover run" subcommand: one-shot execution of a single pipeline
// ABOUTME: YAML file, blocking until the run finishes and printing its report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/2389-research/drover/conductor"
	"github.com/2389-research/drover/executor"
	"github.com/2389-research/drover/pipeline"
	"github.com/2389-research/drover/render"
	"github.com/2389-research/drover/store"
	"github.com/2389-research/drover/toolcall"
)

// runConfig holds configuration for the "drover run" subcommand.
type runConfig struct {
	pipelineFile string
	task         string
	scenario     string
	inputs       map[string]string
	dataDir      string
	toolConfig   string
}

// inputFlags collects repeated -input key=value pairs.
type inputFlags map[string]string

func (f inputFlags) String() string {
	pairs := make([]string, 0, len(f))
	for k, v := range f {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (f inputFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("input must be key=value, got %q", v)
	}
	f[key] = value
	return nil
}

// parseRunArgs parses run-specific flags. The pipeline file is the first
// positional argument after the flags.
func parseRunArgs(args []string) runConfig {
	inputs := inputFlags{}
	var cfg runConfig
	fs := flag.NewFlagSet("drover run", flag.ContinueOnError)
	fs.StringVar(&cfg.task, "task", "", "Task description passed to the pipeline")
	fs.StringVar(&cfg.scenario, "scenario", "", "Named scenario to run the pipeline under")
	fs.Var(inputs, "input", "Pipeline input as key=value (repeatable)")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Data directory (default: $XDG_DATA_HOME/drover)")
	fs.StringVar(&cfg.toolConfig, "tool-config", "", "Tool server config file (YAML)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: drover run [flags] <pipeline.yaml>")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Execute one pipeline to completion and print its report.")
		fmt.Fprintln(os.Stderr, "Pipelines with manual approval gates need the API; use drover serve.")
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
	cfg.inputs = inputs
	cfg.pipelineFile = fs.Arg(0)
	return cfg
}

// runPipeline loads a pipeline definition, queues a run against it, waits for
// the run to finish, and prints the markdown report to stdout.
func runPipeline(cfg runConfig) int {
	if cfg.pipelineFile == "" {
		fmt.Fprintln(os.Stderr, "error: no pipeline file given")
		return 2
	}

	p, err := pipeline.Load(cfg.pipelineFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if printDiagnostics(os.Stderr, pipeline.Validate(p)) {
		fmt.Fprintln(os.Stderr, "Validation failed.")
		return 1
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

	ctx := context.Background()

	st, err := store.Open(filepath.Join(dataDir, "drover.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer st.Close()

	if err := st.UpsertPipeline(ctx, p); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	runs, err := conductor.NewFSRunStore(filepath.Join(dataDir, "runs"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	runs.SetObserver(st.RunObserver())

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

	status := executor.DetectProviders()
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

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	queued, err := runner.QueueRun(ctx, p.ID, cfg.task, cfg.inputs, cfg.scenario)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "run %s queued for pipeline %s\n", queued.ID, p.ID)

	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, stopping run...")
		if err := runner.Stop(queued.ID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not stop run: %v\n", err)
		}
	}()

	runner.Wait(queued.ID)

	final, err := runs.Run(queued.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Println(render.RunReport(final))

	if final.Status != conductor.RunCompleted {
		return 1
	}
	return 0
}
