// ABOUTME: The "drover validate" subcommand: lints a pipeline YAML file and
// ABOUTME: prints diagnostics without executing anything.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/2389-research/drover/pipeline"
)

// validateConfig holds configuration for the "drover validate" subcommand.
type validateConfig struct {
	pipelineFile string
}

// parseValidateArgs parses validate arguments. The pipeline file is the
// first positional argument.
func parseValidateArgs(args []string) validateConfig {
	var cfg validateConfig
	fs := flag.NewFlagSet("drover validate", flag.ContinueOnError)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: drover validate <pipeline.yaml>")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Lint a pipeline definition and report problems.")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	cfg.pipelineFile = fs.Arg(0)
	return cfg
}

// validatePipeline parses and lints a pipeline file without executing it.
func validatePipeline(cfg validateConfig) int {
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

	fmt.Println("Pipeline is valid.")
	return 0
}

// printDiagnostics writes lint findings to w and reports whether any were
// errors.
func printDiagnostics(w io.Writer, diags []pipeline.Diagnostic) bool {
	hasErrors := false
	for _, d := range diags {
		fmt.Fprintf(w, "[%s] %s", d.Severity, d.Message)
		if d.StepID != "" {
			fmt.Fprintf(w, " (step: %s)", d.StepID)
		}
		if d.GateID != "" {
			fmt.Fprintf(w, " (gate: %s)", d.GateID)
		}
		fmt.Fprintln(w)

		if d.Severity == pipeline.SeverityError {
			hasErrors = true
		}
	}
	return hasErrors
}
