// ABOUTME: Entry point for the drover CLI, dispatching the serve, run, validate,
// ABOUTME: prune, and secret subcommands. Loads .env config before dispatch.
package main

import (
	"fmt"
	"os"
)

// version is stamped at build time via -ldflags; "dev" for local builds.
var version = "dev"

func main() {
	loadDotEnvAuto()
	os.Exit(run(os.Args[1:]))
}

// run dispatches to a subcommand and returns the process exit code.
func run(args []string) int {
	if len(args) == 0 {
		printHelp(os.Stderr, version)
		return 2
	}

	switch args[0] {
	case "help", "-h", "-help", "--help":
		printHelp(os.Stdout, version)
		return 0
	case "version", "-version", "--version":
		fmt.Printf("drover %s\n", version)
		return 0
	case "serve":
		return runServe(parseServeArgs(args[1:]))
	case "run":
		return runPipeline(parseRunArgs(args[1:]))
	case "validate":
		return validatePipeline(parseValidateArgs(args[1:]))
	case "prune":
		return runPrune(parsePruneArgs(args[1:]))
	case "secret":
		return runSecret(parseSecretArgs(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printHelp(os.Stderr, version)
		return 2
	}
}
