// ABOUTME: Help display for the drover CLI with subcommand usage, examples, and
// ABOUTME: environment status. envStatus never prints key values, only presence.
package main

import (
	"fmt"
	"io"
	"os"
)

const droverASCII = `
           ((___))
           [ o o ]      .       .
        ____\ ~ /____________________
       /    |___|       ~~  ~~    ~~ \
      | drover: move the herd, step by step
       \____________________________/
`

// printHelp writes a formatted help message to w, including subcommand usage,
// examples, environment status, and a docs link.
func printHelp(w io.Writer, ver string) {
	fmt.Fprint(w, droverASCII)
	fmt.Fprintf(w, "drover %s, an LLM workflow orchestration engine\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  drover serve [flags]                        Start the engine and REST API")
	fmt.Fprintln(w, "  drover run [flags] <pipeline.yaml>          Execute one pipeline to completion")
	fmt.Fprintln(w, "  drover validate <pipeline.yaml>             Lint a pipeline definition")
	fmt.Fprintln(w, "  drover prune [flags]                        Delete old finished run records")
	fmt.Fprintln(w, "  drover secret set <pipeline> <key> <value>  Store a secure input")
	fmt.Fprintln(w, "  drover secret delete <pipeline> <key>       Remove a secure input")
	fmt.Fprintln(w, "  drover secret list <pipeline>               List secure input keys")
	fmt.Fprintln(w, "  drover version                              Print version and exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run \"drover <command> -h\" for command-specific flags.")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  drover validate pipelines/release.yaml")
	fmt.Fprintln(w, "  drover run -task \"ship v2\" pipelines/release.yaml")
	fmt.Fprintln(w, "  drover serve -pipeline-dir ./pipelines")
	fmt.Fprintln(w, "  drover prune -max-age 168h")
	fmt.Fprintln(w, "  drover secret set release GH_TOKEN ghp_example")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  ANTHROPIC_API_KEY        %s\n", envStatus("ANTHROPIC_API_KEY"))
	fmt.Fprintf(w, "  OPENAI_API_KEY           %s\n", envStatus("OPENAI_API_KEY"))
	fmt.Fprintf(w, "  GEMINI_API_KEY           %s\n", envStatus("GEMINI_API_KEY"))
	fmt.Fprintf(w, "  DROVER_DEFAULT_PROVIDER  %s\n", envStatus("DROVER_DEFAULT_PROVIDER"))
	fmt.Fprintf(w, "  DROVER_DEFAULT_MODEL     %s\n", envStatus("DROVER_DEFAULT_MODEL"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  At least one API key is required to execute runs. Keys load from the")
	fmt.Fprintln(w, "  nearest .env file or from config.env in ~/.config/drover.")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Docs: https://github.com/2389-research/drover")
}

// envStatus returns "[set]" if the named environment variable is non-empty,
// or "[not set]" otherwise.
func envStatus(key string) string {
	if os.Getenv(key) != "" {
		return "[set]"
	}
	return "[not set]"
}
