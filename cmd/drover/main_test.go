// ABOUTME: Tests for the drover CLI dispatcher covering subcommand routing,
// ABOUTME: help and version handling, and unknown command rejection.
package main

import (
	"testing"
)

func TestRunNoArgsShowsHelp(t *testing.T) {
	if code := run(nil); code != 2 {
		t.Errorf("run with no args: exit code = %d, want 2", code)
	}
}

func TestRunHelp(t *testing.T) {
	for _, arg := range []string{"help", "-h", "-help", "--help"} {
		if code := run([]string{arg}); code != 0 {
			t.Errorf("run(%q): exit code = %d, want 0", arg, code)
		}
	}
}

func TestRunVersion(t *testing.T) {
	for _, arg := range []string{"version", "-version", "--version"} {
		if code := run([]string{arg}); code != 0 {
			t.Errorf("run(%q): exit code = %d, want 0", arg, code)
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if code := run([]string{"stampede"}); code != 2 {
		t.Errorf("run with unknown command: exit code = %d, want 2", code)
	}
}
