// ABOUTME: XDG-based directory resolution for drover state and configuration.
// ABOUTME: Falls back to ~/.local/share/drover and ~/.config/drover when XDG vars are unset.
package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// xdgDir resolves $envVar/drover, falling back to home-relative fallback
// segments joined with "drover".
func xdgDir(envVar string, fallback ...string) (string, error) {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, "drover"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	parts := append([]string{home}, fallback...)
	parts = append(parts, "drover")
	return filepath.Join(parts...), nil
}

// defaultDataDir returns where drover keeps runs and the catalog database:
// $XDG_DATA_HOME/drover or ~/.local/share/drover.
func defaultDataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// defaultConfigDir returns where drover looks for config.env:
// $XDG_CONFIG_HOME/drover or ~/.config/drover.
func defaultConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// resolveDataDir prefers an explicit override and falls back to the
// XDG-based default.
func resolveDataDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return defaultDataDir()
}
