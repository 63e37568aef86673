// ABOUTME: Loads environment variables from .env files at startup without
// ABOUTME: clobbering values already present in the process environment.
package main

import (
	"os"
	"path/filepath"
	"strings"
)

// loadDotEnv reads one .env file and sets any variables not already in the
// environment. Missing files are silently ignored.
func loadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	for _, raw := range strings.Split(string(data), "\n") {
		key, value, ok := parseEnvLine(raw)
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		os.Setenv(key, value)
	}
}

// parseEnvLine extracts a KEY=VALUE assignment from one .env line.
// Comments, blank lines, and lines without '=' report ok=false. Supports
// KEY=VALUE, KEY="VALUE", KEY='VALUE', and export KEY=VALUE; values may
// contain '='.
func parseEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, value, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(value)), true
}

// unquote strips one layer of matching single or double quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// loadDotEnvAuto loads .env files from common locations. Because loading
// never clobbers, earlier locations win. Search order:
//  1. .env in the current directory and its parents
//  2. .env next to the current executable
//  3. config.env in the drover config directory
func loadDotEnvAuto() {
	seen := map[string]bool{}
	addPath := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		loadDotEnv(p)
	}

	if wd, err := os.Getwd(); err == nil {
		for dir := wd; ; {
			addPath(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if exe, err := os.Executable(); err == nil {
		addPath(filepath.Join(filepath.Dir(exe), ".env"))
	}

	if cfgDir, err := defaultConfigDir(); err == nil {
		addPath(filepath.Join(cfgDir, "config.env"))
	}
}
