// Package version exposes build metadata for the keybunker binary.
package version

import "fmt"

// Set at build time via -ldflags. Defaults describe a local dev build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Info returns a human-readable one-line description.
func Info() string {
	return fmt.Sprintf("keybunker %s (commit %s, built %s)", Version, Commit, BuildDate)
}

// Map returns version fields for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     Commit,
		"build_date": BuildDate,
	}
}
