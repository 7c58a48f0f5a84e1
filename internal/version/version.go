// Package version provides build version information
package version

import (
	"fmt"
	"runtime"
)

// Build information. Populated at build-time via -ldflags.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = runtime.Version()
)

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetFullVersionInfo returns detailed version information
func GetFullVersionInfo() string {
	return fmt.Sprintf("lsp-probe %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, GoVersion)
}
