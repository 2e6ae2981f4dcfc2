// Package version provides build and version information for vitalkb.
package version

import (
	"fmt"
	"runtime"
)

// Name is the program name reported by the CLI and the MCP server.
const Name = "vitalkb"

// Version is set via ldflags at build time:
// -X github.com/Aman-CERP/vitalkb/pkg/version.Version=$(VERSION)
var Version = "dev"

// Build information set via ldflags.
var (
	Commit = "unknown"
	Date   = "unknown"
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// String returns a one-line version string with all build info.
func String() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, go: %s)",
		Name, Version, Commit, Date, runtime.Version())
}

// GetInfo returns structured version information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Name:      Name,
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
