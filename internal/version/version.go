// Package appversion exposes the build metadata stamped into the
// aronet binary.
//
// Release builds override the defaults through the linker:
//
//	go build -ldflags "\
//	  -X github.com/aronet-dev/aronet/internal/version.Version=v0.3.0 \
//	  -X github.com/aronet-dev/aronet/internal/version.GitCommit=1a2b3c4 \
//	  -X github.com/aronet-dev/aronet/internal/version.BuildDate=2026-08-26T12:00:00Z"
//
// Unstamped builds report "dev" and "unknown".
package appversion

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// GitCommit is the abbreviated commit the binary was built from.
	GitCommit = "unknown"

	// BuildDate is the RFC 3339 timestamp of the build.
	BuildDate = "unknown"
)

// Full renders the version block printed by the version subcommand.
func Full(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:  %s\n  built:   %s", binary, Version, GitCommit, BuildDate)
}
