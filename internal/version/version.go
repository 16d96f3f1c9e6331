// Package version holds build metadata set through -ldflags, e.g.
//
//	-X github.com/devlikebear/aiapps-sub000/internal/version.Version=v0.3.0
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String returns the build metadata on one line for logs and the version command.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, runtime.Version())
}
