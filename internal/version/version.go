package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags at build time
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Short returns the bare version string
func Short() string {
	return Version
}

// Info returns a human readable version line
func Info() string {
	return fmt.Sprintf("browser-tasks %s (commit %s, built %s, %s/%s)",
		Version, Commit, Date, runtime.GOOS, runtime.GOARCH)
}
