// Package version carries build metadata injected at link time.
package version

// Populated via -ldflags at build time. The defaults identify a local build.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
