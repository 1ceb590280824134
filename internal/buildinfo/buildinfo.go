// Package buildinfo stores build-time metadata shared across packages.
package buildinfo

// Version and Commit are set from ldflags in main. Defaults are for local builds.
var (
	Version = "dev"
	Commit  = "none"
)
