// Package version exposes build metadata injected at link time via
// -ldflags "-X github.com/vidforge/vidforge/pkg/version.Version=...".
package version

// Build metadata, overridden by the release pipeline.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
