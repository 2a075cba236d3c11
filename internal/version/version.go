// Package version holds the binary version and protocol compatibility
// rules.
package version

// Version is the binary version. Overridden at build time via
// -ldflags "-X github.com/marketdna/dna-pipeline/internal/version.Version=...".
var Version = "main"
