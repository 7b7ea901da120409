// Package buildinfo carries the release identity stamped into the binary.
package buildinfo

// The release pipeline overrides these with -ldflags -X, e.g.
//
//	-X github.com/piwardrive/piwardrive/internal/buildinfo.Version=1.2.0
//
// A binary built straight from a checkout reports "dev".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
