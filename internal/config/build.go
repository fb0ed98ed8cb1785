package config

// Build metadata stamped in by the linker. Release builds pass -ldflags, e.g.
//
//	go build -ldflags "-X fablecast/internal/config.version=$(git describe --tags) \
//	    -X fablecast/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X fablecast/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// An unstamped binary (go run, tests) reports the placeholder values below, so
// a "dev" version in the health endpoint means a local build, not a release.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo snapshots the stamped variables into a BuildInfo. Called once
// by LoadConfig; everything downstream reads Config.Build instead of the
// package globals.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
