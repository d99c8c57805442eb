package version

import "fmt"

// Build-time variables injected via ldflags.
var (
	Release   = "dev"
	GitCommit = "unknown"
	GOOS      = "unknown"
	GOARCH    = "unknown"
)

// Short returns the release name, used as the build_info label.
func Short() string {
	return Release
}

// Full returns the version string in the format "release (commit)".
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Release, GitCommit)
}

// FullWithPlatform returns the version string with platform information.
func FullWithPlatform() string {
	return fmt.Sprintf("%s (commit: %s, %s/%s)", Release, GitCommit, GOOS, GOARCH)
}

// UserAgent returns the User-Agent sent to the pushgateway.
func UserAgent() string {
	return fmt.Sprintf("pushoor/%s", Release)
}
