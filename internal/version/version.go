// Package version exposes build metadata for the UWB calibration tools.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set via -ldflags "-X uwb-calibration/internal/version.Version=..." at
// build time. Module-aware builds fall back to the VCS stamp Go embeds.
var (
	// Version is the release number of the calibration suite.
	Version = "0.1"

	// GitCommit is the revision the binaries were built from.
	GitCommit = "unknown"

	// BuildDate is when the binaries were built.
	BuildDate = "unknown"
)

// commit returns the best available revision id: the ldflags value when the
// build set one, otherwise the vcs.revision stamp from the module build info.
func commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return "unknown"
}

// shortCommit trims a revision id to the conventional 7 characters.
func shortCommit() string {
	c := commit()
	if len(c) > 7 {
		return c[:7]
	}
	return c
}

// GetFullVersion returns the version tagged with the short commit, for
// banners and log headers.
func GetFullVersion() string {
	if c := shortCommit(); c != "unknown" {
		return Version + "-" + c
	}
	return Version
}

// GetVersionInfo renders the multi-line --version output for one tool.
func GetVersionInfo(appName string) string {
	out := fmt.Sprintf("%s version %s", appName, Version)
	if c := shortCommit(); c != "unknown" {
		out += fmt.Sprintf(" (commit %s)", c)
	}
	if BuildDate != "unknown" {
		out += fmt.Sprintf("\nBuilt: %s", BuildDate)
	}
	out += fmt.Sprintf("\nGo: %s", runtime.Version())
	out += fmt.Sprintf("\nPlatform: %s/%s", runtime.GOOS, runtime.GOARCH)
	return out
}
