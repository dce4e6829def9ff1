// Package version reports the build version.
//
// Release builds set Version and Commit with ldflags:
//
//	go build -ldflags="-X github.com/ardnew/aapbridge/internal/version.Version=v0.3.0 \
//	                   -X github.com/ardnew/aapbridge/internal/version.Commit=1a2b3c4"
//
// Otherwise they are filled from the VCS stamp in the binary's build info.
package version

import (
	"fmt"
	"runtime/debug"
	"time"
)

var (
	// Version is the release version, or "dev-YYYYMMDD" for untagged builds.
	Version = ""

	// Commit is the short revision, suffixed "-dirty" for modified trees.
	Commit = ""
)

func init() {
	if Version == "" || Commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			fromBuildInfo(info.Settings)
		}
	}
	if Version == "" {
		Version = "dev"
	}
	if Commit == "" {
		Commit = "unknown"
	}
}

func fromBuildInfo(settings []debug.BuildSetting) {
	var revision, modified, stamp string
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		case "vcs.time":
			stamp = s.Value
		}
	}

	if Commit == "" && revision != "" {
		Commit = revision[:min(7, len(revision))]
		if modified == "true" {
			Commit += "-dirty"
		}
	}
	if Version == "" && stamp != "" {
		if t, err := time.Parse(time.RFC3339, stamp); err == nil {
			Version = "dev-" + t.UTC().Format("20060102")
		}
	}
}

// Full returns the version and commit.
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Version, Commit)
}
