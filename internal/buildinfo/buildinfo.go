// Package buildinfo reports the version Kinship was built from.
//
// Release builds stamp the variables below with -ldflags. Builds made
// with a plain "go build" or "go install" fall back to the VCS settings
// the toolchain embeds in the binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/nugget/kinship/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

var vcsOnce sync.Once

// fillFromVCS copies vcs.revision and vcs.time into the unstamped
// variables. It runs at most once.
func fillFromVCS() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		applyVCS(bi.Settings)
	})
}

func applyVCS(settings []debug.BuildSetting) {
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && len(s.Value) >= 7 {
				GitCommit = s.Value[:7]
			}
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && GitCommit != "unknown" {
		GitCommit += "-dirty"
	}
}

// Info returns the build details keyed for the version command and
// log output.
func Info() map[string]string {
	fillFromVCS()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return "kinship/" + Version + " (" + runtime.GOOS + "; " + runtime.GOARCH + ")"
}

// String returns a one-line summary.
func String() string {
	fillFromVCS()
	return fmt.Sprintf("Kinship %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
