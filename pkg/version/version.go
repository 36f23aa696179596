// Package version reports build metadata for the server binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build information, set with -ldflags "-X .../pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	GitDirty  = ""
)

var readBuildInfo = debug.ReadBuildInfo

type Info struct {
	Version   string
	Commit    string
	BuildTime string
	Dirty     bool
	GoVersion string
}

// Current returns the build metadata. Values not injected by ldflags are
// taken from the VCS stamp the Go toolchain embeds, when present.
func Current() Info {
	info := Info{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildTime,
		Dirty:     GitDirty == "true",
		GoVersion: runtime.Version(),
	}

	bi, ok := readBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && len(s.Value) >= 7 {
				info.Commit = s.Value[:7]
			}
		case "vcs.time":
			if info.BuildTime == "unknown" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			if GitDirty == "" && s.Value == "true" {
				info.Dirty = true
			}
		}
	}
	return info
}

// GetVersion formats a one-line version: luna-auth v1.0.0 (abc1234 2025-11-14T21:51:00Z)
func GetVersion(name string) string {
	info := Current()
	dirty := ""
	if info.Dirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s %s (%s%s %s)", name, info.Version, info.Commit, dirty, info.BuildTime)
}

func GetVersionInfo() string {
	info := Current()
	state := "clean"
	if info.Dirty {
		state = "dirty"
	}

	return fmt.Sprintf(`Version:    %s
Git commit: %s (%s)
Built:      %s
Go version: %s`,
		info.Version,
		info.Commit,
		state,
		info.BuildTime,
		info.GoVersion,
	)
}
