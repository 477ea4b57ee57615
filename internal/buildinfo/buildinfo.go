// Package buildinfo reports what binary is running. Release builds stamp
// Version, GitCommit and BuildTime with -ldflags; plain "go build" and
// "go install" builds fall back to the VCS metadata the toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Stamped by -ldflags "-X github.com/nugget/occam-assistant/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

var started = time.Now()

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Uptime    string `json:"uptime"`
}

var (
	once   sync.Once
	cached Build
)

// Current returns the build description. Everything but Uptime is
// computed once.
func Current() Build {
	once.Do(func() { cached = resolve(debug.ReadBuildInfo()) })
	b := cached
	b.Uptime = time.Since(started).Truncate(time.Second).String()
	return b
}

func resolve(bi *debug.BuildInfo, ok bool) Build {
	b := Build{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if !ok {
		return b
	}
	if b.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		b.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "" {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.BuildTime == "" {
				b.BuildTime = s.Value
			}
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}
	return b
}

// ShortCommit is the first 12 characters of the commit, or "unknown".
func (b Build) ShortCommit() string {
	switch {
	case b.Commit == "":
		return "unknown"
	case len(b.Commit) > 12:
		return b.Commit[:12]
	}
	return b.Commit
}

// String is a one-line summary such as "Occam v0.3.0 (1a2b3c4d5e6f-dirty, go1.24.2 linux/amd64)".
func (b Build) String() string {
	commit := b.ShortCommit()
	if b.Dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("Occam %s (%s, %s %s)", b.Version, commit, b.GoVersion, b.Platform)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return "occam/" + Current().Version
}
