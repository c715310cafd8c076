// Package version reports the build version of the rfbd binaries.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	// Injected with ldflags at build time
	tag    string
	commit string
	date   string
)

const (
	unknown        = "unknown"
	unknownVersion = "v0.0.0"
	develSuffix    = "-devel"
)

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get collects the build information from ldflags, falling back to the VCS
// settings embedded by the go command.
func Get() Info {
	info := Info{
		Version:   ensureVPrefix(tag),
		Commit:    commit,
		Date:      date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	var settings map[string]string
	if bi, ok := debug.ReadBuildInfo(); ok {
		settings = make(map[string]string, len(bi.Settings))
		for _, s := range bi.Settings {
			settings[s.Key] = s.Value
		}
	}
	if info.Version == "" {
		info.Version = develVersion(settings["vcs.revision"], settings["vcs.modified"] == "true")
	}
	if info.Commit == "" {
		info.Commit = orUnknown(settings["vcs.revision"])
	}
	if info.Date == "" {
		info.Date = orUnknown(settings["vcs.time"])
	}
	return info
}

// Version returns the version string, e.g. "v1.2.0" or "v0.0.0-devel+abc1234".
func Version() string {
	return Get().Version
}

// String renders the version with short commit and date when known.
func (i Info) String() string {
	parts := []string{i.Version}
	if i.Commit != unknown {
		parts = append(parts, "commit="+short(i.Commit))
	}
	if i.Date != unknown {
		parts = append(parts, "date="+i.Date)
	}
	return strings.Join(parts, " ")
}

func develVersion(revision string, dirty bool) string {
	v := unknownVersion + develSuffix
	if revision == "" {
		return v
	}
	v += "+" + short(revision)
	if dirty {
		v += "-dirty"
	}
	return v
}

func ensureVPrefix(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func short(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
