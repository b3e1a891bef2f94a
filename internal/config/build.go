package config

import "runtime/debug"

// version is overridable at link time:
//
//	go build -ldflags "-X gridrelay/internal/config.version=1.2.3"
var version = "dev"

// NewBuildInfo assembles build metadata for startup logs. The version comes
// from the linker; commit and build time are read from the VCS stamp the Go
// toolchain embeds in the binary, so they are accurate even for builds that
// skip the release ldflags.
func NewBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   version,
		Commit:    "none",
		BuildTime: "unknown",
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 12 {
				info.Commit = s.Value[:12]
			} else if s.Value != "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if s.Value != "" {
				info.BuildTime = s.Value
			}
		}
	}
	return info
}
