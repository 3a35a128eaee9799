package version

import (
	"runtime"
	"runtime/debug"
	"time"
)

// Set at build time with -ldflags "-X .../internal/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
	Modified  bool   `json:"modified,omitempty"`
}

// Info resolves build metadata. Values missing from ldflags are taken from
// the VCS stamp the go tool embeds, when there is one.
func Info() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Commit:    CommitID,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFromVCS(&info, bi.Settings)
	}
	return info
}

func fillFromVCS(info *BuildInfo, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && len(s.Value) >= 12 {
				info.Commit = s.Value[:12]
			}
		case "vcs.time":
			if info.BuildTime == "unknown" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

// FormattedBuildTime renders BuildTime for humans, or returns it unchanged
// when it is not RFC 3339.
func (b BuildInfo) FormattedBuildTime() string {
	t, err := time.Parse(time.RFC3339, b.BuildTime)
	if err != nil {
		return b.BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}

// Short is the one-line form used by --version and session logs.
func (b BuildInfo) Short() string {
	s := b.Version + " (" + b.Commit
	if b.Modified {
		s += "-dirty"
	}
	return s + ")"
}
