// Package version reports what binary is running, from the linker flag or the
// module build info.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/berth"

// buildVersion is set via -ldflags "-X pkt.systems/berth/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string
	Version   string
	Revision  string
	Dirty     bool
	GoVersion string
}

// String renders the info on a single line.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", i.Module, i.Version)
	if i.Revision != "" {
		fmt.Fprintf(&b, " (%s", i.Revision)
		if i.Dirty {
			b.WriteString(", dirty")
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, " %s", i.GoVersion)
	return b.String()
}

// Current returns the info of the running binary.
func Current() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		info = nil
	}
	return fromBuildInfo(info, buildVersion)
}

func fromBuildInfo(info *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule, Version: "v0.0.0-unknown", GoVersion: runtime.Version()}
	if info == nil {
		if v := strings.TrimSpace(override); v != "" {
			out.Version = v
		}
		return out
	}
	if path := strings.TrimSpace(info.Main.Path); path != "" {
		out.Module = path
	}
	if info.GoVersion != "" {
		out.GoVersion = info.GoVersion
	}
	var vcsTime string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.Revision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			out.Dirty = setting.Value == "true"
		}
	}
	if len(out.Revision) > 12 {
		out.Revision = out.Revision[:12]
	}
	switch {
	case strings.TrimSpace(override) != "":
		out.Version = strings.TrimSpace(override)
	case info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = strings.TrimSuffix(info.Main.Version, "+dirty")
	default:
		if v := pseudoVersion(out.Revision, vcsTime); v != "" {
			out.Version = v
		}
	}
	return out
}

func pseudoVersion(revision, vcsTime string) string {
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	return "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
}
