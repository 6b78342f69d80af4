package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func TestOverrideWins(t *testing.T) {
	info := &debug.BuildInfo{Main: debug.Module{Path: "pkt.systems/berth", Version: "v0.3.0"}}
	if got := fromBuildInfo(info, "v1.2.3").Version; got != "v1.2.3" {
		t.Fatalf("expected linker version, got %q", got)
	}
	if got := fromBuildInfo(nil, "v1.2.3").Version; got != "v1.2.3" {
		t.Fatalf("expected linker version without build info, got %q", got)
	}
}

func TestModuleVersion(t *testing.T) {
	info := &debug.BuildInfo{GoVersion: "go1.25.2", Main: debug.Module{Path: "example.com/fork", Version: "v0.3.0+dirty"}}
	got := fromBuildInfo(info, "")
	if got.Module != "example.com/fork" || got.Version != "v0.3.0" || got.GoVersion != "go1.25.2" {
		t.Fatalf("unexpected info: %+v", got)
	}
}

func TestPseudoVersionFromVCS(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "pkt.systems/berth", Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := fromBuildInfo(info, "")
	if got.Version != "v0.0.0-20250102030405-1234567890ab" {
		t.Fatalf("unexpected pseudo version %q", got.Version)
	}
	if !got.Dirty || got.Revision != "1234567890ab" {
		t.Fatalf("unexpected vcs fields: %+v", got)
	}
	if s := got.String(); !strings.Contains(s, "(1234567890ab, dirty)") {
		t.Fatalf("unexpected string %q", s)
	}
}

func TestUnknownWithoutBuildInfo(t *testing.T) {
	got := fromBuildInfo(nil, "")
	if got.Module != defaultModule || got.Version != "v0.0.0-unknown" {
		t.Fatalf("unexpected fallback: %+v", got)
	}
}
