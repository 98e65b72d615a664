package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestFromBuildInfoPrefersModuleVersion(t *testing.T) {
	t.Parallel()

	info := &debug.BuildInfo{Main: debug.Module{Path: defaultModule, Version: "v1.2.3"}}
	if got := fromBuildInfo(info); got != "v1.2.3" {
		t.Fatalf("expected v1.2.3, got %q", got)
	}
}

func TestFromBuildInfoPseudoVersion(t *testing.T) {
	t.Parallel()

	info := &debug.BuildInfo{
		Main: debug.Module{Path: defaultModule, Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-03-01T09:30:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	want := "v0.0.0-20260301093000-0123456789ab+dirty"
	if got := fromBuildInfo(info); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestFromBuildInfoUnknown(t *testing.T) {
	t.Parallel()

	info := &debug.BuildInfo{Main: debug.Module{Path: defaultModule, Version: "(devel)"}}
	if got := fromBuildInfo(info); got != "v0.0.0-unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestUserAgent(t *testing.T) {
	t.Parallel()

	if ua := UserAgent(); !strings.HasPrefix(ua, "collabd-client/") {
		t.Fatalf("unexpected user agent %q", ua)
	}
}
