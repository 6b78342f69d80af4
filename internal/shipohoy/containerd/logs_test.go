package containerd

import (
	"testing"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestLogCaptureStampsAndTails(t *testing.T) {
	capture := newLogCapture(1024)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	capture.now = func() time.Time { return now }
	if n, err := capture.Write([]byte("one\ntw")); err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	_, _ = capture.Write([]byte("o\nthree\n"))

	if got := capture.tail(2, false); got != "two\nthree\n" {
		t.Fatalf("unexpected tail %q", got)
	}
	stamp := now.Format(time.RFC3339Nano)
	if got := capture.tail(1, true); got != stamp+" three\n" {
		t.Fatalf("unexpected stamped tail %q", got)
	}
	if got := capture.tail(0, false); got != "one\ntwo\nthree\n" {
		t.Fatalf("unexpected full tail %q", got)
	}
}

func TestLogCaptureDropsPartialLineAfterWrap(t *testing.T) {
	capture := newLogCapture(48)
	capture.now = func() time.Time { return time.Unix(0, 0) }
	for i := 0; i < 5; i++ {
		_, _ = capture.Write([]byte("line\n"))
	}
	got := capture.tail(0, false)
	if got == "" {
		t.Fatalf("expected some lines")
	}
	if got != "line\n" {
		t.Fatalf("expected whole lines only, got %q", got)
	}
}

func TestNormalizeRefRoundTrip(t *testing.T) {
	if got := normalizeRef("nginx"); got != "docker.io/library/nginx:latest" {
		t.Fatalf("normalizeRef = %q", got)
	}
	if got := familiarName("docker.io/library/nginx:1.27"); got != "nginx:1.27" {
		t.Fatalf("familiarName = %q", got)
	}
	if got := familiarName("ghcr.io/acme/app:v1"); got != "ghcr.io/acme/app:v1" {
		t.Fatalf("familiarName = %q", got)
	}
}

func TestIsDangling(t *testing.T) {
	cases := map[string]bool{
		"docker.io/library/nginx:latest": false,
		"<none>@sha256:abc":              true,
		"docker.io/library/app@sha256:0000000000000000000000000000000000000000000000000000000000000000": true,
		"": true,
	}
	for name, want := range cases {
		if got := isDangling(name); got != want {
			t.Fatalf("isDangling(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestImageCreatedPrefersConfig(t *testing.T) {
	stored := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	built := time.Date(2024, 12, 24, 18, 0, 0, 0, time.UTC)
	if got := imageCreated(ocispec.Image{Created: &built}, stored); !got.Equal(built) {
		t.Fatalf("expected config time, got %v", got)
	}
	if got := imageCreated(ocispec.Image{}, stored); !got.Equal(stored) {
		t.Fatalf("expected fallback, got %v", got)
	}
}
