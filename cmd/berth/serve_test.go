package main

import (
	"testing"
	"time"

	"pkt.systems/berth/internal/appconfig"
)

func TestToHTTPConfig(t *testing.T) {
	got, err := toHTTPConfig(appconfig.HTTPConfig{
		Addr:     ":8080",
		BasePath: "/berth",
		RateLimit: appconfig.RateLimitConfig{
			Requests:      50,
			WindowMinutes: 2,
		},
		Metrics:        true,
		TrustedProxies: []string{"10.0.0.0/8", "127.0.0.1"},
		CORS:           appconfig.CORSConfig{AllowedOrigins: []string{"https://ui.example.com"}},
	})
	if err != nil {
		t.Fatalf("toHTTPConfig: %v", err)
	}
	if got.Addr != ":8080" || got.BasePath != "/berth" || !got.Metrics {
		t.Fatalf("unexpected http config: %+v", got)
	}
	if got.RateLimit.Requests != 50 || got.RateLimit.Window != 2*time.Minute {
		t.Fatalf("unexpected rate limit: %+v", got.RateLimit)
	}
	if len(got.TrustedProxies) != 2 || got.TrustedProxies[1].String() != "127.0.0.1/32" {
		t.Fatalf("unexpected trusted proxies: %v", got.TrustedProxies)
	}
	if len(got.CORSOrigins) != 1 || got.CORSOrigins[0] != "https://ui.example.com" {
		t.Fatalf("unexpected origins: %v", got.CORSOrigins)
	}

	if _, err := toHTTPConfig(appconfig.HTTPConfig{TrustedProxies: []string{"nope"}}); err == nil {
		t.Fatalf("expected bad proxy entry to fail")
	}
}

func TestYardPlan(t *testing.T) {
	cfg := appconfig.RuntimeConfig{
		MemoryLimitMB: 256,
		Labels:        map[string]string{"team": "a"},
	}
	plan := yardPlan(cfg)
	if plan.ResourceCaps.MemoryBytes != 256<<20 {
		t.Fatalf("unexpected memory cap %d", plan.ResourceCaps.MemoryBytes)
	}
	if plan.Labels["team"] != "a" || len(plan.Labels) != 1 {
		t.Fatalf("unexpected labels %v", plan.Labels)
	}
	plan.Labels["team"] = "b"
	if cfg.Labels["team"] != "a" {
		t.Fatalf("plan labels alias the config map")
	}

	if empty := yardPlan(appconfig.RuntimeConfig{}); len(empty.Labels) != 0 || empty.ResourceCaps.MemoryBytes != 0 {
		t.Fatalf("unexpected empty plan: %+v", empty)
	}
}

func TestSelectRuntimeRejectsUnknownDriver(t *testing.T) {
	cfg := appconfig.Config{Runtime: appconfig.RuntimeConfig{Driver: "podman"}}
	if _, _, _, err := selectRuntime(t.Context(), cfg); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
