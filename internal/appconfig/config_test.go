package appconfig

import (
	"path/filepath"
	"testing"

	"pkt.systems/berth/schema"
)

func TestDefaultConfigSeedsAdmin(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if len(cfg.Auth.SeedUsers) != 1 || cfg.Auth.SeedUsers[0].Role != "admin" {
		t.Fatalf("expected one admin seed, got %+v", cfg.Auth.SeedUsers)
	}
	if !cfg.Auth.HasPlaintextSeeds() {
		t.Fatalf("expected default seed to carry a plaintext password")
	}
	if cfg.Runtime.LogTailLines != 200 {
		t.Fatalf("expected 200 log tail lines, got %d", cfg.Runtime.LogTailLines)
	}
	if cfg.HTTP.RateLimit.Requests != 300 || cfg.HTTP.RateLimit.WindowMinutes != 15 {
		t.Fatalf("unexpected rate limit %+v", cfg.HTTP.RateLimit)
	}
	other, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Auth.JWTSecret == "" || cfg.Auth.JWTSecret == other.Auth.JWTSecret {
		t.Fatalf("expected random jwt secrets")
	}
}

func TestStorePathDefaultsByDriver(t *testing.T) {
	cfg := Config{StateDir: "/state", Store: StoreConfig{Driver: "file"}}
	if got := cfg.StorePath(); got != filepath.Join("/state", "berth.json") {
		t.Fatalf("unexpected file path %q", got)
	}
	cfg.Store.Driver = "bolt"
	if got := cfg.StorePath(); got != filepath.Join("/state", "berth.db") {
		t.Fatalf("unexpected bolt path %q", got)
	}
	cfg.Store.Path = "/custom.db"
	if got := cfg.StorePath(); got != "/custom.db" {
		t.Fatalf("expected explicit path, got %q", got)
	}
}

func TestSeedRecords(t *testing.T) {
	auth := AuthConfig{
		DefaultContainerLimit: 1,
		DefaultImageLimit:     3,
		SeedUsers: []SeedUser{
			{Username: "admin", Password: "admin", Role: "admin", ContainerLimit: 100, ImageLimit: 100},
			{Username: "dev", PasswordHash: "$2a$10$abc"},
		},
	}
	users, err := auth.SeedRecords()
	if err != nil {
		t.Fatalf("SeedRecords: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].ID == "" || users[0].ID == users[1].ID {
		t.Fatalf("expected distinct ids")
	}
	if users[0].Role != schema.RoleAdmin || users[0].ContainerLimit != 100 {
		t.Fatalf("unexpected admin seed %+v", users[0])
	}
	if users[1].Role != schema.RoleFree || users[1].ContainerLimit != 1 || users[1].ImageLimit != 3 {
		t.Fatalf("expected defaults for second seed, got %+v", users[1])
	}
}

func TestSeedRecordsRejectsBadSeeds(t *testing.T) {
	cases := []SeedUser{
		{Username: "", Password: "x"},
		{Username: "nopass"},
		{Username: "bad", Password: "x", Role: "root"},
	}
	for _, seed := range cases {
		auth := AuthConfig{SeedUsers: []SeedUser{seed}}
		if _, err := auth.SeedRecords(); err == nil {
			t.Fatalf("expected error for %+v", seed)
		}
	}
	dup := AuthConfig{SeedUsers: []SeedUser{{Username: "a", Password: "x"}, {Username: "a", Password: "y"}}}
	if _, err := dup.SeedRecords(); err == nil {
		t.Fatalf("expected duplicate error")
	}
}
