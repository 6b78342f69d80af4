package schema

import (
	"errors"
	"testing"
)

func TestValidateImageName(t *testing.T) {
	valid := []string{"app", "app:1.0", "registry.local/team/app:v2", "my_app-x.y"}
	for _, name := range valid {
		if err := ValidateImageName(name); err != nil {
			t.Fatalf("expected %q to be valid: %v", name, err)
		}
	}
	invalid := []string{"", "bad name!", "app;rm", "-flag", "app:", "a$b"}
	for _, name := range invalid {
		err := ValidateImageName(name)
		if err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %q, got %v", name, err)
		}
	}
}

func TestSplitRepoTag(t *testing.T) {
	cases := []struct {
		ref  string
		name string
		tag  string
	}{
		{"python:3.12", "python", "3.12"},
		{"alpine", "alpine", "latest"},
		{"localhost:5000/app", "localhost:5000/app", "latest"},
		{"localhost:5000/app:dev", "localhost:5000/app", "dev"},
		{"app:", "app", "latest"},
	}
	for _, tc := range cases {
		name, tag := SplitRepoTag(tc.ref)
		if name != tc.name || tag != tc.tag {
			t.Fatalf("SplitRepoTag(%q) = %q, %q; want %q, %q", tc.ref, name, tag, tc.name, tc.tag)
		}
	}
}

func TestNormalizeImageRef(t *testing.T) {
	if got := NormalizeImageRef("myimg"); got != "myimg:latest" {
		t.Fatalf("unexpected ref: %q", got)
	}
	if got := NormalizeImageRef(" myimg:v1 "); got != "myimg:v1" {
		t.Fatalf("unexpected ref: %q", got)
	}
}

func TestMetaUpdateApplyPreservesOwner(t *testing.T) {
	desc := "new"
	other := UserID("intruder")
	current := ImageMeta{OwnerID: "u1", Visibility: VisibilityPrivate, Category: "Personal", Description: "old"}
	got := MetaUpdate{Description: &desc, OwnerID: &other}.Apply(current)
	if got.OwnerID != "u1" {
		t.Fatalf("owner overwritten: %q", got.OwnerID)
	}
	if got.Description != "new" || got.Category != "Personal" || got.Visibility != VisibilityPrivate {
		t.Fatalf("unexpected merge: %+v", got)
	}
}

func TestMetaUpdateTouchesRestricted(t *testing.T) {
	free := AccessFree
	vip := AccessVIP
	current := ImageMeta{OwnerID: "u1"}
	if (MetaUpdate{AccessLevel: &free}).TouchesRestricted(current) {
		t.Fatalf("unchanged access level should not count as restricted")
	}
	if !(MetaUpdate{AccessLevel: &vip}).TouchesRestricted(current) {
		t.Fatalf("changed access level should be restricted")
	}
	child := "redis:7"
	if !(MetaUpdate{ChildImage: &child}).TouchesRestricted(current) {
		t.Fatalf("child image change should be restricted")
	}
}
