package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func TestRunInRepo(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	if _, err := Run(context.Background(), dir, "init"); err != nil {
		t.Fatalf("git init: %v", err)
	}
	if _, err := Run(context.Background(), dir, "status"); err != nil {
		t.Fatalf("git status: %v", err)
	}
}

func TestRunOutsideRepoErrors(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	if _, err := Run(context.Background(), dir, "status"); err == nil {
		t.Fatalf("expected error outside repo")
	}
}

func TestCloneLocalRepo(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	src := t.TempDir()
	steps := [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "tester"},
	}
	for _, args := range steps {
		if _, err := Run(ctx, src, args...); err != nil {
			t.Fatalf("git %s: %v", args[0], err)
		}
	}
	if err := os.WriteFile(filepath.Join(src, "Dockerfile"), []byte("FROM scratch\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Run(ctx, src, "add", "-A"); err != nil {
		t.Fatalf("git add: %v", err)
	}
	if _, err := Run(ctx, src, "commit", "-m", "init"); err != nil {
		t.Fatalf("git commit: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "clone")
	if err := Clone(ctx, "file://"+src, dest); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "Dockerfile")); err != nil {
		t.Fatalf("expected Dockerfile in clone: %v", err)
	}
}

func TestCloneFailureMentionsCommand(t *testing.T) {
	requireGit(t)
	dest := filepath.Join(t.TempDir(), "clone")
	err := Clone(context.Background(), filepath.Join(t.TempDir(), "missing"), dest)
	if err == nil {
		t.Fatalf("expected clone error")
	}
	if !strings.Contains(err.Error(), "git clone failed") {
		t.Fatalf("unexpected error %v", err)
	}
}
