package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/berth/internal/git"
	"pkt.systems/berth/schema"
	"pkt.systems/pslog"
)

// RecipeFile is the build recipe expected at the root of a checkout.
const RecipeFile = "Dockerfile"

// CloneFunc clones url into dest.
type CloneFunc func(ctx context.Context, url, dest string) error

// Workspace is a per-build checkout directory.
type Workspace struct {
	ID   string
	Path string
}

// Manager allocates build workspaces under a fixed root.
type Manager struct {
	root  string
	clone CloneFunc
}

// NewManager ensures the root exists and returns a Manager that clones with
// the git binary.
func NewManager(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Manager{root: root, clone: git.Clone}, nil
}

// WithCloner swaps the clone implementation.
func (m *Manager) WithCloner(clone CloneFunc) *Manager {
	m.clone = clone
	return m
}

// Checkout validates url and clones it into a fresh workspace named id. The
// workspace is removed again when the clone fails.
func (m *Manager) Checkout(ctx context.Context, id, url string) (Workspace, error) {
	log := pslog.Ctx(ctx).With("workspace", id)
	log.Info("workspace checkout start", "url", RedactURL(url))
	cloneURL, err := ValidateCloneURL(url)
	if err != nil {
		log.Warn("workspace checkout failed", "err", err)
		return Workspace{}, err
	}
	name, err := normalizeWorkspaceID(id)
	if err != nil {
		log.Warn("workspace checkout failed", "err", err)
		return Workspace{}, err
	}
	path := filepath.Join(m.root, name)
	if _, err := os.Stat(path); err == nil {
		err = fmt.Errorf("%w: workspace %s exists", schema.ErrConflict, name)
		log.Warn("workspace checkout failed", "err", err)
		return Workspace{}, err
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("workspace checkout failed", "err", err)
		return Workspace{}, err
	}
	if err := m.clone(ctx, cloneURL, path); err != nil {
		_ = os.RemoveAll(path)
		log.Warn("workspace checkout failed", "err", err)
		return Workspace{}, fmt.Errorf("%w: clone %s: %w", schema.ErrUpstream, RedactURL(cloneURL), err)
	}
	log.Info("workspace checkout ok", "path", path)
	return Workspace{ID: name, Path: path}, nil
}

// RecipePath returns the path of the build recipe at the workspace root, or
// schema.ErrBuildSpecMissing when there is none.
func (w Workspace) RecipePath() (string, error) {
	path := filepath.Join(w.Path, RecipeFile)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", schema.ErrBuildSpecMissing
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", schema.ErrBuildSpecMissing
	}
	return path, nil
}

// Remove deletes the workspace directory.
func (m *Manager) Remove(ctx context.Context, ws Workspace) error {
	if ws.Path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, ws.Path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("workspace %s is outside %s", ws.Path, m.root)
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		pslog.Ctx(ctx).Warn("workspace remove failed", "workspace", ws.ID, "err", err)
		return err
	}
	pslog.Ctx(ctx).Debug("workspace remove ok", "workspace", ws.ID)
	return nil
}

func normalizeWorkspaceID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" || strings.ContainsAny(trimmed, `/\`) {
		return "", fmt.Errorf("%w: invalid workspace id %q", schema.ErrInvalidInput, id)
	}
	clean := filepath.Clean(trimmed)
	if clean == "." || clean == ".." {
		return "", fmt.Errorf("%w: invalid workspace id %q", schema.ErrInvalidInput, id)
	}
	return clean, nil
}
