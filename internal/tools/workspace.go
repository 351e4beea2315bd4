package tools

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathOutsideWorkspace = errors.New("path is outside workspace")

// Workspace is the directory the builtin tools are confined to. Paths are
// resolved through symlinks before the containment check, so a link leading
// out of the root is rejected the same way as a "../" path.
type Workspace struct {
	root string
}

// OpenWorkspace resolves root to an absolute directory with no symlinks in
// it. An empty root is the working directory.
func OpenWorkspace(root string) (*Workspace, error) {
	dir := strings.TrimSpace(root)
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		dir = cwd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", abs, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat workspace %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", resolved)
	}
	return &Workspace{root: filepath.Clean(resolved)}, nil
}

func (w *Workspace) Root() string { return w.root }

// Existing resolves a path that must already exist.
func (w *Workspace) Existing(path string) (string, error) {
	return w.resolve(path, false)
}

// Writable resolves a path whose trailing components may not exist yet.
func (w *Workspace) Writable(path string) (string, error) {
	return w.resolve(path, true)
}

// Display renders a resolved path relative to the root with forward slashes.
func (w *Workspace) Display(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (w *Workspace) resolve(input string, allowMissing bool) (string, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return "", errors.New("path is required")
	}
	candidate := raw
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(w.root, candidate)
	}
	resolved, err := evalSymlinks(filepath.Clean(candidate), allowMissing)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", raw, err)
	}
	if !w.contains(resolved) {
		return "", fmt.Errorf("%w: %s (workspace: %s)", ErrPathOutsideWorkspace, raw, w.root)
	}
	return resolved, nil
}

func (w *Workspace) contains(target string) bool {
	rel, err := filepath.Rel(w.root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// evalSymlinks resolves path. With allowMissing the deepest existing
// ancestor is resolved and the missing tail is appended as written.
func evalSymlinks(path string, allowMissing bool) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !allowMissing || !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(path)
	if parent == path {
		return "", err
	}
	base, err := evalSymlinks(parent, true)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, filepath.Base(path)), nil
}
