package tools

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func openTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := OpenWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("OpenWorkspace() error = %v", err)
	}
	return ws
}

func TestWorkspaceResolvesInsideRoot(t *testing.T) {
	t.Parallel()

	ws := openTestWorkspace(t)
	if err := os.WriteFile(filepath.Join(ws.Root(), "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	for _, input := range []string{"a.txt", " ./a.txt ", filepath.Join(ws.Root(), "a.txt"), "sub/../a.txt"} {
		got, err := ws.Existing(input)
		if err != nil {
			t.Fatalf("Existing(%q) error = %v", input, err)
		}
		if ws.Display(got) != "a.txt" {
			t.Fatalf("Existing(%q) = %s", input, got)
		}
	}

	got, err := ws.Writable("new/deeper/file.txt")
	if err != nil {
		t.Fatalf("Writable() error = %v", err)
	}
	if ws.Display(got) != "new/deeper/file.txt" {
		t.Fatalf("Writable() = %s", got)
	}
	if _, err := ws.Existing("new/deeper/file.txt"); err == nil {
		t.Fatalf("Existing() accepted a missing path")
	}
}

func TestWorkspaceRejectsEscapes(t *testing.T) {
	t.Parallel()

	ws := openTestWorkspace(t)
	for _, input := range []string{"..", "../x", "/", filepath.Join(ws.Root(), "..", "x")} {
		if _, err := ws.Writable(input); !errors.Is(err, ErrPathOutsideWorkspace) {
			t.Fatalf("Writable(%q) error = %v, want ErrPathOutsideWorkspace", input, err)
		}
	}
	if _, err := ws.Existing("  "); err == nil {
		t.Fatalf("Existing() accepted an empty path")
	}
}

func TestWorkspaceRejectsSymlinkOutOfRoot(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	ws := openTestWorkspace(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(ws.Root(), "link")); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}
	if _, err := ws.Writable("link/escape.txt"); !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Fatalf("Writable(link/escape.txt) error = %v, want ErrPathOutsideWorkspace", err)
	}
	if _, err := ws.Existing("link"); !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Fatalf("Existing(link) error = %v, want ErrPathOutsideWorkspace", err)
	}
}

func TestOpenWorkspaceRequiresDirectory(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := OpenWorkspace(file); err == nil {
		t.Fatalf("OpenWorkspace(file) succeeded")
	}
	if _, err := OpenWorkspace(filepath.Join(file, "missing")); err == nil {
		t.Fatalf("OpenWorkspace(missing) succeeded")
	}
}
