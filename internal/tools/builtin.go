package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

const (
	maxReadBytes     = 256 * 1024
	maxCommandOutput = 32 * 1024
)

type readFileParams struct {
	Path string `json:"path" jsonschema:"required,description=File path relative to the workspace root"`
}

type writeFileParams struct {
	Path    string `json:"path" jsonschema:"required,description=File path relative to the workspace root"`
	Content string `json:"content" jsonschema:"required,description=Full file content"`
}

type listDirParams struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory relative to the workspace root (default: root)"`
}

type bashParams struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run in the workspace root"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"minimum=0,description=Timeout in seconds (0 uses the tool default)"`
}

// Builtin returns the default tools confined to the workspace at root.
func Builtin(root string) ([]Tool, error) {
	ws, err := OpenWorkspace(root)
	if err != nil {
		return nil, err
	}

	readFile, err := NewFuncTool("read_file", "Read a UTF-8 text file inside the workspace.",
		func(ctx context.Context, p readFileParams) (string, error) {
			return readFile(ctx, ws, p)
		})
	if err != nil {
		return nil, err
	}
	writeFile, err := NewFuncTool("write_file", "Create or overwrite a file inside the workspace.",
		func(ctx context.Context, p writeFileParams) (string, error) {
			return writeFile(ctx, ws, p)
		})
	if err != nil {
		return nil, err
	}
	listDir, err := NewFuncTool("list_dir", "List directory entries inside the workspace.",
		func(ctx context.Context, p listDirParams) (string, error) {
			return listDir(ctx, ws, p)
		})
	if err != nil {
		return nil, err
	}
	grep, err := NewFuncTool("grep", "Search file contents in the workspace by regular expression. Returns path:line: text for each match.",
		func(ctx context.Context, p grepParams) (string, error) {
			return grepFiles(ctx, ws, p)
		})
	if err != nil {
		return nil, err
	}
	bash, err := NewFuncTool("bash", "Run a shell command in the workspace root and return its combined output.",
		func(ctx context.Context, p bashParams) (string, error) {
			return runCommand(ctx, ws, p)
		})
	if err != nil {
		return nil, err
	}
	return []Tool{readFile, writeFile, listDir, grep, bash}, nil
}

func readFile(ctx context.Context, ws *Workspace, p readFileParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := ws.Existing(p.Path)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p.Path, err)
	}
	if len(raw) > maxReadBytes {
		return string(raw[:maxReadBytes]) + fmt.Sprintf("\n\n[truncated: showing %d of %d bytes]", maxReadBytes, len(raw)), nil
	}
	return string(raw), nil
}

func writeFile(ctx context.Context, ws *Workspace, p writeFileParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := ws.Writable(p.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir for %s: %w", p.Path, err)
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", p.Path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path), nil
}

func listDir(ctx context.Context, ws *Workspace, p listDirParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := p.Path
	if strings.TrimSpace(target) == "" {
		target = "."
	}
	path, err := ws.Existing(target)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", target, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}

func runCommand(ctx context.Context, ws *Workspace, p bashParams) (string, error) {
	command := strings.TrimSpace(p.Command)
	if command == "" {
		return "", errors.New("command is required")
	}

	runCtx := ctx
	cancel := func() {}
	if p.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(p.Timeout)*time.Second)
	}
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(runCtx, "cmd", "/c", command)
	} else {
		cmd = exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	}
	cmd.Dir = ws.Root()

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	runErr := cmd.Run()

	text := tailBytes(output.String(), maxCommandOutput)
	if text == "" {
		text = "(no output)"
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%s\n\ncommand timed out after %d seconds", text, p.Timeout)
	}
	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", fmt.Errorf("%s\n\ncommand exited with code %d", text, exitCode)
	}
	return text, nil
}

// tailBytes keeps the last limit bytes of s, starting on a line boundary when
// one is available.
func tailBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	tail := s[len(s)-limit:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i < len(tail)-1 {
		tail = tail[i+1:]
	}
	return fmt.Sprintf("[output truncated to last %d bytes]\n%s", len(tail), tail)
}
