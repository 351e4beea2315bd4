package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	defaultGrepLimit = 100
	grepMaxLineLen   = 500
)

type grepParams struct {
	Pattern    string `json:"pattern" jsonschema:"required,description=Regular expression (or literal string with literal=true)"`
	Path       string `json:"path,omitempty" jsonschema:"description=Directory or file to search (default: workspace root)"`
	Glob       string `json:"glob,omitempty" jsonschema:"description=Only search files whose relative path matches this glob, e.g. *.go"`
	IgnoreCase bool   `json:"ignore_case,omitempty"`
	Literal    bool   `json:"literal,omitempty"`
	Limit      int    `json:"limit,omitempty" jsonschema:"minimum=0,description=Maximum matches to return (default: 100)"`
}

func grepFiles(ctx context.Context, ws *Workspace, p grepParams) (string, error) {
	pattern := strings.TrimSpace(p.Pattern)
	if pattern == "" {
		return "", errors.New("pattern is required")
	}
	if p.Literal {
		pattern = regexp.QuoteMeta(pattern)
	}
	if p.IgnoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultGrepLimit
	}
	target := strings.TrimSpace(p.Path)
	if target == "" {
		target = "."
	}
	searchPath, err := ws.Existing(target)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(searchPath)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", target, err)
	}

	files := []string{searchPath}
	if info.IsDir() {
		files, err = collectFiles(ctx, searchPath)
		if err != nil {
			return "", err
		}
	}

	var out []string
	limited := false
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		display := ws.Display(file)
		if glob := strings.TrimSpace(p.Glob); glob != "" && !matchGlob(glob, display) {
			continue
		}
		raw, readErr := os.ReadFile(file)
		if readErr != nil {
			continue
		}
		for idx, line := range strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n") {
			if !re.MatchString(line) {
				continue
			}
			out = append(out, fmt.Sprintf("%s:%d: %s", display, idx+1, clipLine(line)))
			if len(out) >= limit {
				limited = true
				break
			}
		}
		if limited {
			break
		}
	}

	if len(out) == 0 {
		return "No matches found", nil
	}
	text := tailBytes(strings.Join(out, "\n"), maxCommandOutput)
	if limited {
		text += fmt.Sprintf("\n\n[%d matches limit reached, refine the pattern or raise limit]", limit)
	}
	return text, nil
}

// collectFiles walks dir, skipping VCS and dependency directories.
func collectFiles(ctx context.Context, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && (d.Name() == ".git" || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

// matchGlob matches pattern against the relative path and, for patterns
// without a separator, against the base name.
func matchGlob(pattern, rel string) bool {
	if ok, _ := filepath.Match(pattern, rel); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := filepath.Match(pattern, filepath.Base(rel))
		return ok
	}
	return false
}

func clipLine(line string) string {
	runes := []rune(line)
	if len(runes) <= grepMaxLineLen {
		return line
	}
	return string(runes[:grepMaxLineLen]) + "..."
}
