package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"nexus3/internal/llm/core"
)

const sessionFileExt = ".json"

// FileStore keeps one JSON document per session. Writes go to a temporary
// file that is renamed into place.
type FileStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore constructs a store rooted at dir.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, ErrSessionDirRequired
	}
	if logger == nil {
		logger = core.DiscardLogger()
	}
	return &FileStore{dir: root, logger: logger}, nil
}

// Save writes state, replacing any previous version.
func (s *FileStore) Save(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.sessionPath(state.ID)
	if err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	if state.Messages == nil {
		state.Messages = []core.Message{}
	}

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create session dir %s: %w", s.dir, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace session file %s: %w", path, err)
	}
	return nil
}

// Load reads one session. A file holding a bare array of messages is read as
// history with zero counters.
func (s *FileStore) Load(ctx context.Context, id string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	path, err := s.sessionPath(id)
	if err != nil {
		return State{}, err
	}
	id, _ = ValidateID(id)

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return State{}, fmt.Errorf("read session file %s: %w", path, err)
	}

	state, err := decodeState(id, raw)
	if err != nil {
		return State{}, err
	}
	if state.UpdatedAt.IsZero() {
		if info, err := os.Stat(path); err == nil {
			state.UpdatedAt = info.ModTime()
		}
	}
	return restore(state, s.logger)
}

func decodeState(id string, raw []byte) (State, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return State{ID: id}, nil
	}

	var state State
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &state.Messages); err != nil {
			return State{}, &ValidationError{SessionID: id, Index: -1, Reason: "decode message array", Err: err}
		}
	} else if err := json.Unmarshal(trimmed, &state); err != nil {
		return State{}, &ValidationError{SessionID: id, Index: -1, Reason: "decode session document", Err: err}
	}
	state.ID = id
	return state, nil
}

// List returns stored sessions, newest first.
func (s *FileStore) List(ctx context.Context) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session dir %s: %w", s.dir, err)
	}

	out := make([]Info, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := item.Name()
		if item.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != sessionFileExt {
			continue
		}

		path := filepath.Join(s.dir, name)
		info, err := item.Info()
		if err != nil {
			return nil, fmt.Errorf("read session file info %s: %w", name, err)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read session file %s: %w", path, err)
		}

		entry := Info{
			ID:        strings.TrimSuffix(name, sessionFileExt),
			Path:      path,
			UpdatedAt: info.ModTime(),
		}
		doc := gjson.ParseBytes(raw)
		if doc.IsArray() {
			entry.Messages = int(doc.Get("#").Int())
		} else {
			entry.Messages = int(doc.Get("messages.#").Int())
			if updated := doc.Get("updated_at"); updated.Exists() {
				if ts, err := time.Parse(time.RFC3339Nano, updated.String()); err == nil && !ts.IsZero() {
					entry.UpdatedAt = ts
				}
			}
		}
		out = append(out, entry)
	}

	sortInfos(out)
	return out, nil
}

// Delete removes one session. Deleting a missing session is not an error.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.sessionPath(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session file %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) sessionPath(sessionID string) (string, error) {
	id, err := ValidateID(sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, id+sessionFileExt), nil
}

func sortInfos(out []Info) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
}
