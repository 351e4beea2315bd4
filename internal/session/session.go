// Package session persists and restores conversation state.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"nexus3/internal/llm/core"
)

var (
	ErrSessionDirRequired = errors.New("session directory is required")
	ErrSessionIDRequired  = errors.New("session id is required")
	ErrInvalidSessionID   = errors.New("invalid session id")
	ErrSessionNotFound    = errors.New("session not found")
)

// Counters are the loop counters carried across turns.
type Counters struct {
	Turns            int `json:"turns"`
	Iterations       int `json:"iterations"`
	ConsecutiveEmpty int `json:"consecutive_empty"`
}

// State is one persisted session: ordered history plus counters.
type State struct {
	ID        string         `json:"id"`
	Model     string         `json:"model,omitempty"`
	Messages  []core.Message `json:"messages"`
	Counters  Counters       `json:"counters"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Dropped counts messages removed by Sanitize on load.
	Dropped int `json:"-"`
}

// Info describes one stored session.
type Info struct {
	ID        string
	UpdatedAt time.Time
	Messages  int
	Path      string
}

// Store persists session state. Load always returns sanitized messages.
type Store interface {
	Save(ctx context.Context, state State) error
	Load(ctx context.Context, id string) (State, error)
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, id string) error
}

// ValidationError reports structural corruption that cannot be repaired by
// dropping messages.
type ValidationError struct {
	SessionID string
	Index     int
	Reason    string
	Err       error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid session")
	if e.SessionID != "" {
		fmt.Fprintf(&b, " %s", e.SessionID)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, " message %d", e.Index)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// ValidateID rejects ids that cannot name a stored session.
func ValidateID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrSessionIDRequired
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %s", ErrInvalidSessionID, id)
	}
	return id, nil
}
