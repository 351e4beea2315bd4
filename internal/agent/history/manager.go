// Package history owns the conversation history of one session and builds the
// context window sent with each provider call.
package history

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"nexus3/internal/llm/core"
)

// Config configures a Manager.
type Config struct {
	SystemPrompt string
	Fragments    []Fragment
	// WindowTokens is the provider context size; zero disables truncation.
	WindowTokens int
	// ReserveTokens is held back for the model's reply.
	ReserveTokens int
	Counter       TokenCounter
	Logger        *slog.Logger
}

// Manager holds ordered history behind a guarded append. It never edits or
// removes stored messages; truncation only shapes the Window.
type Manager struct {
	systemPrompt string
	fragments    []Fragment
	windowTokens int
	reserve      int
	counter      TokenCounter
	logger       *slog.Logger

	mu        sync.RWMutex
	messages  []core.Message
	transient string
	rejected  int
}

// Window is the exact context handed to a provider.
type Window struct {
	// System is the final system prompt including every injected fragment.
	System        string
	Messages      []core.Message
	SystemTokens  int
	MessageTokens int
	// Budget is the token allowance for the whole window, zero when
	// unlimited.
	Budget int
	// Omitted counts stored messages left out of the window.
	Omitted int
}

// Tokens is the estimated size of the window.
func (w Window) Tokens() int {
	return w.SystemTokens + w.MessageTokens
}

// Usage reports context accounting for status displays.
type Usage struct {
	SystemTokens  int
	HistoryTokens int
	WindowTokens  int
	Budget        int
	Messages      int
	Omitted       int
}

// New creates an empty manager.
func New(cfg Config) *Manager {
	counter := cfg.Counter
	if counter == nil {
		counter = HeuristicCounter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.DiscardLogger()
	}
	reserve := cfg.ReserveTokens
	if reserve < 0 {
		reserve = 0
	}
	return &Manager{
		systemPrompt: cfg.SystemPrompt,
		fragments:    append([]Fragment(nil), cfg.Fragments...),
		windowTokens: cfg.WindowTokens,
		reserve:      reserve,
		counter:      counter,
		logger:       logger,
	}
}

// Append stores msg unless it is an empty assistant message, which is
// skipped with a warning. It reports whether msg was stored.
func (m *Manager) Append(msg core.Message) bool {
	if !core.Storable(msg) {
		m.mu.Lock()
		m.rejected++
		m.mu.Unlock()
		m.logger.Warn("refusing to store empty assistant message", "role", msg.Role)
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg.Clone())
	return true
}

// AppendAll appends msgs in order and returns how many were stored.
func (m *Manager) AppendAll(msgs ...core.Message) int {
	stored := 0
	for _, msg := range msgs {
		if m.Append(msg) {
			stored++
		}
	}
	return stored
}

// Restore replaces history with msgs, passing each through Append. It
// returns the number of messages dropped.
func (m *Manager) Restore(msgs []core.Message) int {
	m.mu.Lock()
	m.messages = nil
	m.mu.Unlock()

	dropped := len(msgs) - m.AppendAll(msgs...)
	if dropped > 0 {
		m.logger.Warn("dropped invalid messages from restored history", "dropped", dropped, "kept", len(msgs)-dropped)
	}
	return dropped
}

// Messages returns a copy of the full stored history.
func (m *Manager) Messages() []core.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return core.CloneMessages(m.messages)
}

// Len returns the number of stored messages.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// Rejected returns how many appends were refused.
func (m *Manager) Rejected() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rejected
}

// SetTransient sets a context block injected after the fragments on every
// window until it is replaced. An empty text clears it.
func (m *Manager) SetTransient(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transient = text
}

// SystemPrompt composes the system prompt as it will be sent at now.
func (m *Manager) SystemPrompt(now time.Time) string {
	m.mu.RLock()
	transient := m.transient
	m.mu.RUnlock()

	parts := make([]string, 0, len(m.fragments)+2)
	if text := strings.TrimSpace(m.systemPrompt); text != "" {
		parts = append(parts, text)
	}
	for _, fragment := range m.fragments {
		if fragment == nil {
			continue
		}
		if text := strings.TrimSpace(fragment.Render(now)); text != "" {
			parts = append(parts, text)
		}
	}
	if text := strings.TrimSpace(transient); text != "" {
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}

// Window composes the final system prompt, counts it, and then selects the
// newest history that fits the remaining budget. An assistant tool-call
// message and its results are kept or dropped together, so the window never
// opens on an orphan tool result. The newest group is always included.
func (m *Manager) Window(now time.Time) Window {
	system := m.SystemPrompt(now)
	window := Window{
		System:       system,
		SystemTokens: m.counter.Count(system),
	}

	m.mu.RLock()
	groups := groupMessages(m.messages)
	total := len(m.messages)
	m.mu.RUnlock()

	limited := m.windowTokens > 0
	remaining := 0
	if limited {
		window.Budget = m.windowTokens - m.reserve
		remaining = window.Budget - window.SystemTokens
	}

	start := len(groups)
	for i := len(groups) - 1; i >= 0; i-- {
		cost := m.groupTokens(groups[i])
		if limited && cost > remaining && start < len(groups) {
			break
		}
		start = i
		window.MessageTokens += cost
		remaining -= cost
	}
	for start < len(groups)-1 && groups[start][0].Role == core.RoleTool {
		window.MessageTokens -= m.groupTokens(groups[start])
		start++
	}

	for _, group := range groups[start:] {
		window.Messages = append(window.Messages, core.CloneMessages(group)...)
	}
	window.Omitted = total - len(window.Messages)
	return window
}

// Usage reports token accounting through the same path as Window.
func (m *Manager) Usage(now time.Time) Usage {
	window := m.Window(now)
	history := 0
	for _, msg := range m.Messages() {
		history += m.counter.Count(MessageText(msg))
	}
	return Usage{
		SystemTokens:  window.SystemTokens,
		HistoryTokens: history,
		WindowTokens:  window.Tokens(),
		Budget:        window.Budget,
		Messages:      m.Len(),
		Omitted:       window.Omitted,
	}
}

func (m *Manager) groupTokens(group []core.Message) int {
	total := 0
	for _, msg := range group {
		total += m.counter.Count(MessageText(msg))
	}
	return total
}

// groupMessages attaches tool results to the message before them.
func groupMessages(messages []core.Message) [][]core.Message {
	groups := make([][]core.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == core.RoleTool && len(groups) > 0 {
			last := len(groups) - 1
			groups[last] = append(groups[last], msg)
			continue
		}
		groups = append(groups, []core.Message{msg})
	}
	return groups
}
