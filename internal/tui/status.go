package tui

import (
	"fmt"
	"strings"

	"nexus3/internal/llm/core"
)

// StatusModel is the one-line summary printed after a turn.
type StatusModel struct {
	Version    string
	ModelName  string
	SessionID  string
	Reason     core.HaltReason
	Iterations int
	// ContextTokens and ContextBudget describe the last window; a zero
	// budget means the window is unlimited.
	ContextTokens int
	ContextBudget int
}

// NewStatusModel constructs status data for rendering.
func NewStatusModel(version, modelName, sessionID string) StatusModel {
	return StatusModel{
		Version:   strings.TrimSpace(version),
		ModelName: strings.TrimSpace(modelName),
		SessionID: strings.TrimSpace(sessionID),
	}
}

// Render draws a one-line status bar.
func (m StatusModel) Render(width int, theme Theme) string {
	parts := []string{
		"nexus3 " + fallbackText(m.Version, "dev"),
		fallbackText(m.ModelName, "unknown-model"),
		"session: " + fallbackText(m.SessionID, "new"),
		"halt: " + fallbackText(string(m.Reason), "-"),
		fmt.Sprintf("iterations: %d", m.Iterations),
		"context: " + m.contextText(),
	}
	line := strings.Join(parts, " | ")
	style := theme.StatusBarStyle
	if width > 0 {
		style = style.Width(width)
	}
	return style.Render(line)
}

func (m StatusModel) contextText() string {
	if m.ContextBudget <= 0 {
		return fmt.Sprintf("%d tokens", m.ContextTokens)
	}
	return fmt.Sprintf("%d/%d tokens", m.ContextTokens, m.ContextBudget)
}

func fallbackText(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
