package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme contains style tokens used by the terminal renderer.
type Theme struct {
	Name                 string
	StatusBarStyle       lipgloss.Style
	UserPrefixStyle      lipgloss.Style
	AssistantPrefixStyle lipgloss.Style
	ToolPrefixStyle      lipgloss.Style
	ToolErrorStyle       lipgloss.Style
	NoticeStyle          lipgloss.Style
	HaltStyle            lipgloss.Style
	MutedStyle           lipgloss.Style
}

// ResolveTheme returns the configured theme or the dark default.
func ResolveTheme(name string) Theme {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "light":
		return newLightTheme()
	case "plain":
		return newPlainTheme()
	default:
		return newDarkTheme()
	}
}

func newDarkTheme() Theme {
	muted := lipgloss.Color("245")
	return Theme{
		Name: "dark",
		StatusBarStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("63")).
			Padding(0, 1),
		UserPrefixStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		AssistantPrefixStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true),
		ToolPrefixStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("111")).Bold(true),
		ToolErrorStyle:       lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		NoticeStyle:          lipgloss.NewStyle().Foreground(muted).Italic(true),
		HaltStyle:            lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		MutedStyle:           lipgloss.NewStyle().Foreground(muted),
	}
}

func newLightTheme() Theme {
	muted := lipgloss.Color("240")
	return Theme{
		Name: "light",
		StatusBarStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("189")).
			Padding(0, 1),
		UserPrefixStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("25")).Bold(true),
		AssistantPrefixStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("94")).Bold(true),
		ToolPrefixStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("31")).Bold(true),
		ToolErrorStyle:       lipgloss.NewStyle().Foreground(lipgloss.Color("124")),
		NoticeStyle:          lipgloss.NewStyle().Foreground(muted).Italic(true),
		HaltStyle:            lipgloss.NewStyle().Foreground(lipgloss.Color("124")).Bold(true),
		MutedStyle:           lipgloss.NewStyle().Foreground(muted),
	}
}

// newPlainTheme renders text unchanged, for pipes and tests.
func newPlainTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{
		Name:                 "plain",
		StatusBarStyle:       plain,
		UserPrefixStyle:      plain,
		AssistantPrefixStyle: plain,
		ToolPrefixStyle:      plain,
		ToolErrorStyle:       plain,
		NoticeStyle:          plain,
		HaltStyle:            plain,
		MutedStyle:           plain,
	}
}
