package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"nexus3/internal/session"
)

const sessionTimeLayout = "2006-01-02 15:04"

// RenderSessionList draws stored sessions newest first, one per line.
func RenderSessionList(infos []session.Info, theme Theme) string {
	if len(infos) == 0 {
		return theme.MutedStyle.Render("no sessions")
	}

	idWidth := len("ID")
	for _, info := range infos {
		if n := lipgloss.Width(info.ID); n > idWidth {
			idWidth = n
		}
	}
	idCol := lipgloss.NewStyle().Width(idWidth + 2)
	timeCol := lipgloss.NewStyle().Width(len(sessionTimeLayout) + 2)

	var b strings.Builder
	b.WriteString(theme.UserPrefixStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Top, idCol.Render("ID"), timeCol.Render("UPDATED"), "MESSAGES"),
	))
	for _, info := range infos {
		b.WriteString("\n")
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			idCol.Render(info.ID),
			timeCol.Render(formatUpdated(info.UpdatedAt)),
			fmt.Sprintf("%d", info.Messages),
		))
	}
	return b.String()
}

func formatUpdated(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(sessionTimeLayout)
}
