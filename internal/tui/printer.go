package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"nexus3/internal/agent"
)

const (
	maxArgsPreview   = 80
	maxResultPreview = 120
)

// Printer renders orchestrator events as they arrive. Assistant text goes to
// out; tool activity, notices and the status line go to diag so that out
// carries only the answer.
type Printer struct {
	out   io.Writer
	diag  io.Writer
	theme Theme

	mu        sync.Mutex
	streaming bool
}

// NewPrinter creates a printer.
func NewPrinter(out, diag io.Writer, theme Theme) *Printer {
	if diag == nil {
		diag = io.Discard
	}
	return &Printer{out: out, diag: diag, theme: theme}
}

// Handle renders one event. It is safe to pass as agent.Config.OnEvent.
func (p *Printer) Handle(ev agent.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case agent.EventContentDelta:
		if ev.Text == "" {
			return
		}
		if !p.streaming {
			_, _ = fmt.Fprint(p.out, p.theme.AssistantPrefixStyle.Render("assistant:")+" ")
			p.streaming = true
		}
		_, _ = io.WriteString(p.out, ev.Text)

	case agent.EventToolStart:
		p.endLine()
		if ev.ToolCall == nil {
			return
		}
		args := clip(strings.Join(strings.Fields(string(ev.ToolCall.Arguments)), " "), maxArgsPreview)
		_, _ = fmt.Fprintf(p.diag, "%s %s %s\n",
			p.theme.ToolPrefixStyle.Render("tool>"),
			ev.ToolCall.Name,
			p.theme.MutedStyle.Render(args),
		)

	case agent.EventToolResult:
		if ev.ToolResult == nil {
			return
		}
		line := clip(firstLine(ev.ToolResult.Content), maxResultPreview)
		style := p.theme.MutedStyle
		if ev.ToolResult.IsError {
			style = p.theme.ToolErrorStyle
		}
		_, _ = fmt.Fprintf(p.diag, "  %s %s\n", ev.ToolResult.ToolName, style.Render(line))

	case agent.EventNotice:
		p.endLine()
		style := p.theme.NoticeStyle
		if ev.Reason != "" && ev.Reason.Abnormal() {
			style = p.theme.HaltStyle
		}
		_, _ = fmt.Fprintln(p.diag, style.Render(ev.Text))

	case agent.EventComplete:
		p.endLine()
	}
}

// Status prints the status line.
func (p *Printer) Status(status StatusModel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
	_, _ = fmt.Fprintln(p.diag, status.Render(0, p.theme))
}

func (p *Printer) endLine() {
	if !p.streaming {
		return
	}
	_, _ = io.WriteString(p.out, "\n")
	p.streaming = false
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i] + " ..."
	}
	return text
}

func clip(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
