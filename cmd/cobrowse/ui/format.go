package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"cobrowse/internal/agent"
	"cobrowse/internal/dom"
	"cobrowse/internal/protocol"
	"cobrowse/internal/transport"
)

// PageLabel is the title of a session's page, falling back to its URL.
func PageLabel(s protocol.Session) string {
	label := s.PageTitle
	if label == "" {
		label = s.CurrentURL
	}
	if label == "" {
		return "-"
	}
	return dom.Truncate(label, 48)
}

// EventLine renders one event log entry with its age relative to now.
func EventLine(e agent.Entry, now time.Time) string {
	return fmt.Sprintf("%-10s %-12s %s",
		string(e.Event.Type), humanize.RelTime(e.Received, now, "ago", "from now"), e.Describe())
}

// SessionLine renders one row of the session list.
func SessionLine(s protocol.Session, now time.Time) string {
	agentMark := " "
	if s.AgentID != "" {
		agentMark = "*"
	}
	return fmt.Sprintf("%s %-14s %-6s %-12s %s", agentMark, dom.Truncate(s.ID, 14), s.Status,
		humanize.RelTime(s.CreatedAt, now, "ago", "from now"), PageLabel(s))
}

// StatusStyle picks the style for a channel status.
func (s Styles) StatusStyle(status transport.Status) lipgloss.Style {
	switch status {
	case transport.StatusSubscribed:
		return s.Success
	case transport.StatusConnecting:
		return s.Warning
	case transport.StatusTimedOut, transport.StatusErrored:
		return s.Error
	}
	return s.Muted
}

// sandboxText returns the visible text of a rendered snapshot, collapsed to
// single spaces.
func sandboxText(target any, limit int) string {
	t, ok := target.(interface{ TextContent() string })
	if !ok {
		return ""
	}
	return dom.Truncate(strings.Join(strings.Fields(t.TextContent()), " "), limit)
}
