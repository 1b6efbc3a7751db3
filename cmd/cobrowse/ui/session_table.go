package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"cobrowse/internal/protocol"
	"cobrowse/internal/session"
)

var sessionColumns = []string{"Session", "Status", "Agent", "Page", "Started"}

// SessionTable renders a session listing as aligned columns under a title
// carrying the per-status counts.
type SessionTable struct {
	counts session.Counts
	now    time.Time
	rows   [][]string
}

// NewSessionTable creates an empty table. Ages are relative to now.
func NewSessionTable(counts session.Counts, now time.Time) *SessionTable {
	return &SessionTable{counts: counts, now: now}
}

// Add appends one session row.
func (t *SessionTable) Add(s protocol.Session) {
	agentID := s.AgentID
	if agentID == "" {
		agentID = "-"
	}
	t.rows = append(t.rows, []string{
		s.ID,
		string(s.Status),
		agentID,
		PageLabel(s),
		humanize.RelTime(s.CreatedAt, t.now, "ago", "from now"),
	})
}

// Len returns the number of rows.
func (t *SessionTable) Len() int { return len(t.rows) }

// Title summarizes the counts.
func (t *SessionTable) Title() string {
	return fmt.Sprintf("Sessions (%d total, %d active, %d paused)", t.counts.Total, t.counts.Active, t.counts.Paused)
}

// View renders the table, or the empty string when there are no rows.
func (t *SessionTable) View(styles Styles) string {
	if len(t.rows) == 0 {
		return ""
	}
	widths := make([]int, len(sessionColumns))
	for i, h := range sessionColumns {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	sep := styles.Muted.Render("|")
	line := func(style lipgloss.Style, cells []string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = style.Width(widths[i] + 2).Render(cell)
		}
		return strings.Join(parts, sep)
	}

	header := line(styles.Bold.Padding(0, 1), sessionColumns)
	lines := []string{
		styles.Title.Render(t.Title()),
		header,
		styles.Muted.Render(strings.Repeat("-", lipgloss.Width(header))),
	}
	for _, row := range t.rows {
		lines = append(lines, line(styles.Body.Padding(0, 1), row))
	}
	return strings.Join(lines, "\n") + "\n"
}
