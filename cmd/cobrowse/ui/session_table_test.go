package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cobrowse/internal/protocol"
	"cobrowse/internal/session"
)

func TestSessionTable(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	table := NewSessionTable(session.Counts{Total: 2, Active: 1, Paused: 1}, now)
	assert.Empty(t, table.View(DefaultStyles()))

	table.Add(protocol.Session{ID: "cb_1", Status: protocol.StatusActive, CurrentURL: "https://a.test", CreatedAt: now.Add(-2 * time.Hour)})
	table.Add(protocol.Session{ID: "cb_22", Status: protocol.StatusPaused, AgentID: "agent_x", PageTitle: "Cart", CreatedAt: now})
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, "Sessions (2 total, 1 active, 1 paused)", table.Title())

	lines := strings.Split(strings.TrimRight(table.View(DefaultStyles()), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[1], "Session")
	assert.Contains(t, lines[2], "---")
	assert.Contains(t, lines[3], "2 hours ago")
	assert.Contains(t, lines[3], " - ", "missing agent is shown as a dash")
	assert.Contains(t, lines[4], "agent_x")
	assert.Contains(t, lines[4], "Cart")
}
