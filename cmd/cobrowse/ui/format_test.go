package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cobrowse/internal/agent"
	"cobrowse/internal/dom"
	"cobrowse/internal/protocol"
	"cobrowse/internal/transport"
)

func TestPageLabel(t *testing.T) {
	assert.Equal(t, "Checkout", PageLabel(protocol.Session{PageTitle: "Checkout", CurrentURL: "https://a.test"}))
	assert.Equal(t, "https://a.test", PageLabel(protocol.Session{CurrentURL: "https://a.test"}))
	assert.Equal(t, "-", PageLabel(protocol.Session{}))
	assert.Len(t, []rune(PageLabel(protocol.Session{PageTitle: strings.Repeat("é", 80)})), 48)
}

func TestEventLine(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev, err := protocol.NewVisitorEvent(protocol.EventNavigation, "window", protocol.NavigationData{URL: "https://a.test/cart"}, now)
	require.NoError(t, err)

	line := EventLine(agent.Entry{Event: ev, Received: now.Add(-2 * time.Minute)}, now)
	assert.Contains(t, line, "navigation")
	assert.Contains(t, line, "2 minutes ago")
	assert.Contains(t, line, "Navigated to https://a.test/cart")
}

func TestSessionLine(t *testing.T) {
	now := time.Now()
	line := SessionLine(protocol.Session{ID: "cb_1", Status: protocol.StatusPaused, AgentID: "agent-1", CreatedAt: now.Add(-time.Hour)}, now)
	assert.True(t, strings.HasPrefix(line, "* cb_1"))
	assert.Contains(t, line, "paused")
	assert.Contains(t, line, "1 hour ago")
}

func TestSandboxText(t *testing.T) {
	doc := dom.NewSandbox()
	require.NoError(t, doc.Replace("<p>Hello</p>\n\n<p>world</p>"))
	assert.Equal(t, "Hello world", sandboxText(doc, 100))
	assert.Equal(t, "Hel", sandboxText(doc, 3))
	assert.Empty(t, sandboxText(struct{}{}, 10))
}

func TestStatusStyle(t *testing.T) {
	s := NewStyles(LightTheme())
	assert.Equal(t, s.Success.Render("x"), s.StatusStyle(transport.StatusSubscribed).Render("x"))
	assert.Equal(t, s.Error.Render("x"), s.StatusStyle(transport.StatusTimedOut).Render("x"))
	assert.Equal(t, s.Muted.Render("x"), s.StatusStyle(transport.StatusClosed).Render("x"))
}
