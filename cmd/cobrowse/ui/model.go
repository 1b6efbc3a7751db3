package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"cobrowse/internal/agent"
	"cobrowse/internal/protocol"
	"cobrowse/internal/session"
	"cobrowse/internal/transport"
)

// Backend is the dashboard the model drives.
type Backend interface {
	AgentID() string
	Status() transport.Status
	Sessions(f session.Filter) []protocol.Session
	Counts() session.Counts
	Viewer(sessionID string) (*agent.Viewer, bool)
	Join(ctx context.Context, sessionID string) (*agent.Viewer, error)
	Leave(ctx context.Context, sessionID string) error
	End(ctx context.Context, sessionID string) error
	OnChange(fn func())
}

var (
	statusFilters = []session.Filter{session.FilterAll, session.FilterActive, session.FilterPaused}
	logFilters    = []string{
		agent.FilterAll,
		string(protocol.EventClick),
		string(protocol.EventScroll),
		string(protocol.EventInput),
		string(protocol.EventNavigation),
		string(protocol.EventDOMChange),
	}
)

type (
	// changeMsg signals that the dashboard or a viewer changed.
	changeMsg struct{}
	// resultMsg reports the outcome of a dashboard operation.
	resultMsg struct {
		op        string
		sessionID string
		err       error
	}
)

// Model is the bubbletea model of the agent dashboard.
type Model struct {
	ctx     context.Context
	backend Backend
	styles  Styles
	keys    keyMap
	now     func() time.Time
	changes chan struct{}

	sessions  []protocol.Session
	cursor    int
	filter    int
	logFilter int
	joined    string
	notice    string

	log    viewport.Model
	width  int
	height int
}

// NewModel builds the dashboard model and subscribes it to backend changes.
func NewModel(ctx context.Context, backend Backend, styles Styles) *Model {
	m := &Model{
		ctx:     ctx,
		backend: backend,
		styles:  styles,
		keys:    defaultKeyMap(),
		now:     time.Now,
		changes: make(chan struct{}, 1),
		log:     viewport.New(60, 10),
	}
	backend.OnChange(func() {
		select {
		case m.changes <- struct{}{}:
		default:
		}
	})
	m.refresh()
	return m
}

func (m *Model) Init() tea.Cmd {
	return m.waitForChange()
}

func (m *Model) waitForChange() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.changes:
			return changeMsg{}
		case <-m.ctx.Done():
			return tea.Quit()
		}
	}
}

// Joined returns the session the agent is viewing, if any.
func (m *Model) Joined() string { return m.joined }

// Selected returns the session under the cursor.
func (m *Model) Selected() (protocol.Session, bool) {
	if m.cursor < 0 || m.cursor >= len(m.sessions) {
		return protocol.Session{}, false
	}
	return m.sessions[m.cursor], true
}

func (m *Model) refresh() {
	m.sessions = m.backend.Sessions(statusFilters[m.filter])
	if m.cursor >= len(m.sessions) {
		m.cursor = max(len(m.sessions)-1, 0)
	}
	if m.joined != "" {
		if _, ok := m.backend.Viewer(m.joined); !ok {
			m.notice = fmt.Sprintf("session %s ended", m.joined)
			m.joined = ""
		}
	}
	m.refreshLog()
}

func (m *Model) refreshLog() {
	v, ok := m.backend.Viewer(m.joined)
	if !ok {
		m.log.SetContent(m.styles.Muted.Render("Join a session to follow its activity."))
		return
	}
	entries := v.Log().Entries(logFilters[m.logFilter])
	lines := make([]string, 0, len(entries))
	now := m.now()
	for _, e := range entries {
		lines = append(lines, EventLine(e, now))
	}
	if len(lines) == 0 {
		lines = append(lines, m.styles.Muted.Render("No events yet."))
	}
	m.log.SetContent(strings.Join(lines, "\n"))
	m.log.GotoBottom()
}

func (m *Model) run(op, sessionID string, fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		opCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return resultMsg{op: op, sessionID: sessionID, err: fn(opCtx)}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.log.Width = max(msg.Width/2-4, 20)
		m.log.Height = max(msg.Height-12, 5)
		m.refreshLog()
		return m, nil

	case changeMsg:
		m.refresh()
		return m, m.waitForChange()

	case resultMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s %s: %v", msg.op, msg.sessionID, msg.err)
			return m, nil
		}
		switch msg.op {
		case "join":
			m.joined = msg.sessionID
		case "leave", "end":
			if m.joined == msg.sessionID {
				m.joined = ""
			}
		}
		m.notice = fmt.Sprintf("%s %s", msg.op, msg.sessionID)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.sessions)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Filter):
		m.filter = (m.filter + 1) % len(statusFilters)
		m.refresh()
	case key.Matches(msg, m.keys.LogFilter):
		m.logFilter = (m.logFilter + 1) % len(logFilters)
		m.refreshLog()
	case key.Matches(msg, m.keys.Join):
		s, ok := m.Selected()
		if !ok {
			return m, nil
		}
		return m, m.run("join", s.ID, func(ctx context.Context) error {
			_, err := m.backend.Join(ctx, s.ID)
			return err
		})
	case key.Matches(msg, m.keys.Leave):
		if id := m.joined; id != "" {
			return m, m.run("leave", id, func(ctx context.Context) error { return m.backend.Leave(ctx, id) })
		}
	case key.Matches(msg, m.keys.End):
		if id := m.joined; id != "" {
			return m, m.run("end", id, func(ctx context.Context) error { return m.backend.End(ctx, id) })
		}
	case key.Matches(msg, m.keys.Snapshot):
		if v, ok := m.backend.Viewer(m.joined); ok {
			return m, m.run("snapshot", m.joined, v.RequestSnapshot)
		}
	default:
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) View() string {
	counts := m.backend.Counts()
	status := m.backend.Status()
	header := m.styles.Header.Render(fmt.Sprintf("cobrowse  agent %s", m.backend.AgentID())) + " " +
		m.styles.StatusStyle(status).Render(string(status)) + " " +
		m.styles.Muted.Render(fmt.Sprintf("%d sessions, %d active, %d paused", counts.Total, counts.Active, counts.Paused))

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.sessionsView(), " ", m.sessionView())

	help := make([]string, 0, len(m.keys.help()))
	for _, b := range m.keys.help() {
		h := b.Help()
		help = append(help, h.Key+" "+h.Desc)
	}
	footer := m.styles.Footer.Render(strings.Join(help, " • "))
	if m.notice != "" {
		footer = m.styles.Info.Render(m.notice) + "\n" + footer
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, "", body, "", footer)
}

func (m *Model) sessionsView() string {
	var sb strings.Builder
	sb.WriteString(m.styles.Title.Render(fmt.Sprintf("Sessions [%s]", statusFilters[m.filter])))
	sb.WriteString("\n")
	if len(m.sessions) == 0 {
		sb.WriteString(m.styles.Muted.Render("Waiting for visitors..."))
	}
	now := m.now()
	for i, s := range m.sessions {
		line := SessionLine(s, now)
		switch {
		case i == m.cursor:
			line = m.styles.Selected.Render("> " + line)
		default:
			line = m.styles.Body.Render("  " + line)
		}
		sb.WriteString(line + "\n")
	}
	return m.styles.Pane.Render(sb.String())
}

func (m *Model) sessionView() string {
	var sb strings.Builder
	v, ok := m.backend.Viewer(m.joined)
	if !ok {
		sb.WriteString(m.styles.Title.Render("No session joined"))
		sb.WriteString("\n")
		sb.WriteString(m.log.View())
		return m.styles.Pane.Render(sb.String())
	}

	sb.WriteString(m.styles.Title.Render("Session " + v.SessionID()))
	sb.WriteString(" " + m.styles.Badge.Render(string(v.State())))
	sb.WriteString("\n")
	if snap, ok := v.Snapshot(); ok {
		sb.WriteString(m.styles.Muted.Render(fmt.Sprintf("viewport %dx%d scroll %g,%g",
			snap.Viewport.Width, snap.Viewport.Height, snap.Viewport.ScrollX, snap.Viewport.ScrollY)))
		sb.WriteString("\n")
		if text := sandboxText(v.Target(), 200); text != "" {
			sb.WriteString(m.styles.Body.Render(text))
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString(m.styles.Muted.Render("waiting for snapshot"))
		sb.WriteString("\n")
	}
	if gaps := v.Log().Gaps(); gaps > 0 {
		sb.WriteString(m.styles.Warning.Render(fmt.Sprintf("%d sequence gaps", gaps)))
		sb.WriteString("\n")
	}
	sb.WriteString(m.styles.Title.Render(fmt.Sprintf("Events [%s]", logFilters[m.logFilter])))
	sb.WriteString("\n")
	sb.WriteString(m.log.View())
	return m.styles.Pane.Render(sb.String())
}
