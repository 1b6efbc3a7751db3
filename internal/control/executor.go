// Package control re-enacts agent-issued commands on the visitor page and
// lets the agent side issue them.
package control

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"cobrowse/internal/clock"
	"cobrowse/internal/dom"
	"cobrowse/internal/logging"
	"cobrowse/internal/protocol"
)

var (
	ErrSelectorMiss    = errors.New("control: no element matches")
	ErrUnknownCommand  = errors.New("control: unknown command type")
	ErrSessionMismatch = errors.New("control: command for another session")
	ErrControlDisabled = errors.New("control: remote control disabled")
)

const (
	// HighlightStyle outlines the element an agent click landed on.
	HighlightStyle = "2px solid #10b981"

	DefaultHighlightDuration = time.Second
)

// Config controls how an Executor applies commands.
type Config struct {
	Enabled bool
	// SingleSession applies every command regardless of its session_id.
	SingleSession     bool
	HighlightDuration time.Duration
	Clock             clock.Clock
}

// Executor applies ControlCommands to one page.
type Executor struct {
	page      dom.Page
	sessionID string
	cfg       Config
	clock     clock.Clock

	mu      sync.Mutex
	applied int
	skipped int
}

// NewExecutor creates an executor for page owned by sessionID.
func NewExecutor(page dom.Page, sessionID string, cfg Config) *Executor {
	if cfg.HighlightDuration <= 0 {
		cfg.HighlightDuration = DefaultHighlightDuration
	}
	return &Executor{
		page:      page,
		sessionID: sessionID,
		cfg:       cfg,
		clock:     clock.OrReal(cfg.Clock),
	}
}

// SetEnabled toggles remote control at runtime.
func (e *Executor) SetEnabled(on bool) {
	e.mu.Lock()
	e.cfg.Enabled = on
	e.mu.Unlock()
}

// Counts returns how many commands were applied and skipped.
func (e *Executor) Counts() (applied, skipped int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied, e.skipped
}

// Apply dispatches cmd by type. Failures are logged and returned for the
// caller's inspection; none of them leave the page in a partial state.
func (e *Executor) Apply(cmd protocol.ControlCommand) error {
	e.mu.Lock()
	enabled, single := e.cfg.Enabled, e.cfg.SingleSession
	e.mu.Unlock()

	if !enabled {
		return e.skip(cmd, "", ErrControlDisabled)
	}
	if !single && cmd.SessionID != e.sessionID {
		logging.ControlDebug("dropping %s command for session %q", cmd.Type, cmd.SessionID)
		return e.skip(cmd, "", ErrSessionMismatch)
	}

	var (
		target string
		err    error
	)
	switch cmd.Type {
	case protocol.CommandClick:
		target, err = e.click(cmd)
	case protocol.CommandScroll:
		target, err = e.scroll(cmd)
	case protocol.CommandInput:
		target, err = e.input(cmd)
	case protocol.CommandMouseMove:
		target, err = e.mouseMove(cmd)
	case protocol.CommandNavigation:
		target, err = e.navigate(cmd)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	if err != nil {
		return e.skip(cmd, target, err)
	}

	e.mu.Lock()
	e.applied++
	e.mu.Unlock()
	// mouse-move is purely visual and far too frequent to audit
	if cmd.Type != protocol.CommandMouseMove {
		logging.AuditWithSession(e.sessionID, "agent").ControlCommand(string(cmd.Type), target, nil)
	}
	logging.ControlDebug("applied %s %s", cmd.Type, target)
	return nil
}

func (e *Executor) skip(cmd protocol.ControlCommand, target string, err error) error {
	e.mu.Lock()
	e.skipped++
	e.mu.Unlock()
	switch {
	case errors.Is(err, ErrSessionMismatch):
	case errors.Is(err, ErrSelectorMiss), errors.Is(err, ErrControlDisabled):
		logging.ControlDebug("skipped %s %s: %v", cmd.Type, target, err)
		logging.AuditWithSession(e.sessionID, "agent").ControlCommand(string(cmd.Type), target, err)
	default:
		logging.ControlWarn("skipped %s %s: %v", cmd.Type, target, err)
		logging.AuditWithSession(e.sessionID, "agent").ControlCommand(string(cmd.Type), target, err)
	}
	return err
}

func (e *Executor) click(cmd protocol.ControlCommand) (string, error) {
	var c protocol.ClickCommand
	if err := cmd.DecodeData(&c); err != nil {
		return "", fmt.Errorf("decode click: %w", err)
	}

	var (
		el     dom.Element
		ok     bool
		target = c.Selector
	)
	if c.Selector != "" {
		el, ok = e.page.QuerySelector(c.Selector)
	} else {
		target = fmt.Sprintf("(%g, %g)", c.X, c.Y)
		el, ok = e.page.ElementFromPoint(c.X, c.Y)
	}
	if !ok {
		return target, ErrSelectorMiss
	}
	if err := e.page.Click(el, c.X, c.Y, c.Button); err != nil {
		return target, fmt.Errorf("click: %w", err)
	}
	e.highlight(el)
	return target, nil
}

// highlight outlines el until the highlight duration elapses. A click landing
// on an element that is still outlined leaves the pending restore in charge.
func (e *Executor) highlight(el dom.Element) {
	prev := el.Style("outline")
	if prev == HighlightStyle {
		return
	}
	el.SetStyle("outline", HighlightStyle)
	e.clock.AfterFunc(e.cfg.HighlightDuration, func() {
		el.SetStyle("outline", prev)
	})
}

func (e *Executor) scroll(cmd protocol.ControlCommand) (string, error) {
	var s protocol.ScrollCommand
	if err := cmd.DecodeData(&s); err != nil {
		return "", fmt.Errorf("decode scroll: %w", err)
	}
	target := fmt.Sprintf("(%g, %g)", s.ScrollX, s.ScrollY)
	if err := e.page.ScrollTo(s.ScrollX, s.ScrollY); err != nil {
		return target, fmt.Errorf("scroll: %w", err)
	}
	return target, nil
}

func (e *Executor) input(cmd protocol.ControlCommand) (string, error) {
	var in protocol.InputCommand
	if err := cmd.DecodeData(&in); err != nil {
		return "", fmt.Errorf("decode input: %w", err)
	}
	el, ok := e.page.QuerySelector(in.Selector)
	if !ok {
		return in.Selector, ErrSelectorMiss
	}
	if err := e.page.SetValue(el, in.Value); err != nil {
		if errors.Is(err, dom.ErrNotEditable) {
			return in.Selector, fmt.Errorf("%w: %w", ErrSelectorMiss, err)
		}
		return in.Selector, fmt.Errorf("input: %w", err)
	}
	return in.Selector, nil
}

func (e *Executor) mouseMove(cmd protocol.ControlCommand) (string, error) {
	var m protocol.MouseMoveCommand
	if err := cmd.DecodeData(&m); err != nil {
		return "", fmt.Errorf("decode mouse-move: %w", err)
	}
	return "", e.page.MoveCursor(m.X, m.Y)
}

func (e *Executor) navigate(cmd protocol.ControlCommand) (string, error) {
	var n protocol.NavigationCommand
	if err := cmd.DecodeData(&n); err != nil {
		return "", fmt.Errorf("decode navigation: %w", err)
	}
	if err := e.page.Navigate(n.URL); err != nil {
		return n.URL, fmt.Errorf("navigate: %w", err)
	}
	return n.URL, nil
}
