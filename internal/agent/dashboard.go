// Package agent is the agent side of co-browsing: a dashboard listing live
// sessions and per-session viewers that render snapshots, log visitor
// actions and send control commands.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cobrowse/internal/channel"
	"cobrowse/internal/clock"
	"cobrowse/internal/dom"
	"cobrowse/internal/logging"
	"cobrowse/internal/protocol"
	"cobrowse/internal/session"
	"cobrowse/internal/snapshot"
	"cobrowse/internal/transport"
)

var (
	ErrUnknownSession = errors.New("agent: unknown session")
	ErrNotStarted     = errors.New("agent: dashboard not started")
)

// Config tunes a Dashboard.
type Config struct {
	AgentID           string
	Channel           channel.Options
	EventLogLimit     int
	MouseMoveThrottle time.Duration
	// NewRenderTarget builds the sandbox each viewer renders into.
	NewRenderTarget func() snapshot.RenderTarget
	Clock           clock.Clock
}

// Dashboard follows the shared dashboard channel to maintain the list of
// live sessions, and opens a Viewer per joined session.
type Dashboard struct {
	cfg      Config
	tr       transport.Transport
	clock    clock.Clock
	manager  *channel.Manager
	registry *session.Registry

	mu        sync.Mutex
	started   bool
	viewers   map[string]*Viewer
	listeners []func()
}

// NewDashboard creates a dashboard over tr. A missing agent id is generated.
func NewDashboard(tr transport.Transport, cfg Config) *Dashboard {
	if cfg.AgentID == "" {
		cfg.AgentID = protocol.NewAgentID()
	}
	if cfg.NewRenderTarget == nil {
		cfg.NewRenderTarget = func() snapshot.RenderTarget { return dom.NewSandbox() }
	}
	clk := clock.OrReal(cfg.Clock)
	return &Dashboard{
		cfg:      cfg,
		tr:       tr,
		clock:    clk,
		manager:  channel.NewManager(tr, "", cfg.Channel),
		registry: session.NewRegistry(clk.Now),
		viewers:  make(map[string]*Viewer),
	}
}

func (d *Dashboard) AgentID() string { return d.cfg.AgentID }

// Status is the dashboard channel status.
func (d *Dashboard) Status() transport.Status { return d.manager.Status() }

// OnChange registers fn for any change to the session list or a viewer.
func (d *Dashboard) OnChange(fn func()) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (d *Dashboard) changed() {
	d.mu.Lock()
	fns := append([]func(){}, d.listeners...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Start subscribes to session lifecycle messages on the dashboard channel.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	d.manager.Subscribe(protocol.EventSessionStarted, func(msg transport.Message) {
		var s protocol.SessionStarted
		if !channel.DecodeInto(msg, &s) || s.SessionID == "" {
			return
		}
		d.registry.Started(s)
		logging.Agent("session %s started on %s", s.SessionID, s.URL)
		d.changed()
	})
	d.manager.Subscribe(protocol.EventSessionUpdate, func(msg transport.Message) {
		var s protocol.Session
		if !channel.DecodeInto(msg, &s) || s.ID == "" {
			return
		}
		d.registry.Upsert(s)
		d.changed()
	})
	d.manager.Subscribe(protocol.EventSessionEnded, func(msg transport.Message) {
		var e protocol.SessionEnded
		if !channel.DecodeInto(msg, &e) {
			return
		}
		if d.registry.Remove(e.SessionID) {
			logging.Agent("session %s ended", e.SessionID)
			d.changed()
		}
	})
	d.manager.Subscribe(protocol.EventVisitorAction, func(msg transport.Message) {
		var a protocol.VisitorAction
		if !channel.DecodeInto(msg, &a) || a.Type != protocol.EventNavigation {
			return
		}
		var nav protocol.NavigationData
		if a.DecodeData(&nav) != nil {
			return
		}
		if _, ok := d.registry.Navigated(a.SessionID, nav.URL, nav.Title); ok {
			d.changed()
		}
	})
	d.manager.OnStatus(func(s transport.Status) {
		logging.Agent("dashboard channel %s", s)
		d.changed()
	})

	if err := d.manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect dashboard: %w", err)
	}
	return nil
}

// Sessions lists the live sessions matching f, newest first.
func (d *Dashboard) Sessions(f session.Filter) []protocol.Session { return d.registry.List(f) }

// Counts tallies live sessions by status.
func (d *Dashboard) Counts() session.Counts { return d.registry.Counts() }

// Session returns one live session.
func (d *Dashboard) Session(id string) (protocol.Session, bool) { return d.registry.Get(id) }

// Viewer returns the open viewer for sessionID.
func (d *Dashboard) Viewer(sessionID string) (*Viewer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.viewers[sessionID]
	return v, ok
}

// Viewers returns every open viewer.
func (d *Dashboard) Viewers() []*Viewer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Viewer, 0, len(d.viewers))
	for _, v := range d.viewers {
		out = append(out, v)
	}
	return out
}

// Join opens a viewer on sessionID, tracks this agent's presence on it and
// announces the assignment with session-update. A session the dashboard has
// not seen yet is joined anyway and activates once its session-started
// arrives.
func (d *Dashboard) Join(ctx context.Context, sessionID string) (*Viewer, error) {
	if sessionID == "" {
		return nil, ErrUnknownSession
	}
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil, ErrNotStarted
	}
	if v, ok := d.viewers[sessionID]; ok {
		d.mu.Unlock()
		return v, nil
	}
	d.mu.Unlock()

	s, known := d.registry.Get(sessionID)
	if !known {
		s = protocol.Session{ID: sessionID, Status: protocol.StatusActive}
	}
	v := newViewer(d.tr, s, d.cfg.AgentID, d.cfg)
	v.onEnded = d.viewerEnded
	v.OnUpdate(d.changed)
	if err := v.connect(ctx); err != nil {
		_ = v.close(ctx)
		return nil, fmt.Errorf("join %s: %w", sessionID, err)
	}
	if known {
		v.machine.Started(sessionID)
	}

	d.mu.Lock()
	if existing, ok := d.viewers[sessionID]; ok {
		d.mu.Unlock()
		_ = v.close(ctx)
		return existing, nil
	}
	d.viewers[sessionID] = v
	d.mu.Unlock()

	if updated, ok := d.registry.SetAgent(sessionID, d.cfg.AgentID); ok {
		s = updated
	}
	if err := v.announce(ctx, s); err != nil {
		logging.AgentWarn("announce agent on %s: %v", sessionID, err)
	}
	if err := v.RequestSnapshot(ctx); err != nil {
		logging.AgentWarn("request snapshot for %s: %v", sessionID, err)
	}
	logging.AuditWithSession(sessionID, d.cfg.AgentID).AgentJoin(d.cfg.AgentID)
	logging.Agent("agent %s joined session %s", d.cfg.AgentID, sessionID)
	d.changed()
	return v, nil
}

// Leave closes the viewer for sessionID and forgets the session locally.
// Nothing is broadcast; the visitor's session keeps running.
func (d *Dashboard) Leave(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	v, ok := d.viewers[sessionID]
	delete(d.viewers, sessionID)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	err := v.close(ctx)
	d.registry.Remove(sessionID)
	logging.AuditWithSession(sessionID, d.cfg.AgentID).AgentLeave(d.cfg.AgentID)
	d.changed()
	return err
}

// End ends sessionID for both parties.
func (d *Dashboard) End(ctx context.Context, sessionID string) error {
	v, ok := d.Viewer(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return v.End(ctx)
}

func (d *Dashboard) viewerEnded(v *Viewer, local bool) {
	d.mu.Lock()
	if d.viewers[v.sessionID] == v {
		delete(d.viewers, v.sessionID)
	}
	d.mu.Unlock()
	d.registry.Remove(v.sessionID)
	if local {
		logging.AuditWithSession(v.sessionID, d.cfg.AgentID).SessionEnd("ended by agent")
	}
	d.changed()
}

// Close leaves every viewer and the dashboard channel.
func (d *Dashboard) Close(ctx context.Context) error {
	d.mu.Lock()
	viewers := d.viewers
	d.viewers = make(map[string]*Viewer)
	d.mu.Unlock()

	var errs []error
	for _, v := range viewers {
		errs = append(errs, v.close(ctx))
	}
	errs = append(errs, d.manager.Close(ctx))
	return errors.Join(errs...)
}
