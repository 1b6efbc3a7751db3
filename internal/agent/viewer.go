package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cobrowse/internal/channel"
	"cobrowse/internal/clock"
	"cobrowse/internal/control"
	"cobrowse/internal/logging"
	"cobrowse/internal/protocol"
	"cobrowse/internal/session"
	"cobrowse/internal/snapshot"
	"cobrowse/internal/transport"
)

// Viewer is the agent's context for one session: its lifecycle, event log,
// rendered snapshot and control channel. Viewers share nothing, so one
// dashboard can follow several sessions at once.
type Viewer struct {
	sessionID string
	visitorID string
	agentID   string
	clock     clock.Clock

	manager  *channel.Manager
	machine  *session.Machine
	log      *EventLog
	target   snapshot.RenderTarget
	renderer *snapshot.Renderer
	remote   *control.Remote

	mu       sync.Mutex
	closed   bool
	onEnded  func(*Viewer, bool)
	onUpdate []func()
}

func newViewer(tr transport.Transport, s protocol.Session, agentID string, cfg Config) *Viewer {
	clk := clock.OrReal(cfg.Clock)
	target := cfg.NewRenderTarget()
	v := &Viewer{
		sessionID: s.ID,
		visitorID: s.VisitorID,
		agentID:   agentID,
		clock:     clk,
		manager:   channel.NewManager(tr, s.ID, cfg.Channel),
		machine:   session.NewMachine(s.ID),
		log:       NewEventLog(s.ID, cfg.EventLogLimit),
		target:    target,
		renderer:  snapshot.NewRenderer(s.ID, target),
	}
	v.remote = control.NewRemote(v.manager, s.ID, cfg.MouseMoveThrottle, clk)
	v.subscribe()
	return v
}

func (v *Viewer) SessionID() string { return v.sessionID }

// State returns the session lifecycle state as seen by this viewer.
func (v *Viewer) State() session.State { return v.machine.State() }

// Machine exposes the lifecycle for transition listeners.
func (v *Viewer) Machine() *session.Machine { return v.machine }

func (v *Viewer) Log() *EventLog { return v.log }

// Target is the sandbox the latest snapshot is rendered into.
func (v *Viewer) Target() snapshot.RenderTarget { return v.target }

// Snapshot returns the latest rendered snapshot.
func (v *Viewer) Snapshot() (protocol.DOMSnapshot, bool) { return v.renderer.Current() }

// Remote issues control commands to the visitor.
func (v *Viewer) Remote() *control.Remote { return v.remote }

// Status is the aggregate channel status.
func (v *Viewer) Status() transport.Status { return v.manager.Status() }

// OnUpdate registers fn for every log entry, snapshot or state change.
func (v *Viewer) OnUpdate(fn func()) {
	v.mu.Lock()
	v.onUpdate = append(v.onUpdate, fn)
	v.mu.Unlock()
}

func (v *Viewer) changed() {
	v.mu.Lock()
	fns := append([]func(){}, v.onUpdate...)
	v.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (v *Viewer) subscribe() {
	v.manager.Subscribe(protocol.EventSessionStarted, func(msg transport.Message) {
		var s protocol.SessionStarted
		if !channel.DecodeInto(msg, &s) {
			return
		}
		if v.machine.Started(s.SessionID) {
			v.changed()
		}
	})
	v.manager.Subscribe(protocol.EventSnapshot, func(msg transport.Message) {
		var snap protocol.DOMSnapshot
		if !channel.DecodeInto(msg, &snap) {
			return
		}
		if err := v.renderer.Render(snap); err != nil {
			if !errors.Is(err, snapshot.ErrSessionMismatch) {
				logging.AgentWarn("render snapshot for %s: %v", v.sessionID, err)
			}
			return
		}
		v.changed()
	})
	v.manager.Subscribe(protocol.EventVisitorAction, func(msg transport.Message) {
		var a protocol.VisitorAction
		if !channel.DecodeInto(msg, &a) {
			return
		}
		if !v.log.Add(a, v.clock.Now()) {
			logging.AgentDebug("dropping %s action for %s while tracking %s", a.Type, a.SessionID, v.sessionID)
			return
		}
		v.changed()
	})
	v.manager.Subscribe(protocol.EventSessionEnded, func(msg transport.Message) {
		var e protocol.SessionEnded
		if !channel.DecodeInto(msg, &e) || e.SessionID != v.sessionID {
			return
		}
		// teardown unsubscribes this very channel; run it elsewhere
		go v.remoteEnded()
	})
	v.manager.OnPresence(func(ev transport.PresenceEvent) {
		logging.AgentDebug("presence %s on session %s (%d states)", ev.Kind, v.sessionID, len(ev.States))
	})
}

func (v *Viewer) connect(ctx context.Context) error {
	if err := v.manager.Connect(ctx); err != nil {
		return err
	}
	v.machine.Subscribed()
	if err := v.manager.Track(ctx, protocol.PresenceState{
		Type:      "agent",
		AgentID:   v.agentID,
		VisitorID: v.visitorID,
		SessionID: v.sessionID,
		Timestamp: v.clock.Now().UnixMilli(),
	}); err != nil {
		logging.AgentWarn("track agent presence on %s: %v", v.sessionID, err)
	}
	return nil
}

// RequestSnapshot asks the visitor for a fresh snapshot.
func (v *Viewer) RequestSnapshot(ctx context.Context) error {
	return v.manager.Send(ctx, protocol.EventRequestSnapshot, protocol.SnapshotRequest{
		SessionID: v.sessionID,
		Timestamp: v.clock.Now().UnixMilli(),
	})
}

// SendControl publishes a prebuilt control command for this session.
func (v *Viewer) SendControl(ctx context.Context, cmd protocol.ControlCommand) error {
	if v.machine.IsEnded() {
		return fmt.Errorf("session %s: %w", v.sessionID, session.ErrInvalidTransition)
	}
	return v.remote.SendCommand(ctx, cmd)
}

// announce publishes session-update with this agent assigned.
func (v *Viewer) announce(ctx context.Context, s protocol.Session) error {
	s.AgentID = v.agentID
	s.UpdatedAt = v.clock.Now()
	return v.manager.Broadcast(ctx, protocol.EventSessionUpdate, s)
}

// End terminates the session for both parties: session-ended is published
// on both channels, then the viewer leaves.
func (v *Viewer) End(ctx context.Context) error {
	if !v.machine.End() {
		return nil
	}
	err := v.manager.Broadcast(ctx, protocol.EventSessionEnded, protocol.SessionEnded{
		SessionID: v.sessionID,
		VisitorID: v.visitorID,
		Timestamp: v.clock.Now().UnixMilli(),
	})
	if err != nil {
		err = fmt.Errorf("announce end of %s: %w", v.sessionID, err)
	}
	v.notifyEnded(true)
	return errors.Join(err, v.close(ctx))
}

func (v *Viewer) remoteEnded() {
	if !v.machine.Ended(v.sessionID) {
		return
	}
	logging.Agent("session %s ended by visitor", v.sessionID)
	v.notifyEnded(false)
	_ = v.close(context.Background())
}

func (v *Viewer) notifyEnded(local bool) {
	v.mu.Lock()
	fn := v.onEnded
	v.mu.Unlock()
	if fn != nil {
		fn(v, local)
	}
	v.changed()
}

// close untracks and unsubscribes without announcing anything.
func (v *Viewer) close(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	if v.manager.Connected() {
		if err := v.manager.Untrack(ctx); err != nil {
			logging.AgentDebug("untrack %s: %v", v.sessionID, err)
		}
	}
	return v.manager.Close(ctx)
}
