// Package visitor is the visitor-side co-browsing widget. It captures the
// host page, streams events and snapshots to the agent, and re-enacts agent
// control commands.
package visitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cobrowse/internal/capture"
	"cobrowse/internal/channel"
	"cobrowse/internal/clock"
	"cobrowse/internal/control"
	"cobrowse/internal/dom"
	"cobrowse/internal/logging"
	"cobrowse/internal/outbound"
	"cobrowse/internal/protocol"
	"cobrowse/internal/session"
	"cobrowse/internal/snapshot"
	"cobrowse/internal/transport"
)

var (
	// ErrConsentDeclined is returned by Start when the visitor refuses.
	ErrConsentDeclined = errors.New("visitor: consent declined")
	ErrAlreadyStarted  = errors.New("visitor: widget already started")
	ErrEnded           = errors.New("visitor: session ended")
)

// DefaultMaxSessionDuration applies when a duration limit is requested
// without a value.
const DefaultMaxSessionDuration = 60 * time.Minute

// ConsentPrompter asks the visitor whether the session may start.
type ConsentPrompter interface {
	RequestConsent(ctx context.Context) (bool, error)
}

// ConsentFunc adapts a function to ConsentPrompter.
type ConsentFunc func(ctx context.Context) (bool, error)

func (f ConsentFunc) RequestConsent(ctx context.Context) (bool, error) { return f(ctx) }

// Config is the widget initialisation.
type Config struct {
	SessionID      string
	VisitorID      string
	EnableControl  bool
	RequireConsent bool
	// MaxSessionDuration ends the session when it elapses; zero disables it.
	MaxSessionDuration time.Duration

	Policy            outbound.Policy
	Backoff           outbound.Backoff
	ScrollDebounce    time.Duration
	HighlightDuration time.Duration
	SingleSession     bool
	Channel           channel.Options

	Consent ConsentPrompter
	Clock   clock.Clock
}

// Stats is a point-in-time view of the widget.
type Stats struct {
	SessionID string           `json:"session_id"`
	State     session.State    `json:"state"`
	Status    transport.Status `json:"status"`
	Queue     outbound.Stats   `json:"queue"`
	Applied   int              `json:"commands_applied"`
	Skipped   int              `json:"commands_skipped"`
	Snapshots int              `json:"snapshots_sent"`
}

// Widget runs one visitor session over a transport.
type Widget struct {
	cfg   Config
	page  dom.Page
	clock clock.Clock

	manager  *channel.Manager
	queue    *outbound.Queue
	capturer *capture.Capturer
	executor *control.Executor
	machine  *session.Machine

	mu        sync.Mutex
	started   bool
	ended     bool
	timer     clock.Timer
	cancel    context.CancelFunc
	snapshots int

	runDone chan struct{}
	done    chan struct{}
}

// New builds a widget for page. Missing session and visitor ids are generated.
func New(page dom.Page, tr transport.Transport, cfg Config) *Widget {
	if cfg.SessionID == "" {
		cfg.SessionID = protocol.NewSessionID()
	}
	if cfg.VisitorID == "" {
		cfg.VisitorID = protocol.NewVisitorID()
	}
	clk := clock.OrReal(cfg.Clock)

	w := &Widget{
		cfg:     cfg,
		page:    page,
		clock:   clk,
		manager: channel.NewManager(tr, cfg.SessionID, cfg.Channel),
		machine: session.NewMachine(cfg.SessionID),
		runDone: make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.queue = outbound.New(outbound.SenderFunc(w.sendEvent), outbound.Config{
		Policy:  cfg.Policy,
		Backoff: cfg.Backoff,
		Clock:   clk,
	})
	w.capturer = capture.New(page, w.queue, capture.Config{ScrollDebounce: cfg.ScrollDebounce, Clock: clk})
	w.executor = control.NewExecutor(page, cfg.SessionID, control.Config{
		Enabled:           cfg.EnableControl,
		SingleSession:     cfg.SingleSession,
		HighlightDuration: cfg.HighlightDuration,
		Clock:             clk,
	})
	return w
}

func (w *Widget) SessionID() string { return w.cfg.SessionID }
func (w *Widget) VisitorID() string { return w.cfg.VisitorID }

// State returns the session lifecycle state.
func (w *Widget) State() session.State { return w.machine.State() }

// Done is closed once the session has ended.
func (w *Widget) Done() <-chan struct{} { return w.done }

// Start asks for consent when required, connects both channels, announces
// the session, publishes the initial snapshot and begins capturing.
// A transport that never subscribes leaves the widget disconnected and
// returns the connection error.
func (w *Widget) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.ended {
		w.mu.Unlock()
		return ErrEnded
	}
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	audit := logging.AuditWithSession(w.cfg.SessionID, w.cfg.VisitorID)
	if w.cfg.RequireConsent {
		if w.cfg.Consent == nil {
			return fmt.Errorf("%w: no consent prompter configured", ErrConsentDeclined)
		}
		ok, err := w.cfg.Consent.RequestConsent(ctx)
		if err != nil {
			return fmt.Errorf("request consent: %w", err)
		}
		audit.Consent(ok)
		if !ok {
			logging.Session("visitor declined co-browsing for %s", w.cfg.SessionID)
			return ErrConsentDeclined
		}
	}

	w.subscribe()
	w.manager.OnStatus(func(s transport.Status) {
		w.queue.SetConnected(s == transport.StatusSubscribed)
		if s != transport.StatusSubscribed && s != transport.StatusConnecting {
			logging.SessionWarn("session %s disconnected: %s", w.cfg.SessionID, s)
		}
	})

	if err := w.manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect session %s: %w", w.cfg.SessionID, err)
	}
	w.queue.SetConnected(w.manager.Connected())
	w.machine.Subscribed()

	now := w.clock.Now()
	if err := w.manager.Track(ctx, protocol.PresenceState{
		VisitorID: w.cfg.VisitorID,
		SessionID: w.cfg.SessionID,
		URL:       w.page.URL(),
		Timestamp: now.UnixMilli(),
	}); err != nil {
		logging.SessionWarn("track visitor presence: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	go func() {
		defer close(w.runDone)
		if err := w.queue.Run(runCtx); err != nil && !errors.Is(err, outbound.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
			logging.QueueWarn("queue stopped: %v", err)
		}
	}()

	started := protocol.SessionStarted{
		SessionID: w.cfg.SessionID,
		VisitorID: w.cfg.VisitorID,
		URL:       w.page.URL(),
		Title:     w.page.Title(),
		Timestamp: now.UnixMilli(),
	}
	if err := w.manager.Broadcast(ctx, protocol.EventSessionStarted, started); err != nil {
		logging.SessionWarn("announce session %s: %v", w.cfg.SessionID, err)
	}
	w.machine.Started(w.cfg.SessionID)
	audit.SessionStart(started.URL)
	logging.Session("session %s started on %s", w.cfg.SessionID, started.URL)

	if err := w.SendSnapshot(ctx); err != nil {
		logging.SessionWarn("initial snapshot: %v", err)
	}
	w.capturer.Start()

	if w.cfg.MaxSessionDuration > 0 {
		t := w.clock.AfterFunc(w.cfg.MaxSessionDuration, func() {
			logging.Session("session %s reached its %s limit", w.cfg.SessionID, w.cfg.MaxSessionDuration)
			_ = w.End(context.Background(), "max session duration")
		})
		w.mu.Lock()
		w.timer = t
		w.mu.Unlock()
	}
	return nil
}

func (w *Widget) subscribe() {
	w.manager.Subscribe(protocol.EventAgentControl, func(msg transport.Message) {
		var cmd protocol.ControlCommand
		if !channel.DecodeInto(msg, &cmd) {
			return
		}
		_ = w.executor.Apply(cmd)
	})
	w.manager.Subscribe(protocol.EventRequestSnapshot, func(msg transport.Message) {
		var req protocol.SnapshotRequest
		if !channel.DecodeInto(msg, &req) {
			return
		}
		if req.SessionID != w.cfg.SessionID {
			logging.SessionDebug("ignoring snapshot request for %s", req.SessionID)
			return
		}
		if err := w.SendSnapshot(context.Background()); err != nil {
			logging.SessionWarn("snapshot on request: %v", err)
		}
	})
	w.manager.Subscribe(protocol.EventSessionUpdate, func(msg transport.Message) {
		var s protocol.Session
		if !channel.DecodeInto(msg, &s) || s.ID != w.cfg.SessionID {
			return
		}
		if s.AgentID != "" {
			logging.Session("agent %s joined session %s", s.AgentID, s.ID)
		}
	})
	w.manager.Subscribe(protocol.EventSessionEnded, func(msg transport.Message) {
		var ended protocol.SessionEnded
		if !channel.DecodeInto(msg, &ended) || ended.SessionID != w.cfg.SessionID {
			return
		}
		// teardown blocks on the queue goroutine; keep it off the mailbox.
		go w.teardown(context.Background(), "ended by agent", false)
	})
	w.manager.OnPresence(func(ev transport.PresenceEvent) {
		for _, raw := range ev.States {
			var p protocol.PresenceState
			if err := json.Unmarshal(raw, &p); err != nil || p.SessionID != w.cfg.SessionID {
				continue
			}
			if p.IsAgent() {
				logging.SessionDebug("agent presence %s: %s", ev.Kind, p.AgentID)
			}
		}
	})
}

func (w *Widget) sendEvent(ctx context.Context, ev protocol.VisitorEvent) error {
	return w.manager.SendEvent(ctx, w.cfg.VisitorID, ev)
}

// SendSnapshot publishes a fresh snapshot of the page.
func (w *Widget) SendSnapshot(ctx context.Context) error {
	snap := snapshot.Capture(w.page, w.cfg.SessionID, w.clock.Now())
	if err := w.manager.Broadcast(ctx, protocol.EventSnapshot, snap); err != nil {
		return fmt.Errorf("send snapshot: %w", err)
	}
	w.mu.Lock()
	w.snapshots++
	w.mu.Unlock()
	logging.SnapshotDebug("sent snapshot for %s (%d bytes)", w.cfg.SessionID, len(snap.HTML))
	return nil
}

// Pause detaches capture; queued events still drain.
func (w *Widget) Pause() error {
	if err := w.machine.Pause(); err != nil {
		return err
	}
	w.capturer.Stop()
	logging.AuditWithSession(w.cfg.SessionID, w.cfg.VisitorID).Log(logging.AuditEvent{
		EventType: logging.AuditSessionPause, Success: true,
	})
	return nil
}

// Resume re-attaches capture after Pause.
func (w *Widget) Resume() error {
	if err := w.machine.Resume(); err != nil {
		return err
	}
	w.capturer.Start()
	logging.AuditWithSession(w.cfg.SessionID, w.cfg.VisitorID).Log(logging.AuditEvent{
		EventType: logging.AuditSessionResume, Success: true,
	})
	return nil
}

// SetPolicy swaps the rate limit and anonymization settings of a running widget.
func (w *Widget) SetPolicy(p outbound.Policy) { w.queue.SetPolicy(p) }

// SetControlEnabled toggles remote control.
func (w *Widget) SetControlEnabled(on bool) { w.executor.SetEnabled(on) }

// End stops capture, publishes session-ended on both channels and
// unsubscribes. Calling End more than once is a no-op.
func (w *Widget) End(ctx context.Context, reason string) error {
	return w.teardown(ctx, reason, true)
}

func (w *Widget) teardown(ctx context.Context, reason string, announce bool) error {
	w.mu.Lock()
	if w.ended {
		w.mu.Unlock()
		return nil
	}
	w.ended = true
	started := w.started
	timer, cancel := w.timer, w.cancel
	w.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	w.capturer.Stop()
	w.machine.End()

	var errs []error
	if started && w.manager.Connected() {
		if announce {
			msg := protocol.SessionEnded{
				SessionID: w.cfg.SessionID,
				VisitorID: w.cfg.VisitorID,
				Timestamp: w.clock.Now().UnixMilli(),
			}
			if err := w.manager.Broadcast(ctx, protocol.EventSessionEnded, msg); err != nil {
				errs = append(errs, fmt.Errorf("announce end: %w", err))
			}
		}
		if err := w.manager.Untrack(ctx); err != nil {
			logging.SessionDebug("untrack visitor: %v", err)
		}
	}

	w.queue.Close()
	if cancel != nil {
		cancel()
		<-w.runDone
	}
	if err := w.manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}

	logging.AuditWithSession(w.cfg.SessionID, w.cfg.VisitorID).SessionEnd(reason)
	logging.Session("session %s ended: %s", w.cfg.SessionID, reason)
	close(w.done)
	return errors.Join(errs...)
}

// Stats reports queue counters, lifecycle state and control activity.
func (w *Widget) Stats() Stats {
	applied, skipped := w.executor.Counts()
	w.mu.Lock()
	snaps := w.snapshots
	w.mu.Unlock()
	return Stats{
		SessionID: w.cfg.SessionID,
		State:     w.machine.State(),
		Status:    w.manager.Status(),
		Queue:     w.queue.Stats(),
		Applied:   applied,
		Skipped:   skipped,
		Snapshots: snaps,
	}
}
