// Package channel owns the pub/sub channels of one session: the per-session
// channel and the shared dashboard channel every session multiplexes onto.
// It tracks subscription status, publishes through a Delivery strategy and
// dedupes messages that arrive on both channels.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cobrowse/internal/logging"
	"cobrowse/internal/protocol"
	"cobrowse/internal/transport"
)

// ErrNotConnected is returned by Send and Track when no route is subscribed.
var ErrNotConnected = errors.New("channel: not connected")

// Options tunes a Manager.
type Options struct {
	// DashboardChannel defaults to protocol.DefaultDashboardChannel.
	DashboardChannel string
	// SubscribeTimeout bounds each subscription attempt; zero waits for ctx.
	SubscribeTimeout time.Duration
	// Delivery defaults to FanOut.
	Delivery         Delivery
	DedupeWindow     int
}

type route struct {
	name string
	ch   transport.Channel

	status transport.Status
}

func (r *route) Name() string { return r.name }

func (r *route) Send(ctx context.Context, event string, payload any) error {
	return r.ch.Send(ctx, event, payload)
}

// Manager owns the channel handles for one participant in one session. With
// an empty session id it manages the dashboard channel alone.
type Manager struct {
	sessionID string
	opts      Options
	routes    []*route

	mu        sync.Mutex
	status    transport.Status
	listeners []func(transport.Status)
	closed    bool
}

// NewManager creates a Manager over tr. Nothing is subscribed until Connect.
func NewManager(tr transport.Transport, sessionID string, opts Options) *Manager {
	if opts.DashboardChannel == "" {
		opts.DashboardChannel = protocol.DefaultDashboardChannel
	}
	if opts.Delivery == nil {
		opts.Delivery = FanOut{}
	}
	m := &Manager{
		sessionID: sessionID,
		opts:      opts,
		status:    transport.StatusClosed,
	}
	if sessionID != "" {
		m.routes = append(m.routes, &route{name: RouteSession, ch: tr.Channel(protocol.SessionChannel(sessionID)), status: transport.StatusClosed})
	}
	m.routes = append(m.routes, &route{name: RouteDashboard, ch: tr.Channel(opts.DashboardChannel), status: transport.StatusClosed})
	return m
}

// SessionID returns the managed session, empty for a dashboard-only manager.
func (m *Manager) SessionID() string { return m.sessionID }

// Subscribe registers h for event on every route. A message delivered on
// more than one route reaches h once.
func (m *Manager) Subscribe(event string, h transport.Handler) {
	dedupe := NewDeduper(m.opts.DedupeWindow)
	for _, r := range m.routes {
		r.ch.OnBroadcast(event, func(msg transport.Message) {
			if dedupe.Seen(msg.Event, msg.Payload) {
				logging.ChannelDebug("dropping duplicate %s from %s", msg.Event, msg.Topic)
				return
			}
			h(msg)
		})
	}
}

// OnPresence registers h for presence updates on every route.
func (m *Manager) OnPresence(h transport.PresenceHandler) {
	for _, r := range m.routes {
		r.ch.OnPresence(h)
	}
}

// OnStatus registers fn for aggregate status transitions.
func (m *Manager) OnStatus(fn func(transport.Status)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Connect subscribes every route concurrently. It succeeds when at least one
// route reaches subscribed; a session whose own channel fails keeps working
// over the dashboard channel.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return transport.ErrClosed
	}
	m.mu.Unlock()

	errs := make([]error, len(m.routes))
	var g errgroup.Group
	for i, r := range m.routes {
		i, r := i, r
		g.Go(func() error {
			sctx, cancel := ctx, context.CancelFunc(func() {})
			if m.opts.SubscribeTimeout > 0 {
				sctx, cancel = context.WithTimeout(ctx, m.opts.SubscribeTimeout)
			}
			defer cancel()
			if err := r.ch.Subscribe(sctx, m.statusHandler(r)); err != nil {
				errs[i] = fmt.Errorf("%s (%s): %w", r.name, r.ch.Name(), err)
				if errors.Is(err, context.DeadlineExceeded) {
					m.setRouteStatus(r, transport.StatusTimedOut)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if m.Connected() {
		for _, err := range errs {
			if err != nil {
				logging.ChannelWarn("session %s degraded to fallback: %v", m.sessionID, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %w", ErrAllRoutesFailed, errors.Join(errs...))
}

// Send publishes event on the subscribed routes using the Delivery strategy.
func (m *Manager) Send(ctx context.Context, event string, payload any) error {
	data, err := transport.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	routes := m.liveRoutes()
	if len(routes) == 0 {
		return ErrNotConnected
	}
	return m.opts.Delivery.Deliver(ctx, routes, event, data)
}

// Broadcast publishes event on every subscribed route regardless of the
// Delivery strategy. Lifecycle messages use it.
func (m *Manager) Broadcast(ctx context.Context, event string, payload any) error {
	data, err := transport.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return m.eachLive(func(r *route) error { return r.ch.Send(ctx, event, data) })
}

// SendEvent publishes a sequenced visitor event as a visitor-action.
func (m *Manager) SendEvent(ctx context.Context, visitorID string, ev protocol.VisitorEvent) error {
	return m.Send(ctx, protocol.EventVisitorAction, protocol.VisitorAction{
		VisitorEvent: ev,
		SessionID:    m.sessionID,
		VisitorID:    visitorID,
	})
}

// Track publishes presence on the session channel, or on the dashboard
// channel for a dashboard-only manager.
func (m *Manager) Track(ctx context.Context, state any) error {
	r, err := m.presenceRoute()
	if err != nil {
		return err
	}
	return r.ch.Track(ctx, state)
}

// Untrack withdraws the presence published by Track.
func (m *Manager) Untrack(ctx context.Context) error {
	r, err := m.presenceRoute()
	if err != nil {
		return err
	}
	return r.ch.Untrack(ctx)
}

func (m *Manager) presenceRoute() (*route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.routes[0]
	if r.status != transport.StatusSubscribed {
		return nil, fmt.Errorf("%s: %w", r.name, ErrNotConnected)
	}
	return r, nil
}

// Status returns the aggregate status: subscribed when any route is.
func (m *Manager) Status() transport.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// RouteStatus returns the status of one route.
func (m *Manager) RouteStatus(name string) transport.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.routes {
		if r.name == name {
			return r.status
		}
	}
	return ""
}

// Connected reports whether at least one route is subscribed.
func (m *Manager) Connected() bool { return m.Status() == transport.StatusSubscribed }

// Close unsubscribes every route. In-flight sends are not aborted.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, r := range m.routes {
		if err := r.ch.Unsubscribe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) eachLive(fn func(*route) error) error {
	routes := m.liveRoutes()
	if len(routes) == 0 {
		return ErrNotConnected
	}
	var errs []error
	ok := 0
	for _, r := range routes {
		if err := fn(r.(*route)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
			continue
		}
		ok++
	}
	if ok == 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (m *Manager) liveRoutes() []Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Route
	for _, r := range m.routes {
		if r.status == transport.StatusSubscribed {
			out = append(out, r)
		}
	}
	return out
}

func (m *Manager) statusHandler(r *route) transport.StatusHandler {
	return func(s transport.Status, err error) {
		if err != nil {
			logging.Channel("%s channel %s: %s (%v)", r.name, r.ch.Name(), s, err)
		} else {
			logging.Channel("%s channel %s: %s", r.name, r.ch.Name(), s)
		}
		m.setRouteStatus(r, s)
	}
}

func (m *Manager) setRouteStatus(r *route, s transport.Status) {
	m.mu.Lock()
	r.status = s
	prev := m.status
	m.status = aggregate(m.routes)
	next := m.status
	listeners := append([]func(transport.Status){}, m.listeners...)
	m.mu.Unlock()

	if next != prev {
		for _, fn := range listeners {
			fn(next)
		}
	}
}

// aggregate ranks route statuses: any subscribed route wins, then
// connecting, timed_out, errored and closed.
func aggregate(routes []*route) transport.Status {
	rank := map[transport.Status]int{
		transport.StatusSubscribed: 5,
		transport.StatusConnecting: 4,
		transport.StatusTimedOut:   3,
		transport.StatusErrored:    2,
		transport.StatusClosed:     1,
	}
	best := transport.StatusClosed
	for _, r := range routes {
		if rank[r.status] > rank[best] {
			best = r.status
		}
	}
	return best
}

// DecodeInto is a helper for handlers: it unmarshals msg into v and logs
// malformed payloads.
func DecodeInto(msg transport.Message, v any) bool {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		logging.ChannelWarn("malformed %s payload on %s: %v", msg.Event, msg.Topic, err)
		return false
	}
	return true
}
