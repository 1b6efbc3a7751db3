// Package memory is an in-process pub/sub transport. It keeps the delivery
// semantics of a hosted realtime service (asynchronous best-effort
// broadcast, no echo to the sender, no retention, advisory presence) and
// adds fault injection for tests and local demos.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cobrowse/internal/logging"
	"cobrowse/internal/transport"
)

// Hub routes messages between every Transport connected to it.
type Hub struct {
	mu          sync.Mutex
	topics      map[string]*topic
	failSend    map[string]error
	partitioned map[string]bool
}

type topic struct {
	subs     map[*channel]struct{}
	presence map[string]json.RawMessage
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		topics:      make(map[string]*topic),
		failSend:    make(map[string]error),
		partitioned: make(map[string]bool),
	}
}

// Connect returns a Transport for one participant. clientID keys its presence.
func (h *Hub) Connect(clientID string) *Transport {
	return &Transport{hub: h, id: clientID}
}

// FailSends makes every Send on the named channel return err. A nil err
// restores delivery.
func (h *Hub) FailSends(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failSend, name)
		return
	}
	h.failSend[name] = err
}

// Partition makes subscriptions to the named channel time out.
func (h *Hub) Partition(name string, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitioned[name] = on
}

// Drop closes every subscription to the named channel, as a server-side
// disconnect would.
func (h *Hub) Drop(name string) {
	h.mu.Lock()
	t := h.topics[name]
	var subs []*channel
	if t != nil {
		for c := range t.subs {
			subs = append(subs, c)
		}
	}
	h.mu.Unlock()
	for _, c := range subs {
		c.terminate(transport.StatusClosed, transport.ErrClosed)
	}
}

// Subscribers reports how many handles are subscribed to the named channel.
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.topics[name]; t != nil {
		return len(t.subs)
	}
	return 0
}

func (h *Hub) topicLocked(name string) *topic {
	t := h.topics[name]
	if t == nil {
		t = &topic{subs: make(map[*channel]struct{}), presence: make(map[string]json.RawMessage)}
		h.topics[name] = t
	}
	return t
}

func (t *topic) states() []json.RawMessage {
	keys := make([]string, 0, len(t.presence))
	for k := range t.presence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.presence[k])
	}
	return out
}

// Transport is one participant's connection to a Hub.
type Transport struct {
	hub *Hub
	id  string

	mu       sync.Mutex
	channels []*channel
	closed   bool
}

var _ transport.Transport = (*Transport)(nil)

// ID returns the participant identity.
func (t *Transport) ID() string { return t.id }

func (t *Transport) Channel(name string) transport.Channel {
	c := &channel{hub: t.hub, tr: t, name: name}
	t.mu.Lock()
	if t.closed {
		c.state = stateClosed
	} else {
		t.channels = append(t.channels, c)
	}
	t.mu.Unlock()
	return c
}

// Close unsubscribes every channel opened through t.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := t.channels
	t.channels = nil
	t.mu.Unlock()

	for _, c := range channels {
		_ = c.Unsubscribe(context.Background())
	}
	return nil
}

type channelState int

const (
	stateIdle channelState = iota
	stateSubscribed
	stateClosed
)

type channel struct {
	hub      *Hub
	tr       *Transport
	name     string
	handlers transport.Handlers

	mu       sync.Mutex
	state    channelState
	onStatus transport.StatusHandler
	box      *transport.Mailbox
	tracked  bool
}

func (c *channel) Name() string { return c.name }

func (c *channel) OnBroadcast(event string, h transport.Handler) { c.handlers.AddBroadcast(event, h) }

func (c *channel) OnPresence(h transport.PresenceHandler) { c.handlers.AddPresence(h) }

func (c *channel) Subscribe(ctx context.Context, onStatus transport.StatusHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	switch c.state {
	case stateSubscribed:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.onStatus = onStatus
	c.mu.Unlock()

	c.notify(transport.StatusConnecting, nil)

	c.hub.mu.Lock()
	if c.hub.partitioned[c.name] {
		c.hub.mu.Unlock()
		logging.TransportWarn("subscribe to %s timed out", c.name)
		c.notify(transport.StatusTimedOut, transport.ErrTimeout)
		return transport.ErrTimeout
	}
	c.mu.Lock()
	c.state = stateSubscribed
	c.box = transport.NewMailbox()
	box := c.box
	c.mu.Unlock()
	t := c.hub.topicLocked(c.name)
	t.subs[c] = struct{}{}
	initial := transport.PresenceEvent{Kind: transport.PresenceSync, States: t.states()}
	c.hub.mu.Unlock()

	logging.TransportDebug("%s subscribed to %s", c.tr.id, c.name)
	c.notify(transport.StatusSubscribed, nil)
	box.Post(func() { c.handlers.DispatchPresence(initial) })
	return nil
}

func (c *channel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.subscribed() {
		return transport.ErrNotSubscribed
	}
	data, err := transport.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if err := c.hub.failSend[c.name]; err != nil {
		return err
	}
	msg := transport.Message{Topic: c.name, Event: event, Payload: data}
	for sub := range c.hub.topicLocked(c.name).subs {
		if sub == c {
			continue
		}
		sub.deliver(msg)
	}
	return nil
}

func (c *channel) Track(ctx context.Context, state any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.subscribed() {
		return transport.ErrNotSubscribed
	}
	data, err := transport.Encode(state)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	c.mu.Lock()
	c.tracked = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	t := c.hub.topicLocked(c.name)
	t.presence[c.tr.id] = data
	c.broadcastPresenceLocked(t, transport.PresenceEvent{
		Kind: transport.PresenceJoin, Key: c.tr.id, States: []json.RawMessage{data},
	})
	return nil
}

func (c *channel) Untrack(ctx context.Context) error {
	if !c.subscribed() {
		return transport.ErrNotSubscribed
	}
	c.untrack()
	return nil
}

func (c *channel) untrack() {
	c.mu.Lock()
	tracked := c.tracked
	c.tracked = false
	c.mu.Unlock()
	if !tracked {
		return
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	t := c.hub.topicLocked(c.name)
	state, ok := t.presence[c.tr.id]
	if !ok {
		return
	}
	delete(t.presence, c.tr.id)
	c.broadcastPresenceLocked(t, transport.PresenceEvent{
		Kind: transport.PresenceLeave, Key: c.tr.id, States: []json.RawMessage{state},
	})
}

func (c *channel) Unsubscribe(ctx context.Context) error {
	c.terminate(transport.StatusClosed, nil)
	return nil
}

// terminate leaves the channel and reports status once.
func (c *channel) terminate(status transport.Status, err error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	wasSubscribed := c.state == stateSubscribed
	c.mu.Unlock()

	if wasSubscribed {
		c.untrack()
	}

	c.mu.Lock()
	c.state = stateClosed
	box := c.box
	c.box = nil
	c.mu.Unlock()

	c.hub.mu.Lock()
	if t := c.hub.topics[c.name]; t != nil {
		delete(t.subs, c)
	}
	c.hub.mu.Unlock()

	if box != nil {
		box.Close()
	}
	logging.TransportDebug("%s left %s", c.tr.id, c.name)
	c.notify(status, err)
}

func (c *channel) broadcastPresenceLocked(t *topic, ev transport.PresenceEvent) {
	for sub := range t.subs {
		sub.deliverPresence(ev)
	}
}

func (c *channel) deliver(msg transport.Message) {
	c.mu.Lock()
	box := c.box
	c.mu.Unlock()
	if box != nil {
		box.Post(func() { c.handlers.Dispatch(msg) })
	}
}

func (c *channel) deliverPresence(ev transport.PresenceEvent) {
	c.mu.Lock()
	box := c.box
	c.mu.Unlock()
	if box != nil {
		box.Post(func() { c.handlers.DispatchPresence(ev) })
	}
}

func (c *channel) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateSubscribed
}

func (c *channel) notify(status transport.Status, err error) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}
