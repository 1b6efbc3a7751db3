// Package transport declares the pub/sub boundary the co-browsing engine runs
// on: named channels carrying best-effort broadcast messages and advisory
// presence, with a status callback for the subscription lifecycle. Nothing is
// retained for subscribers that join after a message was sent.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by operations on an unsubscribed channel or a
	// closed transport.
	ErrClosed = errors.New("transport: channel closed")
	// ErrTimeout is returned when a subscription is not confirmed in time.
	ErrTimeout = errors.New("transport: subscribe timed out")
	// ErrNotSubscribed is returned by Send/Track before Subscribe succeeds.
	ErrNotSubscribed = errors.New("transport: channel not subscribed")
)

// Status is a channel lifecycle state.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusSubscribed Status = "subscribed"
	StatusClosed     Status = "closed"
	StatusTimedOut   Status = "timed_out"
	StatusErrored    Status = "errored"
)

// AnyEvent subscribes a broadcast handler to every event name.
const AnyEvent = "*"

// Message is one received broadcast.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// PresenceKind names a presence update.
type PresenceKind string

const (
	PresenceSync  PresenceKind = "sync"
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

// PresenceEvent reports tracked identities. For join and leave, Key and
// States describe the member that changed; for sync, States holds every
// member currently tracked.
type PresenceEvent struct {
	Kind   PresenceKind      `json:"kind"`
	Key    string            `json:"key,omitempty"`
	States []json.RawMessage `json:"states"`
}

type (
	// Handler receives broadcasts. Handlers run on a transport goroutine and
	// must not block.
	Handler func(Message)
	// PresenceHandler receives presence updates.
	PresenceHandler func(PresenceEvent)
	// StatusHandler observes channel lifecycle transitions.
	StatusHandler func(Status, error)
)

// Channel is a handle on one named pub/sub channel. Handlers should be
// registered before Subscribe.
type Channel interface {
	Name() string
	OnBroadcast(event string, h Handler)
	OnPresence(h PresenceHandler)
	// Subscribe joins the channel and returns once the subscription is
	// confirmed or has failed. onStatus sees every later transition too.
	Subscribe(ctx context.Context, onStatus StatusHandler) error
	// Send broadcasts payload to every other subscriber.
	Send(ctx context.Context, event string, payload any) error
	Track(ctx context.Context, state any) error
	Untrack(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
}

// Transport opens channel handles.
type Transport interface {
	Channel(name string) Channel
	Close() error
}

// Encode marshals a broadcast payload; raw JSON passes through.
func Encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}

// Handlers is a registry of broadcast and presence handlers shared by
// Channel implementations.
type Handlers struct {
	mu        sync.RWMutex
	broadcast map[string][]Handler
	presence  []PresenceHandler
}

// AddBroadcast registers h for event.
func (hs *Handlers) AddBroadcast(event string, h Handler) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.broadcast == nil {
		hs.broadcast = make(map[string][]Handler)
	}
	hs.broadcast[event] = append(hs.broadcast[event], h)
}

// AddPresence registers h for presence updates.
func (hs *Handlers) AddPresence(h PresenceHandler) {
	hs.mu.Lock()
	hs.presence = append(hs.presence, h)
	hs.mu.Unlock()
}

// Dispatch calls every handler registered for msg.Event and AnyEvent.
func (hs *Handlers) Dispatch(msg Message) {
	hs.mu.RLock()
	handlers := append(append([]Handler(nil), hs.broadcast[msg.Event]...), hs.broadcast[AnyEvent]...)
	hs.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

// DispatchPresence calls every presence handler.
func (hs *Handlers) DispatchPresence(ev PresenceEvent) {
	hs.mu.RLock()
	handlers := append([]PresenceHandler(nil), hs.presence...)
	hs.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
