// Package protocol defines the co-browsing wire model: session records,
// visitor events, agent control commands, DOM snapshots and the broadcast
// event names exchanged on pub/sub channels. Every payload is JSON.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionStatus is the status carried on a session record.
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusPaused SessionStatus = "paused"
	StatusEnded  SessionStatus = "ended"
)

// Session is the in-memory record of one visitor's co-browsing session.
type Session struct {
	ID         string        `json:"id"`
	VisitorID  string        `json:"visitor_id"`
	AgentID    string        `json:"agent_id,omitempty"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	CurrentURL string        `json:"current_url"`
	PageTitle  string        `json:"page_title"`
}

// EventType names a visitor-side event.
type EventType string

const (
	EventClick      EventType = "click"
	EventScroll     EventType = "scroll"
	EventInput      EventType = "input"
	EventNavigation EventType = "navigation"
	EventDOMChange  EventType = "dom_change"
)

// EventTypes lists every visitor event type in display order.
var EventTypes = []EventType{EventClick, EventScroll, EventInput, EventNavigation, EventDOMChange}

// VisitorEvent is one captured visitor interaction. Sequence is assigned by
// the outbound queue when the event is first handed to the transport.
type VisitorEvent struct {
	Type      EventType       `json:"type"`
	Target    string          `json:"target,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
}

// NewVisitorEvent encodes payload into a new unsequenced event.
func NewVisitorEvent(typ EventType, target string, payload any, at time.Time) (VisitorEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return VisitorEvent{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return VisitorEvent{Type: typ, Target: target, Data: data, Timestamp: at.UnixMilli()}, nil
}

// DecodeData unmarshals the event payload into v.
func (e VisitorEvent) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// ClickData is the payload of a click event.
type ClickData struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Button int     `json:"button"`
}

// ScrollData is the payload of a scroll event.
type ScrollData struct {
	ScrollX     float64 `json:"scrollX"`
	ScrollY     float64 `json:"scrollY"`
	InnerWidth  int     `json:"innerWidth"`
	InnerHeight int     `json:"innerHeight"`
}

// InputData is the payload of an input event.
type InputData struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
	Name  string `json:"name,omitempty"`
}

// NavigationData is the payload of a navigation event.
type NavigationData struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// CommandType names an agent control command.
type CommandType string

const (
	CommandClick      CommandType = "click"
	CommandScroll     CommandType = "scroll"
	CommandInput      CommandType = "input"
	CommandMouseMove  CommandType = "mouse-move"
	CommandNavigation CommandType = "navigation"
)

// ControlCommand is an agent-issued action to re-enact on the visitor page.
// Commands are not sequenced; they may be dropped or reordered.
type ControlCommand struct {
	Type      CommandType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	SessionID string          `json:"session_id"`
	Timestamp int64           `json:"timestamp"`
}

// NewControlCommand encodes payload into a command for sessionID.
func NewControlCommand(typ CommandType, sessionID string, payload any, at time.Time) (ControlCommand, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ControlCommand{}, fmt.Errorf("encode %s command: %w", typ, err)
	}
	return ControlCommand{Type: typ, Data: data, SessionID: sessionID, Timestamp: at.UnixMilli()}, nil
}

// DecodeData unmarshals the command payload into v.
func (c ControlCommand) DecodeData(v any) error {
	if len(c.Data) == 0 {
		return fmt.Errorf("%s command has no data", c.Type)
	}
	return json.Unmarshal(c.Data, v)
}

// ClickCommand locates its target by Selector, or by (X, Y) when Selector is empty.
type ClickCommand struct {
	Selector string  `json:"selector,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Button   int     `json:"button"`
}

// ScrollCommand sets the window scroll offset.
type ScrollCommand struct {
	ScrollX float64 `json:"scrollX"`
	ScrollY float64 `json:"scrollY"`
}

// InputCommand sets the value of the element matched by Selector.
type InputCommand struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

// MouseMoveCommand positions the agent cursor overlay.
type MouseMoveCommand struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NavigationCommand sends the visitor page to URL.
type NavigationCommand struct {
	URL string `json:"url"`
}
