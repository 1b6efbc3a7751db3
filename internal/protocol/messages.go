package protocol

import (
	"encoding/json"
	"strings"
)

// Broadcast event names exchanged on channels.
const (
	EventSessionStarted  = "session-started"
	EventSessionEnded    = "session-ended"
	EventSessionUpdate   = "session-update"
	EventVisitorAction   = "visitor-action"
	EventAgentControl    = "agent-control"
	EventSnapshot        = "snapshot"
	EventRequestSnapshot = "request-snapshot"
)

// DefaultDashboardChannel is the shared channel every session multiplexes onto.
const DefaultDashboardChannel = "cobrowse-dashboard"

const sessionChannelPrefix = "session:"

// SessionChannel returns the per-session channel name.
func SessionChannel(sessionID string) string { return sessionChannelPrefix + sessionID }

// SessionFromChannel extracts the session id from a per-session channel name.
func SessionFromChannel(name string) (string, bool) {
	if !strings.HasPrefix(name, sessionChannelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, sessionChannelPrefix)
	return id, id != ""
}

// SessionStarted announces a new visitor session.
type SessionStarted struct {
	SessionID string `json:"session_id"`
	VisitorID string `json:"visitor_id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Timestamp int64  `json:"timestamp"`
}

// SessionEnded announces the end of a session from either side.
type SessionEnded struct {
	SessionID string `json:"session_id"`
	VisitorID string `json:"visitor_id"`
	Timestamp int64  `json:"timestamp"`
}

// SnapshotRequest asks the visitor to publish a fresh snapshot.
type SnapshotRequest struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// VisitorAction is a VisitorEvent tagged with its session and visitor.
type VisitorAction struct {
	VisitorEvent
	SessionID string `json:"session_id"`
	VisitorID string `json:"visitor_id"`
}

// PresenceState is the advisory identity tracked on a channel.
type PresenceState struct {
	Type      string `json:"type,omitempty"` // "agent" for agents, empty for visitors
	AgentID   string `json:"agent_id,omitempty"`
	VisitorID string `json:"visitor_id,omitempty"`
	SessionID string `json:"session_id"`
	URL       string `json:"url,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// IsAgent reports whether the presence belongs to an agent.
func (p PresenceState) IsAgent() bool { return p.Type == "agent" }

// Key returns the identity the presence is keyed by.
func (p PresenceState) Key() string {
	if p.IsAgent() {
		return p.AgentID
	}
	return p.VisitorID
}

// Envelope is one broadcast message as carried by a transport.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// PeekSessionID returns the session_id field of a JSON payload without
// decoding the rest of it.
func PeekSessionID(payload []byte) string {
	var head struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ""
	}
	return head.SessionID
}
