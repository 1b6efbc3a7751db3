package agent

import (
	"fmt"
	"sync"
	"time"

	"cobrowse/internal/protocol"
)

// DefaultEventLogLimit caps how many entries an EventLog keeps.
const DefaultEventLogLimit = 500

// FilterAll selects every event type in EventLog.Entries.
const FilterAll = "all"

// Entry is one visitor action as received by the agent.
type Entry struct {
	SessionID string
	VisitorID string
	Event     protocol.VisitorEvent
	Received  time.Time
}

// Describe renders the entry for humans.
func (e Entry) Describe() string { return Describe(e.Event) }

// Describe renders a visitor event for humans.
func Describe(ev protocol.VisitorEvent) string {
	switch ev.Type {
	case protocol.EventClick:
		var d protocol.ClickData
		if ev.DecodeData(&d) == nil {
			return fmt.Sprintf("Clicked at (%g, %g)", d.X, d.Y)
		}
	case protocol.EventScroll:
		var d protocol.ScrollData
		if ev.DecodeData(&d) == nil {
			return fmt.Sprintf("Scrolled to (%g, %g)", d.ScrollX, d.ScrollY)
		}
	case protocol.EventInput:
		var d protocol.InputData
		if ev.DecodeData(&d) == nil {
			return fmt.Sprintf("Filled %q in %s", d.Value, ev.Target)
		}
	case protocol.EventNavigation:
		var d protocol.NavigationData
		if ev.DecodeData(&d) == nil {
			return "Navigated to " + d.URL
		}
	case protocol.EventDOMChange:
		return "Modified " + ev.Target
	}
	return string(ev.Type)
}

// EventLog holds the visitor actions of one session, oldest first. Actions
// for any other session are rejected.
type EventLog struct {
	sessionID string
	limit     int

	mu      sync.RWMutex
	entries []Entry
	lastSeq uint64
	gaps    int
}

// NewEventLog returns a log for sessionID keeping at most limit entries.
func NewEventLog(sessionID string, limit int) *EventLog {
	if limit <= 0 {
		limit = DefaultEventLogLimit
	}
	return &EventLog{sessionID: sessionID, limit: limit}
}

// Add appends a; it reports false when a belongs to another session.
func (l *EventLog) Add(a protocol.VisitorAction, at time.Time) bool {
	if a.SessionID != l.sessionID {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastSeq != 0 && a.Sequence > l.lastSeq+1 {
		l.gaps++
	}
	if a.Sequence > l.lastSeq {
		l.lastSeq = a.Sequence
	}
	l.entries = append(l.entries, Entry{
		SessionID: a.SessionID,
		VisitorID: a.VisitorID,
		Event:     a.VisitorEvent,
		Received:  at,
	})
	if over := len(l.entries) - l.limit; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	return true
}

// Entries returns the entries matching filter: FilterAll or an event type.
func (l *EventLog) Entries(filter string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if filter == "" || filter == FilterAll || string(e.Event.Type) == filter {
			out = append(out, e)
		}
	}
	return out
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Gaps counts sequence jumps left by events the visitor gave up sending.
func (l *EventLog) Gaps() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gaps
}
