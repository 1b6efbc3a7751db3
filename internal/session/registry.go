package session

import (
	"sort"
	"sync"
	"time"

	"cobrowse/internal/protocol"
)

// Filter selects sessions from a Registry listing.
type Filter string

const (
	FilterAll    Filter = "all"
	FilterActive Filter = "active"
	FilterPaused Filter = "paused"
)

// ParseFilter maps a user-supplied filter name; unknown names mean all.
func ParseFilter(s string) Filter {
	switch Filter(s) {
	case FilterActive, FilterPaused:
		return Filter(s)
	}
	return FilterAll
}

// Counts is the per-status tally shown above a session list.
type Counts struct {
	Total  int
	Active int
	Paused int
}

// Registry is the set of live sessions known to an agent. Ended sessions
// are removed rather than kept with an ended status.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]protocol.Session
	now      func() time.Time
}

// NewRegistry returns an empty registry. now stamps UpdatedAt; nil uses time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{sessions: make(map[string]protocol.Session), now: now}
}

// Upsert adds s or replaces the stored record. An ended status removes it.
func (r *Registry) Upsert(s protocol.Session) {
	if s.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Status == protocol.StatusEnded {
		delete(r.sessions, s.ID)
		return
	}
	if s.Status == "" {
		s.Status = protocol.StatusActive
	}
	if prev, ok := r.sessions[s.ID]; ok {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = prev.CreatedAt
		}
		if s.AgentID == "" {
			s.AgentID = prev.AgentID
		}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = r.now()
	}
	r.sessions[s.ID] = s
}

// Started records a session-started announcement.
func (r *Registry) Started(msg protocol.SessionStarted) protocol.Session {
	at := time.UnixMilli(msg.Timestamp)
	if msg.Timestamp == 0 {
		at = r.now()
	}
	s := protocol.Session{
		ID:         msg.SessionID,
		VisitorID:  msg.VisitorID,
		Status:     protocol.StatusActive,
		CreatedAt:  at,
		UpdatedAt:  at,
		CurrentURL: msg.URL,
		PageTitle:  msg.Title,
	}
	r.Upsert(s)
	return s
}

// Get returns the session with id.
func (r *Registry) Get(id string) (protocol.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// SetAgent assigns agentID to session id.
func (r *Registry) SetAgent(id, agentID string) (protocol.Session, bool) {
	return r.update(id, func(s *protocol.Session) { s.AgentID = agentID })
}

// SetStatus changes the status of session id. StatusEnded removes it.
func (r *Registry) SetStatus(id string, status protocol.SessionStatus) (protocol.Session, bool) {
	if status == protocol.StatusEnded {
		r.mu.Lock()
		s, ok := r.sessions[id]
		delete(r.sessions, id)
		r.mu.Unlock()
		s.Status = protocol.StatusEnded
		return s, ok
	}
	return r.update(id, func(s *protocol.Session) { s.Status = status })
}

// Navigated records the visitor's current page.
func (r *Registry) Navigated(id, url, title string) (protocol.Session, bool) {
	return r.update(id, func(s *protocol.Session) {
		s.CurrentURL = url
		if title != "" {
			s.PageTitle = title
		}
	})
}

func (r *Registry) update(id string, fn func(*protocol.Session)) (protocol.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return protocol.Session{}, false
	}
	fn(&s)
	s.UpdatedAt = r.now()
	r.sessions[id] = s
	return s, true
}

// List returns the sessions matching f, newest first.
func (r *Registry) List(f Filter) []protocol.Session {
	r.mu.RLock()
	out := make([]protocol.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if f == FilterAll || string(s.Status) == string(f) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Counts tallies the sessions by status.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := Counts{Total: len(r.sessions)}
	for _, s := range r.sessions {
		switch s.Status {
		case protocol.StatusActive:
			c.Active++
		case protocol.StatusPaused:
			c.Paused++
		}
	}
	return c
}
