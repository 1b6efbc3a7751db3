// Package session tracks co-browsing session lifecycles and the list of
// sessions an agent can see.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// State is a session lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateEnded      State = "ended"
)

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("session: invalid transition")

// ValidTransitions defines the allowed state machine transitions.
var ValidTransitions = map[State][]State{
	StateConnecting: {StateActive, StateEnded},
	StateActive:     {StatePaused, StateEnded},
	StatePaused:     {StateActive, StateEnded},
	StateEnded:      {}, // terminal
}

// Machine is the lifecycle of one session as seen by one participant.
// connecting becomes active once the channel is subscribed and a
// session-started for this session has been observed, in either order.
type Machine struct {
	sessionID string

	mu         sync.Mutex
	state      State
	subscribed bool
	started    bool
	listeners  []func(from, to State)
}

// NewMachine returns a machine in the connecting state.
func NewMachine(sessionID string) *Machine {
	return &Machine{sessionID: sessionID, state: StateConnecting}
}

func (m *Machine) SessionID() string { return m.sessionID }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers fn for every transition. fn runs after the lock is
// released and may query the machine.
func (m *Machine) OnChange(fn func(from, to State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Subscribed records that the channel reached the subscribed state.
func (m *Machine) Subscribed() {
	m.mu.Lock()
	m.subscribed = true
	from, to, changed := m.activateLocked()
	m.mu.Unlock()
	m.notify(from, to, changed)
}

// Started records a session-started for sessionID. Other sessions are
// ignored and reported as false.
func (m *Machine) Started(sessionID string) bool {
	if sessionID != m.sessionID {
		return false
	}
	m.mu.Lock()
	m.started = true
	from, to, changed := m.activateLocked()
	m.mu.Unlock()
	m.notify(from, to, changed)
	return true
}

func (m *Machine) activateLocked() (State, State, bool) {
	if m.state != StateConnecting || !m.subscribed || !m.started {
		return m.state, m.state, false
	}
	from := m.state
	m.state = StateActive
	return from, StateActive, true
}

// Pause moves an active session to paused.
func (m *Machine) Pause() error { return m.transition(StatePaused) }

// Resume moves a paused session back to active.
func (m *Machine) Resume() error { return m.transition(StateActive) }

// End moves the session to ended. It reports whether this call ended it;
// ending twice is not an error.
func (m *Machine) End() bool {
	return m.transition(StateEnded) == nil
}

// Ended records a session-ended for sessionID and reports whether it ended
// the session.
func (m *Machine) Ended(sessionID string) bool {
	if sessionID != m.sessionID {
		return false
	}
	return m.End()
}

// IsEnded reports whether the session reached its terminal state.
func (m *Machine) IsEnded() bool { return m.State() == StateEnded }

func (m *Machine) transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !slices.Contains(ValidTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()
	m.notify(from, to, true)
	return nil
}

func (m *Machine) notify(from, to State, changed bool) {
	if !changed {
		return
	}
	m.mu.Lock()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(from, to)
	}
}
