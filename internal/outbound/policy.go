package outbound

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"cobrowse/internal/clock"
	"cobrowse/internal/protocol"
)

// Redacted replaces sensitive input values.
const Redacted = "[REDACTED]"

// SensitiveTerms mark an input field as sensitive when the selector or the
// field name contains one of them, case-insensitively.
var SensitiveTerms = []string{"password", "credit", "ssn", "social"}

// Policy is the per-event filter applied before an event is queued.
type Policy struct {
	// RateLimit is the maximum events per rolling second; 0 disables limiting.
	RateLimit int
	Anonymize bool
}

// RateLimiter counts events in a window that restarts once more than one
// second has passed since the window's first event.
type RateLimiter struct {
	mu          sync.Mutex
	clock       clock.Clock
	limit       int
	windowStart time.Time
	count       int
}

// NewRateLimiter allows up to limit events per window.
func NewRateLimiter(limit int, clk clock.Clock) *RateLimiter {
	return &RateLimiter{clock: clock.OrReal(clk), limit: limit}
}

// Allow records one event and reports whether it fits in the current window.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit <= 0 {
		return true
	}
	now := r.clock.Now()
	if r.windowStart.IsZero() || now.Sub(r.windowStart) > time.Second {
		r.windowStart = now
		r.count = 0
	}
	r.count++
	return r.count <= r.limit
}

// SetLimit changes the limit without resetting the current window.
func (r *RateLimiter) SetLimit(limit int) {
	r.mu.Lock()
	r.limit = limit
	r.mu.Unlock()
}

// IsSensitive reports whether an input targeting selector with the given
// field name must be redacted.
func IsSensitive(selector, name string) bool {
	selector, name = strings.ToLower(selector), strings.ToLower(name)
	for _, term := range SensitiveTerms {
		if strings.Contains(selector, term) || strings.Contains(name, term) {
			return true
		}
	}
	return false
}

// Anonymize returns ev with its value redacted when it is a sensitive input
// event. Every other field passes through unchanged.
func Anonymize(ev protocol.VisitorEvent) protocol.VisitorEvent {
	if ev.Type != protocol.EventInput || len(ev.Data) == 0 {
		return ev
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return ev
	}
	var name string
	if raw, ok := data["name"]; ok {
		_ = json.Unmarshal(raw, &name)
	}
	if !IsSensitive(ev.Target, name) {
		return ev
	}
	data["value"] = json.RawMessage(`"` + Redacted + `"`)
	redacted, err := json.Marshal(data)
	if err != nil {
		return ev
	}
	ev.Data = redacted
	return ev
}
