// Package outbound sequences, rate-limits and anonymizes visitor events and
// drains them to the transport one at a time.
package outbound

import (
	"context"
	"errors"
	"sync"
	"time"

	"cobrowse/internal/clock"
	"cobrowse/internal/logging"
	"cobrowse/internal/protocol"
)

// ErrQueueClosed is returned by Run once Close has been called.
var ErrQueueClosed = errors.New("outbound queue closed")

// Sender delivers one sequenced event.
type Sender interface {
	SendEvent(ctx context.Context, ev protocol.VisitorEvent) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ev protocol.VisitorEvent) error

func (f SenderFunc) SendEvent(ctx context.Context, ev protocol.VisitorEvent) error { return f(ctx, ev) }

// Config tunes a Queue.
type Config struct {
	Policy  Policy
	Backoff Backoff
	Clock   clock.Clock
}

// Stats counts queue activity since creation.
type Stats struct {
	Enqueued    uint64 `json:"enqueued"`
	Sent        uint64 `json:"sent"`
	RateLimited uint64 `json:"rate_limited"`
	GaveUp      uint64 `json:"gave_up"`
	Retries     uint64 `json:"retries"`
	Pending     int    `json:"pending"`
	LastSeq     uint64 `json:"last_sequence"`
}

type entry struct {
	ev       protocol.VisitorEvent
	stamped  bool
	failures int
}

// Queue is an append-only FIFO drained by a single goroutine (Run). Events
// are stamped with the next sequence number the first time they reach the
// head; a failed send keeps the event at the head and retries it with
// backoff, so later events never overtake it.
type Queue struct {
	sender  Sender
	clock   clock.Clock
	limiter *RateLimiter

	mu        sync.Mutex
	items     []*entry
	anonymize bool
	backoff   Backoff
	connected bool
	closed    bool
	seq       uint64
	stats     Stats

	wake chan struct{}
	done chan struct{}
}

// New creates a Queue sending through sender. Zero Backoff fields fall back
// to DefaultBackoff.
func New(sender Sender, cfg Config) *Queue {
	clk := clock.OrReal(cfg.Clock)
	b := cfg.Backoff
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	return &Queue{
		sender:    sender,
		clock:     clk,
		limiter:   NewRateLimiter(cfg.Policy.RateLimit, clk),
		anonymize: cfg.Policy.Anonymize,
		backoff:   b,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Enqueue applies the policy filter and appends ev. It never blocks and
// reports false when the event was dropped.
func (q *Queue) Enqueue(ev protocol.VisitorEvent) bool {
	if !q.limiter.Allow() {
		q.mu.Lock()
		q.stats.RateLimited++
		q.mu.Unlock()
		logging.QueueWarn("rate limit exceeded, dropping %s event", ev.Type)
		return false
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.anonymize {
		ev = Anonymize(ev)
	}
	ev.Sequence = 0
	q.items = append(q.items, &entry{ev: ev})
	q.stats.Enqueued++
	q.mu.Unlock()

	q.signal()
	return true
}

// SetConnected gates draining on transport status.
func (q *Queue) SetConnected(connected bool) {
	q.mu.Lock()
	changed := q.connected != connected
	q.connected = connected
	q.mu.Unlock()
	if changed {
		logging.QueueDebug("queue connected=%v", connected)
		q.signal()
	}
}

// SetPolicy swaps the rate limit and anonymization settings. Events already
// queued are not re-filtered.
func (q *Queue) SetPolicy(p Policy) {
	q.limiter.SetLimit(p.RateLimit)
	q.mu.Lock()
	q.anonymize = p.Anonymize
	q.mu.Unlock()
	logging.Queue("queue policy updated: rate_limit=%d anonymize=%v", p.RateLimit, p.Anonymize)
}

// Stats returns a copy of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.items)
	s.LastSeq = q.seq
	return s
}

// Close stops Run and rejects further events. Pending events are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := len(q.items)
	q.items = nil
	q.mu.Unlock()
	close(q.done)
	if pending > 0 {
		logging.QueueDebug("queue closed with %d pending events", pending)
	}
}

// Run drains the queue until ctx is done or Close is called.
func (q *Queue) Run(ctx context.Context) error {
	for {
		head, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return ErrQueueClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := q.sender.SendEvent(ctx, head.ev)
		if err == nil {
			q.complete(head)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay, gaveUp := q.fail(head, err)
		if gaveUp {
			continue
		}
		select {
		case <-q.clock.After(delay):
		case <-q.done:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// next returns the head entry, stamping its sequence on first use.
func (q *Queue) next() (*entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || !q.connected || len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	if !head.stamped {
		q.seq++
		head.ev.Sequence = q.seq
		head.stamped = true
	}
	return head, true
}

func (q *Queue) complete(head *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 && q.items[0] == head {
		q.items = q.items[1:]
	}
	q.stats.Sent++
}

func (q *Queue) fail(head *entry, err error) (delay time.Duration, gaveUp bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	head.failures++
	if q.backoff.Exhausted(head.failures) {
		if len(q.items) > 0 && q.items[0] == head {
			q.items = q.items[1:]
		}
		q.stats.GaveUp++
		logging.QueueWarn("giving up on %s event seq=%d after %d attempts: %v",
			head.ev.Type, head.ev.Sequence, head.failures, err)
		return 0, true
	}
	q.stats.Retries++
	delay = q.backoff.Delay(head.failures)
	logging.QueueDebug("send of seq=%d failed (attempt %d), retrying in %s: %v",
		head.ev.Sequence, head.failures, delay, err)
	return delay, false
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
