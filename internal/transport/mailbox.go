package transport

import "sync"

// Mailbox runs posted funcs in order on its own goroutine. Channel
// implementations use one per subscription so handlers never run on a
// network read loop.
type Mailbox struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	signal  chan struct{}
	done    chan struct{}
}

// NewMailbox starts a Mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{signal: make(chan struct{}, 1), done: make(chan struct{})}
	go m.loop()
	return m
}

// Post queues fn. It reports false once the mailbox is closed.
func (m *Mailbox) Post(fn func()) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Close drops undelivered funcs. It does not wait for a running func, so it
// is safe to call from inside one.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.queue = nil
	close(m.done)
}

func (m *Mailbox) loop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			m.mu.Lock()
			if m.stopped || len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			fn := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			fn()
		}
	}
}
