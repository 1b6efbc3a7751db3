package capture

import (
	"sync"
	"time"

	"cobrowse/internal/clock"
)

// Debouncer runs a function once a burst of calls has gone quiet for the
// configured duration.
type Debouncer struct {
	mu       sync.Mutex
	clock    clock.Clock
	timer    clock.Timer
	duration time.Duration
}

// NewDebouncer creates a new debouncer with the specified duration
func NewDebouncer(duration time.Duration, clk clock.Clock) *Debouncer {
	return &Debouncer{
		clock:    clock.OrReal(clk),
		duration: duration,
	}
}

// Debounce executes fn after the debounce duration has elapsed
// without any new calls. Rapid successive calls reset the timer.
func (d *Debouncer) Debounce(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.duration, fn)
}

// Cancel cancels any pending debounced function call
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// DefaultScrollDebounce is the quiet period before a scroll event is emitted.
const DefaultScrollDebounce = 100 * time.Millisecond
