// Package capture turns host page events into typed VisitorEvents and hands
// them to the outbound queue. Capture never blocks the host: the sink must
// accept events without waiting on the transport.
package capture

import (
	"sync"
	"time"

	"cobrowse/internal/clock"
	"cobrowse/internal/dom"
	"cobrowse/internal/logging"
	"cobrowse/internal/protocol"
)

// Sink receives captured events. Enqueue must not block.
type Sink interface {
	Enqueue(ev protocol.VisitorEvent) bool
}

// Config tunes a Capturer.
type Config struct {
	ScrollDebounce time.Duration
	Clock          clock.Clock
}

// Capturer observes a page and forwards click, scroll, input, navigation and
// DOM mutation events to a Sink.
type Capturer struct {
	page   dom.Page
	sink   Sink
	clock  clock.Clock
	scroll *Debouncer

	mu      sync.Mutex
	stop    func()
	running bool
}

// New creates a Capturer. It does nothing until Start.
func New(page dom.Page, sink Sink, cfg Config) *Capturer {
	if cfg.ScrollDebounce <= 0 {
		cfg.ScrollDebounce = DefaultScrollDebounce
	}
	clk := clock.OrReal(cfg.Clock)
	return &Capturer{
		page:   page,
		sink:   sink,
		clock:  clk,
		scroll: NewDebouncer(cfg.ScrollDebounce, clk),
	}
}

// Start attaches the page observer. Calling Start on a running Capturer is a no-op.
func (c *Capturer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = c.page.Observe(c.handle)
	logging.CaptureDebug("capture started on %s", c.page.URL())
}

// Stop detaches the observer and drops any pending scroll event.
func (c *Capturer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	stop()
	c.scroll.Cancel()
	logging.CaptureDebug("capture stopped")
}

// Running reports whether the observer is attached.
func (c *Capturer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Capturer) handle(raw dom.RawEvent) {
	switch raw.Kind {
	case dom.RawClick:
		c.emit(protocol.EventClick, dom.SelectorFor(raw.Target), protocol.ClickData{X: raw.X, Y: raw.Y, Button: raw.Button})
	case dom.RawScroll:
		c.scroll.Debounce(c.flushScroll)
	case dom.RawInput:
		c.emit(protocol.EventInput, dom.SelectorFor(raw.Target), protocol.InputData{Value: raw.Value, Type: raw.InputType, Name: raw.Name})
	case dom.RawPopState:
		c.emit(protocol.EventNavigation, "", protocol.NavigationData{URL: raw.URL, Title: raw.Title})
	case dom.RawMutation:
		c.emit(protocol.EventDOMChange, dom.SelectorFor(raw.Target), dom.Serialize(raw.Target))
	default:
		logging.CaptureDebug("ignoring host event %q", raw.Kind)
	}
}

func (c *Capturer) flushScroll() {
	if !c.Running() {
		return
	}
	vp := c.page.Viewport()
	c.emit(protocol.EventScroll, "", protocol.ScrollData{
		ScrollX:     vp.ScrollX,
		ScrollY:     vp.ScrollY,
		InnerWidth:  vp.Width,
		InnerHeight: vp.Height,
	})
}

func (c *Capturer) emit(typ protocol.EventType, target string, payload any) {
	ev, err := protocol.NewVisitorEvent(typ, target, payload, c.clock.Now())
	if err != nil {
		logging.Get(logging.CategoryCapture).Error("failed to build %s event: %v", typ, err)
		return
	}
	c.sink.Enqueue(ev)
}
