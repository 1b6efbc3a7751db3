// Package browser drives a real Chrome tab through go-rod and exposes it as a
// dom.Page, so a visitor widget can share a live page.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"cobrowse/internal/logging"
)

// Config holds browser configuration.
type Config struct {
	DebuggerURL       string
	Launch            []string
	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
	// PollInterval is how often queued page events are drained.
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		ViewportWidth:     1280,
		ViewportHeight:    720,
		NavigationTimeout: 30 * time.Second,
		PollInterval:      100 * time.Millisecond,
	}
}

func (c Config) navigationTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 100 * time.Millisecond
	}
	return c.PollInterval
}

// Launcher owns the Chrome connection and the pages opened through it.
type Launcher struct {
	cfg        Config
	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
	pages      []*Page
}

// NewLauncher creates a launcher. Nothing is started until Start.
func NewLauncher(cfg Config) *Launcher {
	return &Launcher{cfg: cfg}
}

// Start connects to an existing Chrome or launches a new one.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.browser != nil {
		if _, err := l.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("stale browser connection, reconnecting")
		_ = l.browser.Close()
		l.browser = nil
		l.controlURL = ""
	}

	controlURL := l.cfg.DebuggerURL
	if controlURL == "" {
		u, err := l.launcher().Launch()
		if err != nil {
			return fmt.Errorf("no debugger url and failed to launch: %w", err)
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	l.browser = b
	l.controlURL = controlURL
	logging.BrowserDebug("connected to %s", controlURL)
	return nil
}

func (l *Launcher) launcher() *launcher.Launcher {
	ln := launcher.New().Headless(l.cfg.Headless)
	if len(l.cfg.Launch) == 0 {
		return ln
	}
	ln = ln.Bin(l.cfg.Launch[0])
	for _, raw := range l.cfg.Launch[1:] {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if hasVal {
			ln = ln.Set(flags.Flag(name), val)
		} else {
			ln = ln.Set(flags.Flag(name))
		}
	}
	return ln
}

// ControlURL returns the DevTools websocket URL.
func (l *Launcher) ControlURL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.controlURL
}

// Open creates a tab at url, sizes its viewport and wraps it as a Page.
func (l *Launcher) Open(ctx context.Context, url string) (*Page, error) {
	if err := l.Start(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	b := l.browser
	l.mu.Unlock()
	if b == nil {
		return nil, errors.New("browser not connected")
	}

	rp, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             l.cfg.ViewportWidth,
		Height:            l.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}).Call(rp); err != nil {
		logging.BrowserWarn("failed to set viewport: %v", err)
	}

	p := newPage(rp, l.cfg)
	if url != "" {
		if err := p.Navigate(url); err != nil {
			_ = rp.Close()
			return nil, err
		}
	}

	l.mu.Lock()
	l.pages = append(l.pages, p)
	l.mu.Unlock()
	return p, nil
}

// Shutdown closes opened pages and the browser.
func (l *Launcher) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range l.pages {
		p.Close()
	}
	l.pages = nil

	var err error
	if l.browser != nil {
		err = l.browser.Close()
		l.browser = nil
	}
	l.controlURL = ""
	return err
}
