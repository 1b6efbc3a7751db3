// Package snapshot captures a full copy of the visitor page and rebuilds it
// inside the agent's sandboxed render target.
package snapshot

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"cobrowse/internal/dom"
	"cobrowse/internal/logging"
	"cobrowse/internal/protocol"
)

// ErrSessionMismatch is returned by Render for snapshots of another session.
var ErrSessionMismatch = errors.New("snapshot: session mismatch")

// Capture assembles a snapshot of page: outerHTML, stylesheets in document
// order and the current viewport.
func Capture(page dom.Page, sessionID string, now time.Time) protocol.DOMSnapshot {
	css := page.Stylesheets()
	if css == nil {
		css = []protocol.CSSEntry{}
	}
	return protocol.DOMSnapshot{
		SessionID: sessionID,
		Timestamp: now.UnixMilli(),
		HTML:      page.OuterHTML(),
		CSS:       css,
		Viewport:  page.Viewport(),
	}
}

// RenderTarget is the sandbox a snapshot is rebuilt into.
type RenderTarget interface {
	Replace(html string) error
	InjectStylesheet(href string) error
	InjectStyle(css string) error
	ScrollTo(x, y float64) error
}

// SandboxPolicy strips scripts, event handlers and embedded frames while
// keeping the structure, ids, classes and form controls a viewer needs.
func SandboxPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowStyling()
	p.AllowAttrs("id", "title", "role").Globally()
	p.AllowElements("form", "input", "textarea", "select", "option", "button", "label", "fieldset", "legend",
		"header", "footer", "nav", "main", "section", "article", "aside", "figure", "figcaption")
	p.AllowAttrs("type", "name", "value", "placeholder", "checked", "selected", "disabled").OnElements("input", "textarea", "select", "option", "button")
	p.AllowAttrs("for").OnElements("label")
	p.SkipElementsContent("head", "title", "noscript")
	return p
}

var styleCloser = regexp.MustCompile(`(?i)</\s*style`)

// Renderer rebuilds the latest snapshot of one session into a target. Each
// snapshot wholly replaces the previous rendering.
type Renderer struct {
	sessionID string
	target    RenderTarget
	policy    *bluemonday.Policy

	mu      sync.Mutex
	current *protocol.DOMSnapshot
	renders int
}

// NewRenderer binds a renderer to sessionID and target.
func NewRenderer(sessionID string, target RenderTarget) *Renderer {
	return &Renderer{sessionID: sessionID, target: target, policy: SandboxPolicy()}
}

// Render replaces the target content with snap's sanitized HTML, injects its
// CSS entries in order and restores the scroll position.
func (r *Renderer) Render(snap protocol.DOMSnapshot) error {
	if snap.SessionID != r.sessionID {
		logging.SnapshotDebug("ignoring snapshot for %s while tracking %s", snap.SessionID, r.sessionID)
		return ErrSessionMismatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.target.Replace(r.policy.Sanitize(snap.HTML)); err != nil {
		return fmt.Errorf("replace render target: %w", err)
	}
	for i, entry := range snap.CSS {
		var err error
		if entry.IsExternal() {
			if !allowedStylesheet(entry.Href) {
				logging.SnapshotWarn("skipping stylesheet %d with disallowed url %q", i, entry.Href)
				continue
			}
			err = r.target.InjectStylesheet(entry.Href)
		} else {
			err = r.target.InjectStyle(styleCloser.ReplaceAllString(entry.Text, ""))
		}
		if err != nil {
			logging.SnapshotWarn("css entry %d not injected: %v", i, err)
		}
	}
	if err := r.target.ScrollTo(snap.Viewport.ScrollX, snap.Viewport.ScrollY); err != nil {
		logging.SnapshotWarn("restore scroll: %v", err)
	}

	s := snap
	r.current = &s
	r.renders++
	logging.SnapshotDebug("rendered snapshot for %s: %d bytes html, %d css entries", snap.SessionID, len(snap.HTML), len(snap.CSS))
	return nil
}

// Current returns the snapshot last rendered.
func (r *Renderer) Current() (protocol.DOMSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return protocol.DOMSnapshot{}, false
	}
	return *r.current, true
}

// Renders counts successful renders.
func (r *Renderer) Renders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renders
}

func allowedStylesheet(href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https":
		return true
	case "":
		return u.Opaque == ""
	}
	return false
}
