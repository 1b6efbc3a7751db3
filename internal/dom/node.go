// Package dom models the host page as an injected capability. The capture,
// snapshot and control engines only ever see the interfaces declared here, so
// they run unchanged against a real browser tab (internal/browser) or the
// in-memory Document used by the agent sandbox and by tests.
package dom

import "cobrowse/internal/protocol"

// NodeType distinguishes element nodes from text nodes.
type NodeType int

const (
	ElementNode NodeType = iota + 1
	TextNode
)

// Node is a read-only view of one DOM node.
type Node interface {
	NodeType() NodeType
	// TagName is lowercase; empty for text nodes.
	TagName() string
	ID() string
	ClassName() string
	Attributes() map[string]string
	InnerHTML() string
	TextContent() string
}

// Element is a live element that the remote-control executor can decorate.
type Element interface {
	Node
	Style(property string) string
	SetStyle(property, value string)
}

// RawEventKind names the host events the capture engine listens for.
type RawEventKind string

const (
	RawClick    RawEventKind = "click"
	RawScroll   RawEventKind = "scroll"
	RawInput    RawEventKind = "input"
	RawPopState RawEventKind = "popstate"
	RawMutation RawEventKind = "mutation"
)

// MutationType mirrors MutationRecord.type.
type MutationType string

const (
	MutationChildList     MutationType = "childList"
	MutationAttributes    MutationType = "attributes"
	MutationCharacterData MutationType = "characterData"
)

// RawEvent is one host event as delivered to an Observer.
type RawEvent struct {
	Kind   RawEventKind
	Target Node

	// click
	X, Y   float64
	Button int

	// input
	Value     string
	InputType string
	Name      string

	// popstate
	URL   string
	Title string

	// mutation
	Mutation MutationType
}

// Observer receives host events. It must not block.
type Observer func(RawEvent)

// Page is the visitor-side host capability: the live document plus the
// window operations the executor needs.
type Page interface {
	URL() string
	Title() string
	Viewport() protocol.Viewport
	OuterHTML() string
	// Stylesheets lists inline <style> text and <link rel=stylesheet> URLs in
	// document order.
	Stylesheets() []protocol.CSSEntry

	QuerySelector(selector string) (Element, bool)
	ElementFromPoint(x, y float64) (Element, bool)

	// Click dispatches a synthetic click on el at (x, y).
	Click(el Element, x, y float64, button int) error
	// SetValue sets the element value and dispatches an input event.
	SetValue(el Element, value string) error
	ScrollTo(x, y float64) error
	Navigate(url string) error
	// MoveCursor positions the agent cursor overlay.
	MoveCursor(x, y float64) error

	// Observe attaches input listeners and a subtree mutation observer. The
	// returned func detaches them.
	Observe(fn Observer) (stop func())
}
