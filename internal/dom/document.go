package dom

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"cobrowse/internal/protocol"
)

var (
	// ErrForeignElement is returned when an Element from another page is passed in.
	ErrForeignElement = errors.New("element does not belong to this document")
	// ErrNotEditable is returned by SetValue for elements without a value.
	ErrNotEditable = errors.New("element has no editable value")
)

// Rect is an element's layout box in viewport coordinates.
type Rect struct {
	X, Y, Width, Height float64
}

// Contains reports whether (x, y) falls inside r.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

// Document is an in-memory page backed by golang.org/x/net/html. It implements
// Page for headless visitors and tests, and serves as the agent-side sandbox
// that snapshots are rendered into. Layout is not computed; hit-testing uses
// rectangles assigned with SetRect.
type Document struct {
	mu        sync.Mutex
	root      *html.Node
	url       string
	title     string
	viewport  protocol.Viewport
	cursorX   float64
	cursorY   float64
	cursorSet bool
	rects     map[*html.Node]Rect
	history   []string

	observers    map[uint64]Observer
	nextObserver uint64
}

// NewDocument parses src into a page located at url.
func NewDocument(src, url string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &Document{
		root:      root,
		url:       url,
		viewport:  protocol.Viewport{Width: 1280, Height: 720},
		rects:     make(map[*html.Node]Rect),
		observers: make(map[uint64]Observer),
	}, nil
}

// NewSandbox returns an empty render target.
func NewSandbox() *Document {
	d, _ := NewDocument("", "about:blank")
	return d
}

var _ Page = (*Document)(nil)

// =============================================================================
// PAGE
// =============================================================================

func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// Title returns the title set by PopState, or the <title> text.
func (d *Document) Title() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.title != "" {
		return d.title
	}
	if t := findFirst(d.root, func(n *html.Node) bool { return n.Data == "title" }); t != nil {
		return strings.TrimSpace(textOf(t))
	}
	return ""
}

func (d *Document) Viewport() protocol.Viewport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewport
}

// SetViewport resizes the window.
func (d *Document) SetViewport(width, height int) {
	d.mu.Lock()
	d.viewport.Width, d.viewport.Height = width, height
	d.mu.Unlock()
}

func (d *Document) OuterHTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	el := findFirst(d.root, func(n *html.Node) bool { return n.Data == "html" })
	if el == nil {
		return ""
	}
	return render(el)
}

func (d *Document) Stylesheets() []protocol.CSSEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []protocol.CSSEntry
	walk(d.root, func(n *html.Node) {
		switch n.Data {
		case "style":
			out = append(out, protocol.InlineCSS(textOf(n)))
		case "link":
			if hasToken(attr(n, "rel"), "stylesheet") && attr(n, "href") != "" {
				out = append(out, protocol.ExternalCSS(attr(n, "href")))
			}
		}
	})
	return out
}

func (d *Document) QuerySelector(selector string) (Element, bool) {
	sel, ok := parseSelector(selector)
	if !ok {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := findFirst(d.root, sel.matches)
	if n == nil {
		return nil, false
	}
	return &element{doc: d, n: n}, true
}

// ElementFromPoint returns the last element in document order whose rect
// contains (x, y).
func (d *Document) ElementFromPoint(x, y float64) (Element, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var hit *html.Node
	walk(d.root, func(n *html.Node) {
		if r, ok := d.rects[n]; ok && r.Contains(x, y) {
			hit = n
		}
	})
	if hit == nil {
		return nil, false
	}
	return &element{doc: d, n: hit}, true
}

// SetRect assigns the layout box used by ElementFromPoint.
func (d *Document) SetRect(el Element, r Rect) error {
	e, err := d.own(el)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.rects[e.n] = r
	d.mu.Unlock()
	return nil
}

func (d *Document) Click(el Element, x, y float64, button int) error {
	e, err := d.own(el)
	if err != nil {
		return err
	}
	d.emit(RawEvent{Kind: RawClick, Target: e, X: x, Y: y, Button: button})
	return nil
}

func (d *Document) SetValue(el Element, value string) error {
	e, err := d.own(el)
	if err != nil {
		return err
	}
	d.mu.Lock()
	var inputType string
	switch e.n.Data {
	case "input":
		setAttr(e.n, "value", value)
		inputType = attr(e.n, "type")
		if inputType == "" {
			inputType = "text"
		}
	case "select":
		setAttr(e.n, "value", value)
		inputType = "select-one"
	case "textarea":
		replaceChildren(e.n, &html.Node{Type: html.TextNode, Data: value})
		inputType = "textarea"
	default:
		d.mu.Unlock()
		return fmt.Errorf("%s: %w", e.n.Data, ErrNotEditable)
	}
	name := attr(e.n, "name")
	d.mu.Unlock()

	d.emit(RawEvent{Kind: RawInput, Target: e, Value: value, InputType: inputType, Name: name})
	return nil
}

func (d *Document) ScrollTo(x, y float64) error {
	d.mu.Lock()
	d.viewport.ScrollX, d.viewport.ScrollY = max(x, 0), max(y, 0)
	d.mu.Unlock()
	d.emit(RawEvent{Kind: RawScroll})
	return nil
}

// Navigate moves the window to url. The current document stays loaded.
func (d *Document) Navigate(url string) error {
	if url == "" {
		return errors.New("navigate: empty url")
	}
	d.mu.Lock()
	d.history = append(d.history, d.url)
	d.url = url
	d.title = ""
	d.mu.Unlock()
	return nil
}

// History returns the URLs navigated away from, oldest first.
func (d *Document) History() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.history...)
}

func (d *Document) MoveCursor(x, y float64) error {
	d.mu.Lock()
	d.cursorX, d.cursorY, d.cursorSet = x, y, true
	d.mu.Unlock()
	return nil
}

// Cursor returns the agent cursor overlay position.
func (d *Document) Cursor() (x, y float64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursorX, d.cursorY, d.cursorSet
}

func (d *Document) Observe(fn Observer) func() {
	d.mu.Lock()
	d.nextObserver++
	id := d.nextObserver
	d.observers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			d.mu.Unlock()
		})
	}
}

// =============================================================================
// HOST-SIDE MUTATIONS
// =============================================================================

// PopState simulates history navigation to url.
func (d *Document) PopState(url, title string) {
	d.mu.Lock()
	d.url, d.title = url, title
	d.mu.Unlock()
	d.emit(RawEvent{Kind: RawPopState, URL: url, Title: title})
}

// SetAttribute sets an attribute and reports an attributes mutation.
func (d *Document) SetAttribute(el Element, key, value string) error {
	e, err := d.own(el)
	if err != nil {
		return err
	}
	d.mu.Lock()
	setAttr(e.n, key, value)
	d.mu.Unlock()
	d.emit(RawEvent{Kind: RawMutation, Target: e, Mutation: MutationAttributes})
	return nil
}

// AppendHTML parses fragment as children of el and reports a childList mutation.
func (d *Document) AppendHTML(el Element, fragment string) error {
	e, err := d.own(el)
	if err != nil {
		return err
	}
	d.mu.Lock()
	nodes, err := html.ParseFragment(strings.NewReader(fragment), e.n)
	if err == nil {
		for _, n := range nodes {
			e.n.AppendChild(n)
		}
	}
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("parse fragment: %w", err)
	}
	d.emit(RawEvent{Kind: RawMutation, Target: e, Mutation: MutationChildList})
	return nil
}

// EditText rewrites the first text child of el and reports a characterData
// mutation targeting that text node. Elements without a text child get one,
// reported as a childList mutation.
func (d *Document) EditText(el Element, text string) error {
	e, err := d.own(el)
	if err != nil {
		return err
	}
	d.mu.Lock()
	var target Node = e
	kind := MutationChildList
	if c := e.n.FirstChild; c != nil && c.Type == html.TextNode {
		c.Data = text
		target = &textNode{doc: d, n: c}
		kind = MutationCharacterData
	} else {
		e.n.InsertBefore(&html.Node{Type: html.TextNode, Data: text}, e.n.FirstChild)
	}
	d.mu.Unlock()
	d.emit(RawEvent{Kind: RawMutation, Target: target, Mutation: kind})
	return nil
}

// =============================================================================
// RENDER TARGET
// =============================================================================

// Replace discards the current content and parses src in its place.
func (d *Document) Replace(src string) error {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	d.mu.Lock()
	d.root = root
	d.title = ""
	d.rects = make(map[*html.Node]Rect)
	d.mu.Unlock()
	return nil
}

// InjectStylesheet appends a stylesheet link to <head>.
func (d *Document) InjectStylesheet(href string) error {
	return d.appendHead(&html.Node{
		Type: html.ElementNode,
		Data: "link",
		Attr: []html.Attribute{{Key: "rel", Val: "stylesheet"}, {Key: "href", Val: href}},
	})
}

// InjectStyle appends a <style> block to <head>.
func (d *Document) InjectStyle(css string) error {
	style := &html.Node{Type: html.ElementNode, Data: "style"}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	return d.appendHead(style)
}

func (d *Document) appendHead(n *html.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	head := findFirst(d.root, func(n *html.Node) bool { return n.Data == "head" })
	if head == nil {
		return errors.New("document has no head")
	}
	head.AppendChild(n)
	return nil
}

// TextContent returns the text of <body>.
func (d *Document) TextContent() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if body := findFirst(d.root, func(n *html.Node) bool { return n.Data == "body" }); body != nil {
		return textOf(body)
	}
	return textOf(d.root)
}

// BodyHTML renders the children of <body>.
func (d *Document) BodyHTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	body := findFirst(d.root, func(n *html.Node) bool { return n.Data == "body" })
	if body == nil {
		return ""
	}
	return renderChildren(body)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (d *Document) own(el Element) (*element, error) {
	e, ok := el.(*element)
	if !ok || e.doc != d {
		return nil, ErrForeignElement
	}
	return e, nil
}

func (d *Document) emit(ev RawEvent) {
	d.mu.Lock()
	ids := make([]uint64, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

type element struct {
	doc *Document
	n   *html.Node
}

func (e *element) NodeType() NodeType { return ElementNode }
func (e *element) TagName() string    { return e.n.Data }

func (e *element) ID() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return attr(e.n, "id")
}

func (e *element) ClassName() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return attr(e.n, "class")
}

func (e *element) Attributes() map[string]string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	out := make(map[string]string, len(e.n.Attr))
	for _, a := range e.n.Attr {
		out[a.Key] = a.Val
	}
	return out
}

func (e *element) InnerHTML() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return renderChildren(e.n)
}

func (e *element) TextContent() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return textOf(e.n)
}

func (e *element) Style(property string) string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return parseStyle(attr(e.n, "style")).get(property)
}

// SetStyle sets an inline style property; an empty value removes it.
func (e *element) SetStyle(property, value string) {
	e.doc.mu.Lock()
	st := parseStyle(attr(e.n, "style"))
	st.set(property, value)
	if s := st.String(); s != "" {
		setAttr(e.n, "style", s)
	} else {
		removeAttr(e.n, "style")
	}
	e.doc.mu.Unlock()
	e.doc.emit(RawEvent{Kind: RawMutation, Target: e, Mutation: MutationAttributes})
}

type textNode struct {
	doc *Document
	n   *html.Node
}

func (t *textNode) NodeType() NodeType            { return TextNode }
func (t *textNode) TagName() string               { return "" }
func (t *textNode) ID() string                    { return "" }
func (t *textNode) ClassName() string             { return "" }
func (t *textNode) Attributes() map[string]string { return nil }
func (t *textNode) InnerHTML() string             { return "" }

func (t *textNode) TextContent() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.n.Data
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
	}
	return b.String()
}

func render(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}

func renderChildren(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return buf.String()
		}
	}
	return buf.String()
}

func replaceChildren(n *html.Node, with *html.Node) {
	for c := n.FirstChild; c != nil; c = n.FirstChild {
		n.RemoveChild(c)
	}
	n.AppendChild(with)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if strings.EqualFold(f, token) {
			return true
		}
	}
	return false
}
