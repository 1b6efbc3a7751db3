package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"cobrowse/internal/dom"
	"cobrowse/internal/logging"
	"cobrowse/internal/protocol"
)

// Page adapts a rod tab to dom.Page. Host events are recorded by an injected
// script and drained on a ticker.
type Page struct {
	rp  *rod.Page
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
}

var _ dom.Page = (*Page)(nil)

func newPage(rp *rod.Page, cfg Config) *Page {
	ctx, cancel := context.WithCancel(context.Background())
	return &Page{rp: rp.Context(ctx), cfg: cfg, ctx: ctx, cancel: cancel}
}

// Rod returns the underlying tab.
func (p *Page) Rod() *rod.Page { return p.rp }

// Close closes the tab.
func (p *Page) Close() {
	p.cancel()
	if err := p.rp.Close(); err != nil {
		logging.BrowserDebug("close page: %v", err)
	}
}

func (p *Page) eval(js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	return p.rp.Eval(js, args...)
}

func (p *Page) evalString(js string) string {
	res, err := p.eval(js)
	if err != nil {
		logging.BrowserWarn("eval: %v", err)
		return ""
	}
	return res.Value.String()
}

func (p *Page) URL() string   { return p.evalString(`() => location.href`) }
func (p *Page) Title() string { return p.evalString(`() => document.title`) }

func (p *Page) Viewport() protocol.Viewport {
	res, err := p.eval(`() => ({ width: innerWidth, height: innerHeight, scrollX: scrollX, scrollY: scrollY })`)
	if err != nil {
		logging.BrowserWarn("viewport: %v", err)
		return protocol.Viewport{}
	}
	v := res.Value
	return protocol.Viewport{
		Width:   v.Get("width").Int(),
		Height:  v.Get("height").Int(),
		ScrollX: v.Get("scrollX").Num(),
		ScrollY: v.Get("scrollY").Num(),
	}
}

func (p *Page) OuterHTML() string {
	return p.evalString(`() => document.documentElement ? document.documentElement.outerHTML : ''`)
}

func (p *Page) Stylesheets() []protocol.CSSEntry {
	res, err := p.eval(`() => Array.from(document.querySelectorAll('style, link[rel~="stylesheet"]')).map(n =>
		n.tagName === 'STYLE' ? { text: n.textContent || '' } : { href: n.getAttribute('href') || '' })`)
	if err != nil {
		logging.BrowserWarn("stylesheets: %v", err)
		return nil
	}
	var out []protocol.CSSEntry
	for _, e := range res.Value.Arr() {
		if href := e.Get("href").String(); href != "" {
			out = append(out, protocol.ExternalCSS(href))
			continue
		}
		if e.Has("text") {
			out = append(out, protocol.InlineCSS(e.Get("text").String()))
		}
	}
	return out
}

func (p *Page) wrap(el *rod.Element) (dom.Element, bool) {
	res, err := el.Eval(describeJS)
	if err != nil {
		logging.BrowserDebug("describe element: %v", err)
		return nil, false
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, false
	}
	var d nodeData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false
	}
	return &element{page: p, el: el, d: d}, true
}

func (p *Page) QuerySelector(selector string) (dom.Element, bool) {
	if selector == "" {
		return nil, false
	}
	found, el, err := p.rp.Has(selector)
	if err != nil || !found {
		return nil, false
	}
	return p.wrap(el)
}

func (p *Page) ElementFromPoint(x, y float64) (dom.Element, bool) {
	el, err := p.rp.ElementFromPoint(int(x), int(y))
	if err != nil || el == nil {
		return nil, false
	}
	return p.wrap(el)
}

func (p *Page) own(el dom.Element) (*element, error) {
	e, ok := el.(*element)
	if !ok || e.page != p {
		return nil, dom.ErrForeignElement
	}
	return e, nil
}

func mouseButton(button int) proto.InputMouseButton {
	switch button {
	case 1:
		return proto.InputMouseButtonMiddle
	case 2:
		return proto.InputMouseButtonRight
	}
	return proto.InputMouseButtonLeft
}

// Click dispatches a trusted click at the element centre. Coordinates are
// only used for the mouse position when the element has no box.
func (p *Page) Click(el dom.Element, x, y float64, button int) error {
	e, err := p.own(el)
	if err != nil {
		return err
	}
	if err := e.el.Click(mouseButton(button), 1); err != nil {
		if moveErr := p.rp.Mouse.MoveTo(proto.Point{X: x, Y: y}); moveErr != nil {
			return fmt.Errorf("click: %w", err)
		}
		return p.rp.Mouse.Click(mouseButton(button), 1)
	}
	return nil
}

func (p *Page) SetValue(el dom.Element, value string) error {
	e, err := p.own(el)
	if err != nil {
		return err
	}
	switch e.d.Tag {
	case "input", "textarea", "select":
	default:
		return fmt.Errorf("%s: %w", e.d.Tag, dom.ErrNotEditable)
	}
	_, err = e.el.Eval(`(v) => {
		this.value = v;
		this.dispatchEvent(new Event('input', { bubbles: true }));
		this.dispatchEvent(new Event('change', { bubbles: true }));
	}`, value)
	return err
}

func (p *Page) ScrollTo(x, y float64) error {
	_, err := p.eval(`(x, y) => window.scrollTo(x, y)`, x, y)
	return err
}

func (p *Page) Navigate(url string) error {
	rp := p.rp.Timeout(p.cfg.navigationTimeout())
	if err := rp.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := rp.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

func (p *Page) MoveCursor(x, y float64) error {
	return p.rp.Mouse.MoveTo(proto.Point{X: x, Y: y})
}

// Observe installs the event hooks in the current and every future document
// and delivers drained events to fn from a single goroutine.
func (p *Page) Observe(fn dom.Observer) func() {
	remove, err := p.rp.EvalOnNewDocument("(" + hookJS + ")()")
	if err != nil {
		logging.BrowserWarn("install hooks on new documents: %v", err)
	}
	if _, err := p.eval(hookJS); err != nil {
		logging.BrowserWarn("install hooks: %v", err)
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.cfg.pollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				for _, ev := range p.drain() {
					fn(ev)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
			if remove != nil {
				if err := remove(); err != nil {
					logging.BrowserDebug("remove hooks: %v", err)
				}
			}
		})
	}
}

func (p *Page) drain() []dom.RawEvent {
	res, err := p.eval(drainJS)
	if err != nil {
		if p.ctx.Err() == nil {
			logging.BrowserDebug("drain events: %v", err)
		}
		return nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil
	}
	evs, err := decodeEvents(raw)
	if err != nil {
		logging.BrowserWarn("decode events: %v", err)
		return nil
	}
	return evs
}

// element is a live page element with the node data read when it was found.
type element struct {
	page *Page
	el   *rod.Element
	d    nodeData
}

func (e *element) NodeType() dom.NodeType        { return dom.ElementNode }
func (e *element) TagName() string               { return e.d.Tag }
func (e *element) ID() string                    { return e.d.ID }
func (e *element) ClassName() string             { return e.d.Class }
func (e *element) Attributes() map[string]string { return e.d.Attrs }
func (e *element) InnerHTML() string             { return e.d.HTML }
func (e *element) TextContent() string           { return e.d.Text }

func (e *element) Style(property string) string {
	res, err := e.el.Eval(`(p) => this.style.getPropertyValue(p)`, property)
	if err != nil {
		logging.BrowserDebug("read style %s: %v", property, err)
		return ""
	}
	return res.Value.String()
}

func (e *element) SetStyle(property, value string) {
	if _, err := e.el.Eval(`(p, v) => this.style.setProperty(p, v)`, property, value); err != nil {
		logging.BrowserDebug("set style %s: %v", property, err)
	}
}
