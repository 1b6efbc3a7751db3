package browser

import (
	"encoding/json"

	"cobrowse/internal/dom"
)

// queueVar holds events recorded in the page until the next drain.
const queueVar = "__cobrowseQueue"

// describeJS serialises the element bound to this.
const describeJS = `() => {
	const attrs = {};
	for (const a of this.attributes || []) attrs[a.name] = a.value;
	return {
		type: this.nodeType === 3 ? 3 : 1,
		tag: (this.tagName || '').toLowerCase(),
		id: this.id || '',
		cls: typeof this.className === 'string' ? this.className : '',
		attrs: attrs,
		html: this.innerHTML || '',
		text: this.textContent || '',
	};
}`

// hookJS installs listeners pushing raw events onto window.__cobrowseQueue.
// It is idempotent per document.
const hookJS = `() => {
	if (window.__cobrowseHooked) return;
	window.__cobrowseHooked = true;
	window.__cobrowseQueue = window.__cobrowseQueue || [];
	const q = (ev) => { if (window.__cobrowseQueue.length < 5000) window.__cobrowseQueue.push(ev); };
	const node = (n) => {
		if (!n) return null;
		if (n.nodeType === 3) return { type: 3, text: n.textContent || '' };
		if (n.nodeType !== 1) return null;
		const attrs = {};
		for (const a of n.attributes) attrs[a.name] = a.value;
		return {
			type: 1,
			tag: n.tagName.toLowerCase(),
			id: n.id || '',
			cls: typeof n.className === 'string' ? n.className : '',
			attrs: attrs,
			html: (n.innerHTML || '').slice(0, 2000),
			text: (n.textContent || '').slice(0, 1000),
		};
	};
	document.addEventListener('click', (e) => q({ kind: 'click', x: e.clientX, y: e.clientY, button: e.button, target: node(e.target) }), true);
	window.addEventListener('scroll', () => q({ kind: 'scroll' }), true);
	document.addEventListener('input', (e) => {
		const t = e.target || {};
		q({ kind: 'input', value: t.value || '', inputType: t.type || '', name: t.name || '', target: node(t) });
	}, true);
	window.addEventListener('popstate', () => q({ kind: 'popstate', url: location.href, title: document.title }));
	const start = () => {
		new MutationObserver((records) => {
			for (const r of records) q({ kind: 'mutation', mutation: r.type, target: node(r.target) });
		}).observe(document.documentElement, { childList: true, attributes: true, characterData: true, subtree: true });
	};
	if (document.documentElement) start(); else document.addEventListener('DOMContentLoaded', start);
}`

// drainJS empties the queue and returns its contents.
const drainJS = `() => {
	const q = window.__cobrowseQueue || [];
	window.__cobrowseQueue = [];
	return q;
}`

// nodeData is a node as serialised by the page scripts.
type nodeData struct {
	Type  int               `json:"type"`
	Tag   string            `json:"tag"`
	ID    string            `json:"id"`
	Class string            `json:"cls"`
	Attrs map[string]string `json:"attrs"`
	HTML  string            `json:"html"`
	Text  string            `json:"text"`
}

// staticNode is a detached copy of a page node.
type staticNode struct{ d nodeData }

func (n staticNode) NodeType() dom.NodeType {
	if n.d.Type == 3 {
		return dom.TextNode
	}
	return dom.ElementNode
}
func (n staticNode) TagName() string               { return n.d.Tag }
func (n staticNode) ID() string                    { return n.d.ID }
func (n staticNode) ClassName() string             { return n.d.Class }
func (n staticNode) Attributes() map[string]string { return n.d.Attrs }
func (n staticNode) InnerHTML() string             { return n.d.HTML }
func (n staticNode) TextContent() string           { return n.d.Text }

// hookEvent is one queued page event.
type hookEvent struct {
	Kind      string    `json:"kind"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Button    int       `json:"button"`
	Value     string    `json:"value"`
	InputType string    `json:"inputType"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Mutation  string    `json:"mutation"`
	Target    *nodeData `json:"target"`
}

// decodeEvents converts a drained queue into raw events. Unknown kinds are
// dropped.
func decodeEvents(raw []byte) ([]dom.RawEvent, error) {
	var evs []hookEvent
	if err := json.Unmarshal(raw, &evs); err != nil {
		return nil, err
	}
	out := make([]dom.RawEvent, 0, len(evs))
	for _, e := range evs {
		ev := dom.RawEvent{
			Kind:      dom.RawEventKind(e.Kind),
			X:         e.X,
			Y:         e.Y,
			Button:    e.Button,
			Value:     e.Value,
			InputType: e.InputType,
			Name:      e.Name,
			URL:       e.URL,
			Title:     e.Title,
			Mutation:  dom.MutationType(e.Mutation),
		}
		if e.Target != nil {
			ev.Target = staticNode{d: *e.Target}
		}
		switch ev.Kind {
		case dom.RawClick, dom.RawScroll, dom.RawInput, dom.RawPopState, dom.RawMutation:
			out = append(out, ev)
		}
	}
	return out, nil
}
