package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Viewport is the visitor window geometry at snapshot time.
type Viewport struct {
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	ScrollX float64 `json:"scrollX"`
	ScrollY float64 `json:"scrollY"`
}

// DOMSnapshot is a full serialized copy of the visitor page.
type DOMSnapshot struct {
	SessionID string     `json:"session_id"`
	Timestamp int64      `json:"timestamp"`
	HTML      string     `json:"html"`
	CSS       []CSSEntry `json:"css"`
	Viewport  Viewport   `json:"viewport"`
}

// CSSEntry is either inline stylesheet text or an external stylesheet URL.
type CSSEntry struct {
	Href string `json:"href,omitempty"`
	Text string `json:"text,omitempty"`
}

// InlineCSS returns an entry holding stylesheet text.
func InlineCSS(text string) CSSEntry { return CSSEntry{Text: text} }

// ExternalCSS returns an entry pointing at a stylesheet URL.
func ExternalCSS(href string) CSSEntry { return CSSEntry{Href: href} }

// IsExternal reports whether the entry is a stylesheet link.
func (c CSSEntry) IsExternal() bool { return c.Href != "" }

// MarshalJSON emits {"href": ...} or {"text": ...}.
func (c CSSEntry) MarshalJSON() ([]byte, error) {
	if c.IsExternal() {
		return json.Marshal(struct {
			Href string `json:"href"`
		}{c.Href})
	}
	return json.Marshal(struct {
		Text string `json:"text"`
	}{c.Text})
}

// UnmarshalJSON accepts the object form as well as a bare string, which is
// how older widgets ship stylesheets.
func (c *CSSEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if looksLikeStylesheetURL(s) {
			*c = ExternalCSS(s)
		} else {
			*c = InlineCSS(s)
		}
		return nil
	}
	var obj struct {
		Href string `json:"href"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("css entry: %w", err)
	}
	*c = CSSEntry{Href: obj.Href, Text: obj.Text}
	return nil
}

func looksLikeStylesheetURL(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "{}\n") {
		return false
	}
	if strings.HasPrefix(s, "/") {
		return strings.HasSuffix(strings.SplitN(s, "?", 2)[0], ".css") || strings.HasPrefix(s, "//")
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
