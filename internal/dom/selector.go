package dom

import "strings"

const (
	maxInnerHTML   = 1000
	maxTextContent = 500
)

// SelectorFor returns a short locator for n: #id, else the first class token,
// else the lowercase tag name. Text nodes map to "text". The result may match
// zero or several elements.
func SelectorFor(n Node) string {
	if n == nil || n.NodeType() != ElementNode {
		return "text"
	}
	if id := n.ID(); id != "" {
		return "#" + id
	}
	if fields := strings.Fields(n.ClassName()); len(fields) > 0 {
		return "." + fields[0]
	}
	return strings.ToLower(n.TagName())
}

// NodeData is the bounded structural copy of a node carried by dom_change events.
type NodeData struct {
	TagName     string            `json:"tagName,omitempty"`
	ID          string            `json:"id,omitempty"`
	ClassName   string            `json:"className,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	InnerHTML   string            `json:"innerHTML,omitempty"`
	TextContent string            `json:"textContent,omitempty"`
}

// Serialize copies n, truncating innerHTML to 1000 and textContent to 500
// characters.
func Serialize(n Node) NodeData {
	if n == nil {
		return NodeData{}
	}
	if n.NodeType() != ElementNode {
		return NodeData{TextContent: Truncate(n.TextContent(), maxTextContent)}
	}
	return NodeData{
		TagName:    strings.ToLower(n.TagName()),
		ID:         n.ID(),
		ClassName:  n.ClassName(),
		Attributes: n.Attributes(),
		InnerHTML:  Truncate(n.InnerHTML(), maxInnerHTML),
	}
}

// Truncate returns the first max code points of s.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	count := 0
	for i := range s {
		if count == max {
			return s[:i]
		}
		count++
	}
	return s
}
