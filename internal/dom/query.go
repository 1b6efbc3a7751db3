package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// simpleSelector is the subset of CSS selectors produced by SelectorFor:
// an optional tag followed by at most one #id or .class.
type simpleSelector struct {
	tag   string
	id    string
	class string
}

func parseSelector(s string) (simpleSelector, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " >+~[]:,*") {
		return simpleSelector{}, false
	}
	var sel simpleSelector
	i := strings.IndexAny(s, "#.")
	if i < 0 {
		sel.tag = strings.ToLower(s)
		return sel, true
	}
	sel.tag = strings.ToLower(s[:i])
	rest := s[i+1:]
	if rest == "" || strings.ContainsAny(rest, "#.") {
		return simpleSelector{}, false
	}
	if s[i] == '#' {
		sel.id = rest
	} else {
		sel.class = rest
	}
	return sel, true
}

func (s simpleSelector) matches(n *html.Node) bool {
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && attr(n, "id") != s.id {
		return false
	}
	if s.class != "" && !hasClass(attr(n, "class"), s.class) {
		return false
	}
	return true
}

func hasClass(list, class string) bool {
	for _, f := range strings.Fields(list) {
		if f == class {
			return true
		}
	}
	return false
}

// inlineStyle is an ordered set of style declarations.
type inlineStyle struct {
	keys   []string
	values map[string]string
}

func parseStyle(s string) *inlineStyle {
	st := &inlineStyle{values: make(map[string]string)}
	for _, decl := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		st.set(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return st
}

func (st *inlineStyle) get(k string) string { return st.values[strings.ToLower(k)] }

func (st *inlineStyle) set(k, v string) {
	k = strings.ToLower(k)
	if k == "" {
		return
	}
	_, exists := st.values[k]
	if v == "" {
		if exists {
			delete(st.values, k)
			for i, key := range st.keys {
				if key == k {
					st.keys = append(st.keys[:i], st.keys[i+1:]...)
					break
				}
			}
		}
		return
	}
	if !exists {
		st.keys = append(st.keys, k)
	}
	st.values[k] = v
}

func (st *inlineStyle) String() string {
	parts := make([]string, 0, len(st.keys))
	for _, k := range st.keys {
		parts = append(parts, k+": "+st.values[k])
	}
	return strings.Join(parts, "; ")
}
