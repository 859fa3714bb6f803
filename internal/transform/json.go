package transform

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/antchfx/xmlquery"
)

// TreeToJSON renders an event tree as a single-line JSON object.
//
// Attributes become string members. An element without attributes or
// child elements becomes its text. An element with attributes and only
// text keeps the text under "text". Same-named sibling elements are
// collected into an array at the position of the first one. Carriage
// returns are dropped; every other control character is escaped, so the
// result never contains a raw line break.
func TreeToJSON(root *xmlquery.Node) string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeString(&buf, root.Data)
	buf.WriteByte(':')
	writeElement(&buf, root)
	buf.WriteByte('}')
	return buf.String()
}

func writeElement(buf *bytes.Buffer, n *xmlquery.Node) {
	attrs := attributes(n)
	var elems []*xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			elems = append(elems, c)
		}
	}

	if len(attrs) == 0 && len(elems) == 0 {
		writeString(buf, text(n))
		return
	}

	buf.WriteByte('{')
	first := true
	member := func(key string) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeString(buf, key)
		buf.WriteByte(':')
	}

	for _, a := range attrs {
		member(a.Name.Local)
		writeString(buf, a.Value)
	}

	groups := make(map[string][]*xmlquery.Node, len(elems))
	var order []string
	for _, el := range elems {
		if _, seen := groups[el.Data]; !seen {
			order = append(order, el.Data)
		}
		groups[el.Data] = append(groups[el.Data], el)
	}
	for _, name := range order {
		member(name)
		group := groups[name]
		if len(group) == 1 {
			writeElement(buf, group[0])
			continue
		}
		buf.WriteByte('[')
		for i, el := range group {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeElement(buf, el)
		}
		buf.WriteByte(']')
	}

	if len(elems) == 0 {
		if t := text(n); t != "" {
			member("text")
			writeString(buf, t)
		}
	}
	buf.WriteByte('}')
}

func attributes(n *xmlquery.Node) []xmlquery.Attr {
	out := make([]xmlquery.Attr, 0, len(n.Attr))
	for _, a := range n.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func text(n *xmlquery.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.TextNode || c.Type == xmlquery.CharDataNode {
			sb.WriteString(c.Data)
		}
	}
	return strings.ReplaceAll(sb.String(), "\r", "")
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	// Encode terminates every value with a newline.
	buf.Truncate(buf.Len() - 1)
}
