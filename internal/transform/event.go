package transform

import (
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

// Event is the value flowing through a pipeline. It starts as a parsed XML
// tree that transforms mutate in place. A rendering transform replaces the
// tree with the final output line.
type Event struct {
	Doc      *xmlquery.Node
	Line     string
	Rendered bool
}

// Parse builds an event from rendered event XML
func Parse(eventXML string) (*Event, error) {
	doc, err := xmlquery.Parse(strings.NewReader(eventXML))
	if err != nil {
		return nil, fmt.Errorf("parse event xml: %w", err)
	}
	if rootElement(doc) == nil {
		return nil, fmt.Errorf("parse event xml: no root element")
	}
	return &Event{Doc: doc}, nil
}

// Root returns the top-level element, usually <Event>
func (e *Event) Root() *xmlquery.Node {
	if e == nil || e.Doc == nil {
		return nil
	}
	return rootElement(e.Doc)
}

// SetLine finishes the event with its output line
func (e *Event) SetLine(line string) {
	e.Line = line
	e.Rendered = true
	e.Doc = nil
}

func rootElement(doc *xmlquery.Node) *xmlquery.Node {
	if doc.Type == xmlquery.ElementNode {
		return doc
	}
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			return c
		}
	}
	return nil
}

// children returns the direct element children of n named local
func children(n *xmlquery.Node, local string) []*xmlquery.Node {
	var out []*xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && c.Data == local {
			out = append(out, c)
		}
	}
	return out
}

// descendants returns every element below n named local, in document order
func descendants(n *xmlquery.Node, local string) []*xmlquery.Node {
	var out []*xmlquery.Node
	var walk func(*xmlquery.Node)
	walk = func(p *xmlquery.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != xmlquery.ElementNode {
				continue
			}
			if c.Data == local {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

// appendTextElement adds <local>text</local> as the last child of parent
func appendTextElement(parent *xmlquery.Node, local, text string) *xmlquery.Node {
	el := &xmlquery.Node{
		Type:         xmlquery.ElementNode,
		Data:         local,
		NamespaceURI: parent.NamespaceURI,
	}
	xmlquery.AddChild(el, &xmlquery.Node{Type: xmlquery.TextNode, Data: text})
	xmlquery.AddChild(parent, el)
	return el
}
