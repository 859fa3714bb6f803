// Package xmlfilter evaluates channel queries against rendered event XML
// for providers that have no native query engine.
package xmlfilter

import (
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/oicur0t/winevt-tailer/internal/query"
)

// Filter matches rendered events against one compiled query
type Filter struct {
	expr  *xpath.Expr
	isAll bool
}

// New compiles q. The match-all query never parses event XML.
func New(q string) (*Filter, error) {
	if strings.TrimSpace(q) == query.All {
		return &Filter{isAll: true}, nil
	}
	expr, err := query.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("compile query: %w", err)
	}
	return &Filter{expr: expr}, nil
}

// Match reports whether the event XML is selected by the query
func (f *Filter) Match(eventXML string) (bool, error) {
	if f.isAll {
		return true, nil
	}
	doc, err := xmlquery.Parse(strings.NewReader(eventXML))
	if err != nil {
		return false, fmt.Errorf("parse event: %w", err)
	}
	return xmlquery.QuerySelector(doc, f.expr) != nil, nil
}

// MatchStrict is Match that also parses under the match-all query, so
// malformed XML is reported whatever the query.
func (f *Filter) MatchStrict(eventXML string) (bool, error) {
	if !f.isAll {
		return f.Match(eventXML)
	}
	if _, err := xmlquery.Parse(strings.NewReader(eventXML)); err != nil {
		return false, fmt.Errorf("parse event: %w", err)
	}
	return true, nil
}
