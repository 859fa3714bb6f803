// Package query validates event channel filter expressions.
//
// Channel queries use the Event Log XPath 1.0 subset. Two functions of that
// subset, timediff() and band(), are not part of XPath 1.0 and are rewritten
// to an arity-compatible core function before the expression is compiled.
package query

import (
	"regexp"
	"strings"

	"github.com/antchfx/xpath"

	"github.com/oicur0t/winevt-tailer/internal/errs"
)

// All matches every event of a channel
const All = "*"

var extensionCall = regexp.MustCompile(`(^|[^\w.\-:])(timediff|band)\s*\(`)

// IsValid reports whether q is a syntactically valid channel query
func IsValid(q string) bool {
	if strings.TrimSpace(q) == "" {
		return false
	}
	_, err := Compile(q)
	return err == nil
}

// Validate returns a configuration error when q is not a valid query
func Validate(q string) error {
	if !IsValid(q) {
		return errs.Config("channel query is not valid xpath: %q", q)
	}
	return nil
}

// Compile compiles q for evaluation against rendered event trees. Extension
// functions compile to concat(), which keeps the expression shape but not
// the Event Log semantics of those functions.
func Compile(q string) (expr *xpath.Expr, err error) {
	defer func() {
		if r := recover(); r != nil {
			expr = nil
			err = errs.Config("channel query %q: %v", q, r)
		}
	}()
	return xpath.Compile(rewriteExtensions(q))
}

func rewriteExtensions(q string) string {
	return extensionCall.ReplaceAllString(q, "${1}concat(0,")
}
