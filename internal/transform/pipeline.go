// Package transform implements the per-event transform chain.
//
// A channel's effective chain is its own transforms followed by the shared
// tailer transforms. Any transform may drop the event by returning nil,
// which stops the chain. The chain has no implicit serialization: the event
// must have been rendered to a line by the time the chain ends.
package transform

import (
	"errors"
	"fmt"

	"github.com/oicur0t/winevt-tailer/internal/provider"
)

// ErrNotRendered is returned when an event leaves the chain still a tree
var ErrNotRendered = errors.New("event was not rendered to a line by the transform chain")

// Context is scratch state shared by every transform call of one tailer
type Context map[string]any

// Func transforms one event. Returning a nil event drops it.
type Func func(ctx Context, raw provider.RawEvent, ev *Event) (*Event, error)

// Pipeline is the effective transform chain of one channel
type Pipeline struct {
	Channel []Func
	Shared  []Func
}

// Run applies the channel transforms, then the shared ones. It returns the
// output line, or dropped=true when a transform dropped the event.
func (p Pipeline) Run(ctx Context, raw provider.RawEvent, ev *Event) (line string, dropped bool, err error) {
	for _, stage := range [][]Func{p.Channel, p.Shared} {
		for i, fn := range stage {
			ev, err = fn(ctx, raw, ev)
			if err != nil {
				return "", false, fmt.Errorf("transform %d: %w", i, err)
			}
			if ev == nil {
				return "", true, nil
			}
		}
	}
	if !ev.Rendered {
		return "", false, ErrNotRendered
	}
	return ev.Line, false, nil
}
