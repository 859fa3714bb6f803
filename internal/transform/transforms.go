package transform

import (
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/oicur0t/winevt-tailer/internal/provider"
)

const (
	// LastEventKey is the context entry holding the most recent event tree
	LastEventKey = "last_event"

	messageElement = "Message"
)

// payloadElements hold an event's raw structured data
var payloadElements = []string{"EventData", "UserData"}

// RemoveBinary deletes every <Binary> element. It never drops.
func RemoveBinary(ctx Context, _ provider.RawEvent, ev *Event) (*Event, error) {
	root := ev.Root()
	if root == nil {
		return ev, nil
	}
	ctx[LastEventKey] = ev
	for _, bin := range descendants(root, "Binary") {
		xmlquery.RemoveFromTree(bin)
	}
	return ev, nil
}

// RenderMessage returns a transform that asks the provider for the event's
// formatted message and appends it as <Message>. Any lookup failure leaves
// the event untouched.
func RenderMessage(messages provider.MessageFormatter) Func {
	return func(_ Context, raw provider.RawEvent, ev *Event) (*Event, error) {
		root := ev.Root()
		if root == nil || messages == nil || raw == nil {
			return ev, nil
		}
		msg, err := messages.FormatMessage(raw)
		if err != nil {
			return ev, nil
		}
		msg = strings.TrimRight(msg, "\r\n ")
		if msg == "" {
			return ev, nil
		}
		appendTextElement(root, messageElement, msg)
		return ev, nil
	}
}

// RemoveEventData deletes the payload sections, but only when a rendered
// message already carries the event's information.
func RemoveEventData(_ Context, _ provider.RawEvent, ev *Event) (*Event, error) {
	root := ev.Root()
	if root == nil || !hasMessage(root) {
		return ev, nil
	}
	for _, name := range payloadElements {
		for _, el := range children(root, name) {
			xmlquery.RemoveFromTree(el)
		}
	}
	return ev, nil
}

// ToJSON renders the event tree as one line of JSON
func ToJSON(_ Context, _ provider.RawEvent, ev *Event) (*Event, error) {
	if ev.Rendered {
		return ev, nil
	}
	root := ev.Root()
	if root == nil {
		return ev, nil
	}
	ev.SetLine(TreeToJSON(root))
	return ev, nil
}

func hasMessage(root *xmlquery.Node) bool {
	for _, m := range children(root, messageElement) {
		if strings.TrimSpace(m.InnerText()) != "" {
			return true
		}
	}
	return false
}
