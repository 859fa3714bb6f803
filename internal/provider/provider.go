// Package provider defines the event log capability the tailer consumes.
//
// Events, bookmarks and wait signals are opaque to the tailer. Each
// implementation decides what they are: native handles for the Windows
// Event Log, offsets for file-backed logs, plain structs in memory.
package provider

import (
	"context"
	"errors"
	"time"
)

// RawEvent is a provider-native event handle
type RawEvent interface{}

// Bookmark is a provider-native position token
type Bookmark interface{}

// Signal is a waitable "new data available" notification bound to one subscription
type Signal interface{}

var (
	// ErrStaleBookmark is returned by Subscribe when the log no longer
	// contains the bookmarked position (cleared, rotated or foreign).
	ErrStaleBookmark = errors.New("bookmark position is not available")

	// ErrNotEnoughEvents is returned by BookmarkBeforeEnd when the channel
	// holds fewer events than requested.
	ErrNotEnoughEvents = errors.New("channel holds fewer events than requested")

	// ErrNoMessage is returned by FormatMessage when no message text exists
	ErrNoMessage = errors.New("no message for event")

	// ErrInvalidBookmark is returned by ParseBookmark for malformed tokens
	ErrInvalidBookmark = errors.New("invalid bookmark token")
)

// StartMode selects where a new subscription begins
type StartMode int

const (
	// StartFuture delivers only events that arrive after subscribing
	StartFuture StartMode = iota
	// StartOldest delivers every event still held by the channel
	StartOldest
	// StartAfterBookmark delivers events strictly after Start.Bookmark
	StartAfterBookmark
)

func (m StartMode) String() string {
	switch m {
	case StartFuture:
		return "future"
	case StartOldest:
		return "oldest"
	case StartAfterBookmark:
		return "after-bookmark"
	default:
		return "unknown"
	}
}

// Start is the initial position of a subscription
type Start struct {
	Mode     StartMode
	Bookmark Bookmark
}

// Subscription is a forward-ordered, query-filtered cursor over one channel
// that signals its Signal whenever new events become available.
type Subscription interface {
	// Next returns up to max events. An empty result means the
	// subscription is caught up for now, not that it is exhausted.
	Next(max int, timeout time.Duration) ([]RawEvent, error)
	Close() error
}

// BookmarkCodec creates, advances and (de)serializes bookmarks
type BookmarkCodec interface {
	NewBookmark() (Bookmark, error)
	ParseBookmark(token string) (Bookmark, error)
	UpdateBookmark(b Bookmark, ev RawEvent) (Bookmark, error)
	FormatBookmark(b Bookmark) (string, error)
	// IsEmpty reports whether b has never been advanced
	IsEmpty(b Bookmark) bool
}

// MessageFormatter renders the human-readable message of an event
type MessageFormatter interface {
	FormatMessage(ev RawEvent) (string, error)
}

// Provider is the full log capability
type Provider interface {
	BookmarkCodec
	MessageFormatter

	// MaxWaitObjects is the most signals Wait can multiplex
	MaxWaitObjects() int
	NewSignal() (Signal, error)
	// Wait blocks until one of signals fires, ctx is done or timeout
	// elapses. It returns the index of the signaled entry, or -1 on timeout.
	Wait(ctx context.Context, signals []Signal, timeout time.Duration) (int, error)

	Subscribe(channel, query string, start Start, signal Signal) (Subscription, error)
	// BookmarkBeforeEnd returns a bookmark such that subscribing after it
	// replays the n most recent matching events.
	BookmarkBeforeEnd(channel, query string, n int) (Bookmark, error)
	// Render converts an event to its XML representation
	Render(ev RawEvent) (string, error)
	// Release frees events returned by Subscription.Next
	Release(events []RawEvent)
	// Channels lists channel names that can be subscribed to
	Channels() ([]string, error)

	Close() error
}
