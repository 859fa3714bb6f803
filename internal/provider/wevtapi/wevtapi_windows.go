//go:build windows && (amd64 || arm64)

package wevtapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/oicur0t/winevt-tailer/internal/provider"
)

// MaxWaitObjects is MAXIMUM_WAIT_OBJECTS
const MaxWaitObjects = 64

// waitSlice bounds one WaitForMultipleObjects call so ctx is honored
const waitSlice = 200 * time.Millisecond

// Bookmark wraps an EVT_HANDLE bookmark. It is updated in place.
type Bookmark struct {
	h     evtHandle
	empty bool
}

// Provider reads the local Windows Event Log
type Provider struct {
	logger *zap.Logger

	mu         sync.Mutex
	publishers map[string]evtHandle // publisher metadata by provider name
	signals    []windows.Handle
	bookmarks  []*Bookmark
}

var _ provider.Provider = (*Provider)(nil)

// Open loads wevtapi.dll and returns the Windows Event Log provider
func Open(logger *zap.Logger) (provider.Provider, error) {
	if err := modwevtapi.Load(); err != nil {
		return nil, fmt.Errorf("failed to load wevtapi.dll: %w", err)
	}
	return &Provider{
		logger:     logger.Named("wevtapi"),
		publishers: make(map[string]evtHandle),
	}, nil
}

func (p *Provider) MaxWaitObjects() int {
	return MaxWaitObjects
}

// NewSignal creates an auto-reset, initially unset event object
func (p *Provider) NewSignal() (provider.Signal, error) {
	h, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("CreateEvent: %w", err)
	}
	p.mu.Lock()
	p.signals = append(p.signals, h)
	p.mu.Unlock()
	return h, nil
}

func (p *Provider) Wait(ctx context.Context, signals []provider.Signal, timeout time.Duration) (int, error) {
	handles := make([]windows.Handle, len(signals))
	for i, s := range signals {
		h, ok := s.(windows.Handle)
		if !ok {
			return -1, fmt.Errorf("signal %d: unsupported type %T", i, s)
		}
		handles[i] = h
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return -1, nil
		}
		if left > waitSlice {
			left = waitSlice
		}
		ev, err := windows.WaitForMultipleObjects(handles, false, uint32(left/time.Millisecond))
		if err != nil {
			return -1, fmt.Errorf("WaitForMultipleObjects: %w", err)
		}
		if ev == uint32(windows.WAIT_TIMEOUT) {
			continue
		}
		if idx := int(ev - windows.WAIT_OBJECT_0); idx >= 0 && idx < len(handles) {
			return idx, nil
		}
		return -1, fmt.Errorf("WaitForMultipleObjects: unexpected result %#x", ev)
	}
}

func isStale(err error) bool {
	return errors.Is(err, errorNotFound) ||
		errors.Is(err, errorEvtQueryResultStale) ||
		errors.Is(err, errorEvtQueryResultInvalidPos)
}

func (p *Provider) Subscribe(channel, query string, start provider.Start, signal provider.Signal) (provider.Subscription, error) {
	h, ok := signal.(windows.Handle)
	if !ok {
		return nil, fmt.Errorf("subscribe %s: unsupported signal %T", channel, signal)
	}

	var flags uint32
	var bookmark evtHandle
	switch start.Mode {
	case provider.StartFuture:
		flags = evtSubscribeToFutureEvents
	case provider.StartOldest:
		flags = evtSubscribeStartAtOldestRecord
	case provider.StartAfterBookmark:
		bm, ok := start.Bookmark.(*Bookmark)
		if !ok || bm == nil || bm.empty {
			return nil, fmt.Errorf("subscribe %s: %w", channel, provider.ErrStaleBookmark)
		}
		flags = evtSubscribeStartAfterBookmark | evtSubscribeStrict
		bookmark = bm.h
	default:
		return nil, fmt.Errorf("subscribe %s: unknown start mode %d", channel, start.Mode)
	}

	sub, err := evtSubscribe(h, channel, query, bookmark, flags)
	if err != nil {
		if start.Mode == provider.StartAfterBookmark && isStale(err) {
			return nil, fmt.Errorf("subscribe %s: %w: %v", channel, provider.ErrStaleBookmark, err)
		}
		return nil, fmt.Errorf("EvtSubscribe %s: %w", channel, err)
	}
	return &subscription{h: sub}, nil
}

// BookmarkBeforeEnd reads the channel newest-first and bookmarks the event
// just older than the n most recent ones.
func (p *Provider) BookmarkBeforeEnd(channel, query string, n int) (provider.Bookmark, error) {
	rs, err := evtQuery(channel, query, evtQueryChannelPath|evtQueryReverseDirection)
	if err != nil {
		return nil, fmt.Errorf("EvtQuery %s: %w", channel, err)
	}
	defer evtClose(rs)

	if n > 0 {
		if err := evtSeek(rs, int64(n), evtSeekRelativeToFirst); err != nil {
			if isStale(err) || errors.Is(err, errorNoMoreItems) {
				return nil, provider.ErrNotEnoughEvents
			}
			return nil, fmt.Errorf("EvtSeek %s: %w", channel, err)
		}
	}
	events := make([]evtHandle, 1)
	got, err := evtNext(rs, events, uint32(time.Second/time.Millisecond))
	if errors.Is(err, errorNoMoreItems) || (err == nil && got == 0) {
		return nil, provider.ErrNotEnoughEvents
	}
	if err != nil {
		return nil, fmt.Errorf("EvtNext %s: %w", channel, err)
	}
	defer evtClose(events[0])

	b, err := p.NewBookmark()
	if err != nil {
		return nil, err
	}
	return p.UpdateBookmark(b, events[0])
}

func (p *Provider) Render(ev provider.RawEvent) (string, error) {
	h, ok := ev.(evtHandle)
	if !ok {
		return "", fmt.Errorf("render: unsupported event %T", ev)
	}
	xml, err := evtRenderString(h, evtRenderEventXml)
	if err != nil {
		return "", fmt.Errorf("EvtRender: %w", err)
	}
	return xml, nil
}

func (p *Provider) Release(events []provider.RawEvent) {
	for _, ev := range events {
		if h, ok := ev.(evtHandle); ok {
			evtClose(h)
		}
	}
}

// FormatMessage looks up the event's publisher and formats its message
func (p *Provider) FormatMessage(ev provider.RawEvent) (string, error) {
	h, ok := ev.(evtHandle)
	if !ok {
		return "", provider.ErrNoMessage
	}
	xml, err := evtRenderString(h, evtRenderEventXml)
	if err != nil {
		return "", err
	}
	doc, err := xmlquery.Parse(strings.NewReader(xml))
	if err != nil {
		return "", err
	}
	node := xmlquery.FindOne(doc, "//*[local-name()='System']/*[local-name()='Provider']/@Name")
	if node == nil {
		return "", provider.ErrNoMessage
	}
	pub, err := p.publisher(node.InnerText())
	if err != nil {
		return "", err
	}
	msg, err := evtFormatEventMessage(pub, h)
	if errors.Is(err, errorEvtMessageNotFound) || errors.Is(err, errorEvtMessageIDNotFound) {
		return "", provider.ErrNoMessage
	}
	return msg, err
}

func (p *Provider) publisher(name string) (evtHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.publishers[name]; ok {
		if h == 0 {
			return 0, provider.ErrNoMessage
		}
		return h, nil
	}
	h, err := evtOpenPublisherMetadata(name)
	if err != nil {
		// remember publishers without metadata so they are not retried per event
		p.publishers[name] = 0
		p.logger.Debug("No publisher metadata", zap.String("publisher", name), zap.Error(err))
		return 0, provider.ErrNoMessage
	}
	p.publishers[name] = h
	return h, nil
}

// Channels lists channels the current user can subscribe to
func (p *Provider) Channels() ([]string, error) {
	enum, err := evtOpenChannelEnum()
	if err != nil {
		return nil, fmt.Errorf("EvtOpenChannelEnum: %w", err)
	}
	defer evtClose(enum)

	sig, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("CreateEvent: %w", err)
	}
	defer windows.CloseHandle(sig)

	var names []string
	for {
		name, err := evtNextChannelPath(enum)
		if err != nil {
			return nil, fmt.Errorf("EvtNextChannelPath: %w", err)
		}
		if name == "" {
			break
		}
		sub, err := evtSubscribe(sig, name, "", 0, evtSubscribeToFutureEvents)
		if err != nil {
			continue
		}
		evtClose(sub)
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Provider) NewBookmark() (provider.Bookmark, error) {
	h, err := evtCreateBookmark("")
	if err != nil {
		return nil, fmt.Errorf("EvtCreateBookmark: %w", err)
	}
	return p.track(&Bookmark{h: h, empty: true}), nil
}

// ParseBookmark accepts the bookmark XML rendered by FormatBookmark
func (p *Provider) ParseBookmark(token string) (provider.Bookmark, error) {
	if !strings.Contains(token, "<BookmarkList") {
		return nil, fmt.Errorf("%w: %q", provider.ErrInvalidBookmark, token)
	}
	h, err := evtCreateBookmark(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrInvalidBookmark, err)
	}
	return p.track(&Bookmark{h: h, empty: !strings.Contains(token, "<Bookmark ")}), nil
}

func (p *Provider) track(b *Bookmark) *Bookmark {
	p.mu.Lock()
	p.bookmarks = append(p.bookmarks, b)
	p.mu.Unlock()
	return b
}

func (p *Provider) UpdateBookmark(b provider.Bookmark, ev provider.RawEvent) (provider.Bookmark, error) {
	bm, ok := b.(*Bookmark)
	if !ok || bm == nil {
		return nil, fmt.Errorf("update bookmark: unsupported bookmark %T", b)
	}
	h, ok := ev.(evtHandle)
	if !ok {
		return nil, fmt.Errorf("update bookmark: unsupported event %T", ev)
	}
	if err := evtUpdateBookmark(bm.h, h); err != nil {
		return nil, fmt.Errorf("EvtUpdateBookmark: %w", err)
	}
	bm.empty = false
	return bm, nil
}

func (p *Provider) FormatBookmark(b provider.Bookmark) (string, error) {
	bm, ok := b.(*Bookmark)
	if !ok || bm == nil {
		return "", fmt.Errorf("format bookmark: unsupported bookmark %T", b)
	}
	if bm.empty {
		return "", nil
	}
	xml, err := evtRenderString(bm.h, evtRenderBookmark)
	if err != nil {
		return "", fmt.Errorf("EvtRender bookmark: %w", err)
	}
	return xml, nil
}

func (p *Provider) IsEmpty(b provider.Bookmark) bool {
	bm, ok := b.(*Bookmark)
	return !ok || bm == nil || bm.empty
}

// Close frees every handle the provider created
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range p.publishers {
		evtClose(h)
	}
	for _, b := range p.bookmarks {
		evtClose(b.h)
	}
	for _, s := range p.signals {
		windows.CloseHandle(s)
	}
	p.publishers = make(map[string]evtHandle)
	p.bookmarks = nil
	p.signals = nil
	return nil
}

type subscription struct {
	h evtHandle
}

func (s *subscription) Next(max int, timeout time.Duration) ([]provider.RawEvent, error) {
	handles := make([]evtHandle, max)
	n, err := evtNext(s.h, handles, uint32(timeout/time.Millisecond))
	if errors.Is(err, errorNoMoreItems) || errors.Is(err, errorTimeout) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("EvtNext: %w", err)
	}
	out := make([]provider.RawEvent, n)
	for i := 0; i < n; i++ {
		out[i] = handles[i]
	}
	return out, nil
}

func (s *subscription) Close() error {
	return evtClose(s.h)
}
