// Package memlog is an in-memory event log provider. Channels are created on
// first use, events are injected with Append and every subscription on the
// channel is signaled.
package memlog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oicur0t/winevt-tailer/internal/provider"
	"github.com/oicur0t/winevt-tailer/internal/provider/xmlfilter"
)

// DefaultMaxWaitObjects matches the Windows wait-handle ceiling
const DefaultMaxWaitObjects = 64

// Event is one stored event
type Event struct {
	Channel string
	Seq     uint64
	XML     string
	Message string
}

// Bookmark is the sequence number of the last consumed event; Seq 0 is empty
type Bookmark struct {
	Channel string
	Seq     uint64
}

type channel struct {
	first  uint64 // seq of events[0]
	next   uint64 // seq the next appended event receives
	events []*Event
	subs   map[*subscription]struct{}
	err    error
}

// Provider is a provider.Provider held entirely in memory
type Provider struct {
	mu       sync.Mutex
	channels map[string]*channel
	maxWait  int
}

var _ provider.Provider = (*Provider)(nil)

// New creates an empty in-memory log
func New() *Provider {
	return &Provider{
		channels: make(map[string]*channel),
		maxWait:  DefaultMaxWaitObjects,
	}
}

// SetMaxWaitObjects overrides the wait-object ceiling
func (p *Provider) SetMaxWaitObjects(n int) {
	p.maxWait = n
}

func (p *Provider) channelLocked(name string) *channel {
	ch, ok := p.channels[name]
	if !ok {
		ch = &channel{first: 1, next: 1, subs: make(map[*subscription]struct{})}
		p.channels[name] = ch
	}
	return ch
}

// AddChannel makes an empty channel visible to Channels
func (p *Provider) AddChannel(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channelLocked(name)
}

// Append stores an event and signals the channel's subscribers
func (p *Provider) Append(channelName, eventXML string) uint64 {
	return p.AppendWithMessage(channelName, eventXML, "")
}

// AppendWithMessage stores an event whose FormatMessage result is message
func (p *Provider) AppendWithMessage(channelName, eventXML, message string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := p.channelLocked(channelName)
	ev := &Event{Channel: channelName, Seq: ch.next, XML: eventXML, Message: message}
	ch.events = append(ch.events, ev)
	ch.next++
	for sub := range ch.subs {
		sub.signal.Raise()
	}
	return ev.Seq
}

// Clear drops every stored event of a channel, like clearing a Windows log
func (p *Provider) Clear(channelName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := p.channelLocked(channelName)
	ch.events = nil
	ch.first = ch.next
}

// FailFetches makes every subsequent Next on the channel return err
func (p *Provider) FailFetches(channelName string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := p.channelLocked(channelName)
	ch.err = err
	for sub := range ch.subs {
		sub.signal.Raise()
	}
}

// Subscribers returns the number of open subscriptions on a channel
func (p *Provider) Subscribers(channelName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.channels[channelName]; ok {
		return len(ch.subs)
	}
	return 0
}

func (p *Provider) MaxWaitObjects() int {
	return p.maxWait
}

func (p *Provider) NewSignal() (provider.Signal, error) {
	return provider.NewChanSignal(), nil
}

func (p *Provider) Wait(ctx context.Context, signals []provider.Signal, timeout time.Duration) (int, error) {
	return provider.WaitChans(ctx, signals, timeout)
}

func (p *Provider) Subscribe(channelName, q string, start provider.Start, signal provider.Signal) (provider.Subscription, error) {
	sig, ok := signal.(provider.ChanSignal)
	if !ok {
		return nil, fmt.Errorf("subscribe %s: unsupported signal %T", channelName, signal)
	}
	filter, err := xmlfilter.New(q)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channelName, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch := p.channelLocked(channelName)
	sub := &subscription{p: p, ch: ch, filter: filter, signal: sig}
	switch start.Mode {
	case provider.StartFuture:
		sub.next = ch.next
	case provider.StartOldest:
		sub.next = ch.first
	case provider.StartAfterBookmark:
		bm, ok := start.Bookmark.(*Bookmark)
		if !ok || bm == nil || bm.Channel != channelName || bm.Seq+1 < ch.first || bm.Seq >= ch.next {
			return nil, fmt.Errorf("subscribe %s: %w", channelName, provider.ErrStaleBookmark)
		}
		sub.next = bm.Seq + 1
	default:
		return nil, fmt.Errorf("subscribe %s: unknown start mode %d", channelName, start.Mode)
	}
	ch.subs[sub] = struct{}{}
	if sub.next < ch.next {
		sig.Raise()
	}
	return sub, nil
}

func (p *Provider) BookmarkBeforeEnd(channelName, q string, n int) (provider.Bookmark, error) {
	filter, err := xmlfilter.New(q)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch := p.channelLocked(channelName)
	var matched []*Event
	for _, ev := range ch.events {
		ok, err := filter.Match(ev.XML)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, ev)
		}
	}
	if len(matched) <= n {
		return nil, provider.ErrNotEnoughEvents
	}
	return &Bookmark{Channel: channelName, Seq: matched[len(matched)-n-1].Seq}, nil
}

func (p *Provider) Render(ev provider.RawEvent) (string, error) {
	e, ok := ev.(*Event)
	if !ok {
		return "", fmt.Errorf("render: unsupported event %T", ev)
	}
	return e.XML, nil
}

func (p *Provider) Release([]provider.RawEvent) {}

func (p *Provider) FormatMessage(ev provider.RawEvent) (string, error) {
	e, ok := ev.(*Event)
	if !ok || e.Message == "" {
		return "", provider.ErrNoMessage
	}
	return e.Message, nil
}

func (p *Provider) Channels() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.channels))
	for name := range p.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Provider) NewBookmark() (provider.Bookmark, error) {
	return &Bookmark{}, nil
}

// ParseBookmark accepts tokens of the form "<seq>@<channel>"
func (p *Provider) ParseBookmark(token string) (provider.Bookmark, error) {
	seqStr, name, ok := strings.Cut(token, "@")
	if !ok {
		return nil, fmt.Errorf("%w: %q", provider.ErrInvalidBookmark, token)
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", provider.ErrInvalidBookmark, token)
	}
	return &Bookmark{Channel: name, Seq: seq}, nil
}

func (p *Provider) UpdateBookmark(b provider.Bookmark, ev provider.RawEvent) (provider.Bookmark, error) {
	e, ok := ev.(*Event)
	if !ok {
		return nil, fmt.Errorf("update bookmark: unsupported event %T", ev)
	}
	return &Bookmark{Channel: e.Channel, Seq: e.Seq}, nil
}

func (p *Provider) FormatBookmark(b provider.Bookmark) (string, error) {
	bm, ok := b.(*Bookmark)
	if !ok || bm == nil {
		return "", fmt.Errorf("format bookmark: unsupported bookmark %T", b)
	}
	if bm.Seq == 0 {
		return "", nil
	}
	return fmt.Sprintf("%d@%s", bm.Seq, bm.Channel), nil
}

func (p *Provider) IsEmpty(b provider.Bookmark) bool {
	bm, ok := b.(*Bookmark)
	return !ok || bm == nil || bm.Seq == 0
}

func (p *Provider) Close() error {
	return nil
}

type subscription struct {
	p      *Provider
	ch     *channel
	filter *xmlfilter.Filter
	signal provider.ChanSignal
	next   uint64
}

func (s *subscription) Next(max int, _ time.Duration) ([]provider.RawEvent, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()

	if s.ch.err != nil {
		return nil, s.ch.err
	}
	if s.next < s.ch.first {
		s.next = s.ch.first
	}

	var out []provider.RawEvent
	for s.next < s.ch.next && len(out) < max {
		ev := s.ch.events[s.next-s.ch.first]
		s.next++
		ok, err := s.filter.Match(ev.XML)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *subscription) Close() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	delete(s.ch.subs, s)
	return nil
}
