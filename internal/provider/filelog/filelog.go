// Package filelog reads event channels from a directory of text files, one
// file per channel and one rendered XML event per line. Files are followed
// with nxadm/tail, so events appended by another process are delivered live.
//
// A channel named "Microsoft-Windows-Sysmon/Operational" lives in
// "Microsoft-Windows-Sysmon%4Operational.log", the same escaping Windows
// uses for .evtx file names.
package filelog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/nxadm/tail"
	"go.uber.org/zap"

	"github.com/oicur0t/winevt-tailer/internal/provider"
	"github.com/oicur0t/winevt-tailer/internal/provider/xmlfilter"
)

const (
	// MaxWaitObjects keeps channel limits identical to the Windows provider
	MaxWaitObjects = 64

	fileExt = ".log"

	// queued events per subscription before the reader blocks
	queueSize = 1000
)

var nameEscaper = strings.NewReplacer("/", "%4")
var nameUnescaper = strings.NewReplacer("%4", "/")

// Event is one line of a channel file
type Event struct {
	Channel string
	Start   int64 // offset of the first byte of the line
	End     int64 // offset just past the line terminator
	XML     string
}

// Bookmark is the offset of the next unread byte of a channel file. A
// bookmark without a channel is empty.
type Bookmark struct {
	Channel string
	Offset  int64
}

// Provider serves channel files from one directory
type Provider struct {
	dir    string
	poll   bool
	logger *zap.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New serves channels from dir. With poll set, files are polled instead of
// watched with filesystem notifications.
func New(dir string, poll bool, logger *zap.Logger) *Provider {
	return &Provider{dir: dir, poll: poll, logger: logger.Named("filelog")}
}

// Path returns the file holding a channel
func (p *Provider) Path(channel string) string {
	return filepath.Join(p.dir, nameEscaper.Replace(channel)+fileExt)
}

func (p *Provider) MaxWaitObjects() int {
	return MaxWaitObjects
}

func (p *Provider) NewSignal() (provider.Signal, error) {
	return provider.NewChanSignal(), nil
}

func (p *Provider) Wait(ctx context.Context, signals []provider.Signal, timeout time.Duration) (int, error) {
	return provider.WaitChans(ctx, signals, timeout)
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// atLineStart reports whether offset begins a line of the file
func atLineStart(path string, offset int64) (bool, error) {
	if offset == 0 {
		return true, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, offset-1); err != nil {
		return false, err
	}
	return b[0] == '\n', nil
}

func (p *Provider) Subscribe(channel, q string, start provider.Start, signal provider.Signal) (provider.Subscription, error) {
	sig, ok := signal.(provider.ChanSignal)
	if !ok {
		return nil, fmt.Errorf("subscribe %s: unsupported signal %T", channel, signal)
	}
	filter, err := xmlfilter.New(q)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	path := p.Path(channel)
	size, err := fileSize(path)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	var offset int64
	switch start.Mode {
	case provider.StartFuture:
		offset = size
		if offset > 0 {
			// a partially written last line is not yet an event
			if ok, err := atLineStart(path, offset); err == nil && !ok {
				if offset, err = lastLineStart(path); err != nil {
					return nil, fmt.Errorf("subscribe %s: %w", channel, err)
				}
			}
		}
	case provider.StartOldest:
		offset = 0
	case provider.StartAfterBookmark:
		bm, ok := start.Bookmark.(*Bookmark)
		if !ok || bm == nil || bm.Channel != channel || bm.Offset < 0 || bm.Offset > size {
			return nil, fmt.Errorf("subscribe %s: %w", channel, provider.ErrStaleBookmark)
		}
		if ok, err := atLineStart(path, bm.Offset); err != nil || !ok {
			return nil, fmt.Errorf("subscribe %s: %w", channel, provider.ErrStaleBookmark)
		}
		offset = bm.Offset
	default:
		return nil, fmt.Errorf("subscribe %s: unknown start mode %d", channel, start.Mode)
	}

	tl, err := tail.TailFile(path, tail.Config{
		Location:  &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		ReOpen:    true,
		MustExist: false,
		Poll:      p.poll,
		Follow:    true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to tail file %s: %w", path, err)
	}

	s := &subscription{
		channel: channel,
		path:    path,
		filter:  filter,
		signal:  sig,
		tail:    tl,
		events:  make(chan *Event, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  p.logger.With(zap.String("channel", channel)),
	}
	s.read.Store(offset)
	go s.pump(offset)

	p.logger.Debug("Subscribed to channel file",
		zap.String("file", path),
		zap.Int64("offset", offset),
		zap.Stringer("start", start.Mode))
	return s, nil
}

// lastLineStart returns the offset just past the last line terminator
func lastLineStart(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var offset, end int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		offset += int64(len(line))
		if err == io.EOF {
			return end, nil
		}
		if err != nil {
			return 0, err
		}
		end = offset
	}
}

// BookmarkBeforeEnd scans the channel file for the n most recent matching
// lines and returns the position just before the first of them.
func (p *Provider) BookmarkBeforeEnd(channel, q string, n int) (provider.Bookmark, error) {
	filter, err := xmlfilter.New(q)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p.Path(channel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, provider.ErrNotEnoughEvents
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// starts of the last n matching lines
	ring := make([]int64, n)
	matched := 0
	var offset int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start := offset
		offset += int64(len(line))
		ok, err := filter.MatchStrict(trimLine(line))
		if err != nil {
			p.logger.Warn("Skipping unparsable line", zap.String("channel", channel), zap.Int64("offset", start), zap.Error(err))
			continue
		}
		if ok {
			if n > 0 {
				ring[matched%n] = start
			}
			matched++
		}
	}
	if matched <= n {
		return nil, provider.ErrNotEnoughEvents
	}
	if n == 0 {
		return &Bookmark{Channel: channel, Offset: offset}, nil
	}
	return &Bookmark{Channel: channel, Offset: ring[matched%n]}, nil
}

func trimLine(line string) string {
	return strings.TrimRight(line, "\r\n")
}

func (p *Provider) Render(ev provider.RawEvent) (string, error) {
	e, ok := ev.(*Event)
	if !ok {
		return "", fmt.Errorf("render: unsupported event %T", ev)
	}
	return e.XML, nil
}

func (p *Provider) Release([]provider.RawEvent) {}

// FormatMessage returns the message Windows embedded in the event when it
// was exported with rendering info.
func (p *Provider) FormatMessage(ev provider.RawEvent) (string, error) {
	e, ok := ev.(*Event)
	if !ok {
		return "", provider.ErrNoMessage
	}
	doc, err := xmlquery.Parse(strings.NewReader(e.XML))
	if err != nil {
		return "", provider.ErrNoMessage
	}
	msg := xmlquery.FindOne(doc, "//*[local-name()='RenderingInfo']/*[local-name()='Message']")
	if msg == nil || strings.TrimSpace(msg.InnerText()) == "" {
		return "", provider.ErrNoMessage
	}
	return msg.InnerText(), nil
}

// Channels lists the channel files of the directory
func (p *Provider) Channels() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		names = append(names, nameUnescaper.Replace(strings.TrimSuffix(e.Name(), fileExt)))
	}
	sort.Strings(names)
	return names, nil
}

func (p *Provider) NewBookmark() (provider.Bookmark, error) {
	return &Bookmark{}, nil
}

// ParseBookmark accepts tokens of the form "<offset>@<channel>"
func (p *Provider) ParseBookmark(token string) (provider.Bookmark, error) {
	offStr, channel, ok := strings.Cut(token, "@")
	if !ok || channel == "" {
		return nil, fmt.Errorf("%w: %q", provider.ErrInvalidBookmark, token)
	}
	offset, err := strconv.ParseInt(offStr, 10, 64)
	if err != nil || offset < 0 {
		return nil, fmt.Errorf("%w: %q", provider.ErrInvalidBookmark, token)
	}
	return &Bookmark{Channel: channel, Offset: offset}, nil
}

func (p *Provider) UpdateBookmark(_ provider.Bookmark, ev provider.RawEvent) (provider.Bookmark, error) {
	e, ok := ev.(*Event)
	if !ok {
		return nil, fmt.Errorf("update bookmark: unsupported event %T", ev)
	}
	return &Bookmark{Channel: e.Channel, Offset: e.End}, nil
}

func (p *Provider) FormatBookmark(b provider.Bookmark) (string, error) {
	bm, ok := b.(*Bookmark)
	if !ok || bm == nil {
		return "", fmt.Errorf("format bookmark: unsupported bookmark %T", b)
	}
	if bm.Channel == "" {
		return "", nil
	}
	return strconv.FormatInt(bm.Offset, 10) + "@" + bm.Channel, nil
}

func (p *Provider) IsEmpty(b provider.Bookmark) bool {
	bm, ok := b.(*Bookmark)
	return !ok || bm == nil || bm.Channel == ""
}

func (p *Provider) Close() error {
	return nil
}

type subscription struct {
	channel string
	path    string
	filter  *xmlfilter.Filter
	signal  provider.ChanSignal
	tail    *tail.Tail
	logger  *zap.Logger

	events  chan *Event
	read    atomic.Int64 // bytes of the file the reader has consumed
	errMu   sync.Mutex
	err     error
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// pump turns tailed lines into events. Lines the query rejects only move
// the read position forward.
func (s *subscription) pump(offset int64) {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case line, ok := <-s.tail.Lines:
			if !ok {
				if err := s.tail.Err(); err != nil {
					s.fail(fmt.Errorf("tail %s: %w", s.path, err))
				}
				return
			}
			if line.Err != nil {
				s.fail(fmt.Errorf("read %s: %w", s.path, line.Err))
				return
			}

			start := offset
			offset += int64(len(line.Text)) + 1
			text := strings.TrimRight(line.Text, "\r")
			ok, err := s.filter.MatchStrict(text)
			if err != nil {
				s.logger.Warn("Skipping unparsable line", zap.String("channel", s.channel), zap.Int64("offset", start), zap.Error(err))
			}
			if ok {
				ev := &Event{Channel: s.channel, Start: start, End: offset, XML: text}
				select {
				case s.events <- ev:
				case <-s.done:
					return
				}
				s.signal.Raise()
			}
			s.read.Store(offset)
		}
	}
}

func (s *subscription) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.signal.Raise()
}

func (s *subscription) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// caughtUp reports whether every complete line on disk has been read
func (s *subscription) caughtUp() bool {
	size, err := fileSize(s.path)
	if err != nil {
		return true
	}
	return s.read.Load() >= size
}

// Next returns queued events. While the reader is still behind the end of
// the file it waits up to timeout for the first one.
func (s *subscription) Next(max int, timeout time.Duration) ([]provider.RawEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []provider.RawEvent
	for len(out) < max {
		select {
		case ev := <-s.events:
			out = append(out, ev)
			continue
		default:
		}
		if len(out) > 0 {
			break
		}
		if err := s.failure(); err != nil {
			return nil, err
		}
		if s.caughtUp() {
			break
		}
		select {
		case ev := <-s.events:
			out = append(out, ev)
		case <-s.stopped:
			return nil, s.failure()
		case <-timer.C:
			return nil, nil
		}
	}
	return out, nil
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.tail.Stop()
		s.tail.Cleanup()
		<-s.stopped
	})
	return err
}
