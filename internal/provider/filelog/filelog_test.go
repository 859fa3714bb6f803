package filelog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oicur0t/winevt-tailer/internal/provider"
)

func line(id, level int) string {
	return fmt.Sprintf(`<Event><System><EventRecordID>%d</EventRecordID><Level>%d</Level></System></Event>`, id, level)
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func newProvider(t *testing.T) *Provider {
	t.Helper()
	return New(t.TempDir(), true, zap.NewNop())
}

func subscribe(t *testing.T, p *Provider, channel, q string, start provider.Start) (provider.Subscription, provider.Signal) {
	t.Helper()
	sig, err := p.NewSignal()
	require.NoError(t, err)
	sub, err := p.Subscribe(channel, q, start, sig)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return sub, sig
}

// drain reads until the subscription reports it is caught up
func drain(t *testing.T, sub provider.Subscription) []*Event {
	t.Helper()
	var out []*Event
	for {
		batch, err := sub.Next(100, 2*time.Second)
		require.NoError(t, err)
		if len(batch) == 0 {
			return out
		}
		for _, e := range batch {
			out = append(out, e.(*Event))
		}
	}
}

func xmls(events []*Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.XML
	}
	return out
}

func TestReplayFromOldest(t *testing.T) {
	p := newProvider(t)
	writeLines(t, p.Path("Application"), line(1, 2), line(2, 4), line(3, 2))

	sub, _ := subscribe(t, p, "Application", "*", provider.Start{Mode: provider.StartOldest})
	events := drain(t, sub)
	assert.Equal(t, []string{line(1, 2), line(2, 4), line(3, 2)}, xmls(events))
	assert.Equal(t, int64(0), events[0].Start)
	assert.Equal(t, events[0].End, events[1].Start)
}

func TestQueryFiltersLines(t *testing.T) {
	p := newProvider(t)
	writeLines(t, p.Path("System"), line(1, 2), line(2, 4), line(3, 2))

	sub, _ := subscribe(t, p, "System", "*[System/Level=2]", provider.Start{Mode: provider.StartOldest})
	assert.Equal(t, []string{line(1, 2), line(3, 2)}, xmls(drain(t, sub)))
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	for _, q := range []string{"*", "*[System/Level=2]"} {
		t.Run(q, func(t *testing.T) {
			p := newProvider(t)
			path := p.Path("Application")
			writeLines(t, path, "<Event><broken", line(1, 2), line(2, 2))

			sub, _ := subscribe(t, p, "Application", q, provider.Start{Mode: provider.StartOldest})
			events := drain(t, sub)
			assert.Equal(t, []string{line(1, 2), line(2, 2)}, xmls(events))
			assert.Equal(t, int64(len("<Event><broken\n")), events[0].Start)

			bm, err := p.BookmarkBeforeEnd("Application", q, 1)
			require.NoError(t, err)
			assert.Equal(t, events[1].Start, bm.(*Bookmark).Offset)
		})
	}
}

func TestFollowSignalsNewLines(t *testing.T) {
	p := newProvider(t)
	path := p.Path("Application")
	writeLines(t, path, line(1, 2))

	sub, sig := subscribe(t, p, "Application", "*", provider.Start{Mode: provider.StartFuture})
	assert.Empty(t, drain(t, sub))

	writeLines(t, path, line(2, 2))
	idx, err := p.Wait(context.Background(), []provider.Signal{sig}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, []string{line(2, 2)}, xmls(drain(t, sub)))
}

func TestResumeAfterBookmark(t *testing.T) {
	p := newProvider(t)
	path := p.Path("Application")
	writeLines(t, path, line(1, 2), line(2, 2))

	sub, _ := subscribe(t, p, "Application", "*", provider.Start{Mode: provider.StartOldest})
	events := drain(t, sub)
	require.Len(t, events, 2)

	empty, err := p.NewBookmark()
	require.NoError(t, err)
	bm, err := p.UpdateBookmark(empty, events[1])
	require.NoError(t, err)
	token, err := p.FormatBookmark(bm)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	writeLines(t, path, line(3, 2))
	parsed, err := p.ParseBookmark(token)
	require.NoError(t, err)
	resumed, _ := subscribe(t, p, "Application", "*", provider.Start{Mode: provider.StartAfterBookmark, Bookmark: parsed})
	assert.Equal(t, []string{line(3, 2)}, xmls(drain(t, resumed)))
}

func TestStaleBookmark(t *testing.T) {
	p := newProvider(t)
	writeLines(t, p.Path("Application"), line(1, 2))
	sig, _ := p.NewSignal()

	for _, bm := range []provider.Bookmark{
		&Bookmark{Channel: "Application", Offset: 1 << 20}, // past the end, file was truncated
		&Bookmark{Channel: "Application", Offset: 5},       // not a line start
		&Bookmark{Channel: "System", Offset: 0},
		"foreign",
	} {
		_, err := p.Subscribe("Application", "*", provider.Start{Mode: provider.StartAfterBookmark, Bookmark: bm}, sig)
		assert.ErrorIs(t, err, provider.ErrStaleBookmark, "%v", bm)
	}
}

func TestBookmarkBeforeEnd(t *testing.T) {
	p := newProvider(t)
	path := p.Path("Application")
	writeLines(t, path, line(1, 2), line(2, 4), line(3, 2), line(4, 2))

	bm, err := p.BookmarkBeforeEnd("Application", "*[System/Level=2]", 2)
	require.NoError(t, err)
	sub, _ := subscribe(t, p, "Application", "*[System/Level=2]", provider.Start{Mode: provider.StartAfterBookmark, Bookmark: bm})
	assert.Equal(t, []string{line(3, 2), line(4, 2)}, xmls(drain(t, sub)))

	_, err = p.BookmarkBeforeEnd("Application", "*[System/Level=2]", 3)
	assert.ErrorIs(t, err, provider.ErrNotEnoughEvents)
	_, err = p.BookmarkBeforeEnd("Missing", "*", 1)
	assert.ErrorIs(t, err, provider.ErrNotEnoughEvents)
}

func TestBookmarkCodec(t *testing.T) {
	p := newProvider(t)
	empty, err := p.NewBookmark()
	require.NoError(t, err)
	assert.True(t, p.IsEmpty(empty))
	token, err := p.FormatBookmark(empty)
	require.NoError(t, err)
	assert.Empty(t, token)

	bm, err := p.ParseBookmark("120@Microsoft-Windows-Sysmon/Operational")
	require.NoError(t, err)
	assert.Equal(t, &Bookmark{Channel: "Microsoft-Windows-Sysmon/Operational", Offset: 120}, bm)

	for _, bad := range []string{"", "12", "x@A", "-3@A", "5@"} {
		_, err := p.ParseBookmark(bad)
		assert.ErrorIs(t, err, provider.ErrInvalidBookmark, bad)
	}
}

func TestChannels(t *testing.T) {
	p := newProvider(t)
	writeLines(t, p.Path("System"))
	writeLines(t, p.Path("Microsoft-Windows-Sysmon/Operational"))
	require.NoError(t, os.WriteFile(filepath.Join(p.dir, "notes.txt"), nil, 0o644))

	assert.True(t, strings.HasSuffix(p.Path("Microsoft-Windows-Sysmon/Operational"), "Microsoft-Windows-Sysmon%4Operational.log"))
	names, err := p.Channels()
	require.NoError(t, err)
	assert.Equal(t, []string{"Microsoft-Windows-Sysmon/Operational", "System"}, names)
}

func TestFormatMessageFromRenderingInfo(t *testing.T) {
	p := newProvider(t)
	withInfo := &Event{XML: `<Event xmlns="http://schemas.microsoft.com/win/2004/08/events/event"><System/>` +
		`<RenderingInfo Culture="en-US"><Message>The service entered the running state.</Message></RenderingInfo></Event>`}
	msg, err := p.FormatMessage(withInfo)
	require.NoError(t, err)
	assert.Equal(t, "The service entered the running state.", msg)

	_, err = p.FormatMessage(&Event{XML: line(1, 2)})
	assert.ErrorIs(t, err, provider.ErrNoMessage)
}
