package transform

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oicur0t/winevt-tailer/internal/errs"
	"github.com/oicur0t/winevt-tailer/internal/provider"
)

const sampleEvent = `<?xml version="1.0"?>
<Event xmlns="http://schemas.microsoft.com/win/2004/08/events/event">
  <System>
    <Provider Name="Application Error"/>
    <EventID Qualifiers="0">1000</EventID>
    <Level>2</Level>
    <Task>100</Task>
    <Keywords>0x80000000000000</Keywords>
    <TimeCreated SystemTime="2022-11-29T08:34:36.419275100Z"/>
    <EventRecordID>22621</EventRecordID>
    <Channel>Application</Channel>
    <Computer>EC2AMAZ-B48FPS0</Computer>
    <Security/>
  </System>
  <EventData>
    <Data>ConsoleApp1.exe</Data>
    <Data>1.0.0.0</Data>
    <Data>C:\Users\dmitri\RiderProjects\FileWatcher\ConsoleApp1\bin\Debug\net6.0\ConsoleApp1.exe</Data>
    <Data>"string in double quotes"</Data>
    <Data/>
    <Binary>00FF00FF</Binary>
  </EventData>
</Event>
`

type fakeMessages struct {
	msg string
	err error
}

func (f fakeMessages) FormatMessage(provider.RawEvent) (string, error) {
	return f.msg, f.err
}

func parseSample(t *testing.T, xml string) *Event {
	t.Helper()
	ev, err := Parse(xml)
	require.NoError(t, err)
	return ev
}

func decode(t *testing.T, line string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &out), line)
	return out
}

func TestToJSONSingleLine(t *testing.T) {
	ev := parseSample(t, sampleEvent)
	ev, err := ToJSON(Context{}, nil, ev)
	require.NoError(t, err)
	require.True(t, ev.Rendered)

	assert.NotContains(t, ev.Line, "\n")
	assert.True(t, strings.HasPrefix(ev.Line, `{"Event":{`))

	obj := decode(t, ev.Line)
	event := obj["Event"].(map[string]any)
	system := event["System"].(map[string]any)
	assert.Equal(t, "2", system["Level"])
	assert.Equal(t, map[string]any{"Qualifiers": "0", "text": "1000"}, system["EventID"])
	assert.Equal(t, map[string]any{"Name": "Application Error"}, system["Provider"])
	assert.Equal(t, "", system["Security"])

	data := event["EventData"].(map[string]any)["Data"].([]any)
	require.Len(t, data, 5)
	assert.Equal(t, `"string in double quotes"`, data[3])
	assert.Equal(t, `C:\Users\dmitri\RiderProjects\FileWatcher\ConsoleApp1\bin\Debug\net6.0\ConsoleApp1.exe`, data[2])
}

func TestToJSONEscapesLineBreaks(t *testing.T) {
	xml := "<Event><EventData><Data Name=\"msg\">line1\r\nline2\nline3</Data></EventData></Event>"
	ev, err := ToJSON(Context{}, nil, parseSample(t, xml))
	require.NoError(t, err)

	assert.NotContains(t, ev.Line, "\n")
	assert.NotContains(t, ev.Line, "\r")
	assert.Contains(t, ev.Line, `line1\nline2\nline3`)

	obj := decode(t, ev.Line)
	data := obj["Event"].(map[string]any)["EventData"].(map[string]any)["Data"].(map[string]any)
	assert.Equal(t, "msg", data["Name"])
	assert.Equal(t, "line1\nline2\nline3", data["text"])
}

func TestToJSONKeepsDocumentOrder(t *testing.T) {
	ev, err := ToJSON(Context{}, nil, parseSample(t, `<Event><Zeta>1</Zeta><Alpha>2</Alpha><Zeta>3</Zeta></Event>`))
	require.NoError(t, err)
	assert.Equal(t, `{"Event":{"Zeta":["1","3"],"Alpha":"2"}}`, ev.Line)
}

func TestRemoveBinary(t *testing.T) {
	ctx := Context{}
	ev, err := RemoveBinary(ctx, nil, parseSample(t, sampleEvent))
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Empty(t, descendants(ev.Root(), "Binary"))
	assert.Len(t, descendants(ev.Root(), "Data"), 5)
	assert.Same(t, ev, ctx[LastEventKey])
}

func TestRenderMessage(t *testing.T) {
	fn := RenderMessage(fakeMessages{msg: "The application crashed.\r\n"})
	ev, err := fn(Context{}, "raw", parseSample(t, sampleEvent))
	require.NoError(t, err)

	msgs := children(ev.Root(), messageElement)
	require.Len(t, msgs, 1)
	assert.Equal(t, "The application crashed.", msgs[0].InnerText())
}

func TestRenderMessageFailureIsSilent(t *testing.T) {
	for _, messages := range []provider.MessageFormatter{
		fakeMessages{err: provider.ErrNoMessage},
		fakeMessages{err: errors.New("publisher metadata missing")},
		fakeMessages{msg: "  "},
		nil,
	} {
		ev, err := RenderMessage(messages)(Context{}, "raw", parseSample(t, sampleEvent))
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Empty(t, children(ev.Root(), messageElement))
	}
}

func TestRemoveEventData(t *testing.T) {
	ev, err := RemoveEventData(Context{}, nil, parseSample(t, sampleEvent))
	require.NoError(t, err)
	assert.Len(t, children(ev.Root(), "EventData"), 1, "no message, payload kept")

	ev, err = RenderMessage(fakeMessages{msg: "hello"})(Context{}, "raw", ev)
	require.NoError(t, err)
	ev, err = RemoveEventData(Context{}, nil, ev)
	require.NoError(t, err)
	assert.Empty(t, children(ev.Root(), "EventData"))
	assert.Len(t, children(ev.Root(), "System"), 1)
}

func TestPipelineShortCircuit(t *testing.T) {
	var calls []string
	mark := func(name string, drop bool) Func {
		return func(_ Context, _ provider.RawEvent, ev *Event) (*Event, error) {
			calls = append(calls, name)
			if drop {
				return nil, nil
			}
			return ev, nil
		}
	}

	p := Pipeline{
		Channel: []Func{mark("A", false), mark("B", true)},
		Shared:  []Func{mark("C", false), ToJSON},
	}
	line, dropped, err := p.Run(Context{}, nil, parseSample(t, sampleEvent))
	require.NoError(t, err)
	assert.True(t, dropped)
	assert.Empty(t, line)
	assert.Equal(t, []string{"A", "B"}, calls)
}

func TestPipelineRendersThroughBothStages(t *testing.T) {
	shared, err := Build([]string{IDRemoveBinary, IDRenderMessage, IDRemoveEventData, IDToJSON}, Env{Messages: fakeMessages{msg: "crash\nsecond line"}})
	require.NoError(t, err)

	p := Pipeline{Shared: shared}
	line, dropped, err := p.Run(Context{}, "raw", parseSample(t, sampleEvent))
	require.NoError(t, err)
	assert.False(t, dropped)
	assert.NotContains(t, line, "\n")

	event := decode(t, line)["Event"].(map[string]any)
	assert.Equal(t, "crash\nsecond line", event["Message"])
	assert.NotContains(t, event, "EventData")
}

func TestPipelineNotRendered(t *testing.T) {
	p := Pipeline{Shared: []Func{RemoveBinary}}
	_, _, err := p.Run(Context{}, nil, parseSample(t, sampleEvent))
	assert.ErrorIs(t, err, ErrNotRendered)
}

func TestPipelineTransformError(t *testing.T) {
	boom := errors.New("boom")
	p := Pipeline{Channel: []Func{func(Context, provider.RawEvent, *Event) (*Event, error) { return nil, boom }}}
	_, _, err := p.Run(Context{}, nil, parseSample(t, sampleEvent))
	assert.ErrorIs(t, err, boom)
}

func TestRegistry(t *testing.T) {
	def, err := Lookup("winevt_tailer.transforms.xml_to_json")
	require.NoError(t, err)
	assert.Equal(t, IDToJSON, def.ID)
	assert.True(t, def.Renders)

	_, err = Lookup("xml_to_yaml")
	assert.True(t, errs.Is(err, errs.KindConfig))

	_, err = Build([]string{IDRemoveBinary, "nope"}, Env{})
	assert.True(t, errs.Is(err, errs.KindConfig))

	assert.Subset(t, IDs(), []string{IDRemoveBinary, IDRenderMessage, IDRemoveEventData, IDToJSON})
}

func TestCheckChain(t *testing.T) {
	assert.NoError(t, CheckChain(nil, []string{IDRemoveBinary, IDToJSON}))
	assert.NoError(t, CheckChain([]string{IDRemoveBinary}, []string{IDToJSON}))
	assert.NoError(t, CheckChain([]string{IDToJSON}, nil))

	assert.True(t, errs.Is(CheckChain(nil, nil), errs.KindConfig))
	assert.True(t, errs.Is(CheckChain(nil, []string{IDToJSON, IDRemoveBinary}), errs.KindConfig))
	assert.True(t, errs.Is(CheckChain([]string{"bogus"}, []string{IDToJSON}), errs.KindConfig))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("")
	assert.Error(t, err)
}
