package tagged

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/psan/internal/model"
)

const sample = `<doc><sentence><ne type="P" start="0" end="1"><ne type="pf" start="0" end="0"><token id="0">John</token></ne> <ne type="ps" start="1" end="1"><token id="1">Smith</token></ne></ne> <token id="2">arrived</token><token id="3">.</token></sentence></doc>`

func collect(t *testing.T, input string) []Event {
	t.Helper()
	var events []Event
	for ev, err := range Events(strings.NewReader(input)) {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestDecoderEvents(t *testing.T) {
	events := collect(t, sample)

	var tokens []string
	var opened []NameEntity
	maxDepth := 0
	for _, ev := range events {
		switch ev.Kind {
		case EventTokenEnd:
			tokens = append(tokens, ev.Text)
		case EventNEOpen:
			opened = append(opened, ev.NE)
			if ev.Depth > maxDepth {
				maxDepth = ev.Depth
			}
		}
	}

	assert.Equal(t, []string{"John", "Smith", "arrived", "."}, tokens)
	require.Len(t, opened, 3)
	assert.Equal(t, "P", opened[0].Type)
	assert.Equal(t, 0, opened[0].Interval.Start)
	assert.Equal(t, 1, opened[0].Interval.End)
	assert.Equal(t, 2, maxDepth)
	assert.Equal(t, EventSentenceStart, events[0].Kind)
	assert.Equal(t, EventSentenceEnd, events[len(events)-1].Kind)
}

func TestDecoderRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"token id gap", `<doc><token id="0">a</token><token id="2">b</token></doc>`},
		{"reversed ne", `<doc><ne type="x" start="3" end="1"><token id="0">a</token></ne></doc>`},
		{"ne closes early", `<doc><ne type="x" start="0" end="1"><token id="0">a</token></ne><token id="1">b</token></doc>`},
		{"unknown element", `<doc><para>text</para></doc>`},
		{"bad id", `<doc><token id="x">a</token></doc>`},
		{"unterminated", `<doc><ne type="x" start="0" end="0"><token id="0">a</token>`},
		{"ne starts at wrong token", `<doc><token id="0">a</token><ne type="x" start="5" end="5"><token id="1">b</token></ne></doc>`},
		{"inner ne starts late", `<doc><ne type="x" start="0" end="1"><ne type="y" start="1" end="1"><token id="0">a</token></ne><token id="1">b</token></ne></doc>`},
		{"ne inside token", `<doc><token id="0"><ne type="x" start="0" end="0">a</ne></token></doc>`},
		{"printable ctl", `<doc><ctl code="65"/></doc>`},
		{"text inside ctl", `<doc><ctl code="12">x</ctl></doc>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(strings.NewReader(tt.input))
			var err error
			for err == nil {
				_, err = d.Next()
			}
			assert.NotEqual(t, io.EOF, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.StartDocument()
	enc.StartSentence()
	enc.OpenNE("ps", 0, 0)
	enc.Token(0, "O'Brien")
	enc.CloseNE()
	enc.Text(" & <co>\r\n")
	enc.Token(1, `"quoted"`)
	enc.EndSentence()
	require.NoError(t, enc.EndDocument())

	var plain bytes.Buffer
	require.NoError(t, PlainText(bytes.NewReader(buf.Bytes()), &plain))
	assert.Equal(t, "O'Brien & <co>\r\n\"quoted\"", plain.String())
}

func TestEncoderEscapesControlCharacters(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.StartDocument()
	enc.StartSentence()
	enc.Token(0, "Page")
	enc.Text("\f\x00 \x1b")
	enc.Token(1, "\x00")
	enc.EndSentence()
	require.NoError(t, enc.EndDocument())

	assert.Contains(t, buf.String(), `<ctl code="12"/><ctl code="0"/> <ctl code="27"/>`)

	var plain bytes.Buffer
	require.NoError(t, PlainText(bytes.NewReader(buf.Bytes()), &plain))
	assert.Equal(t, "Page\f\x00 \x1b\x00", plain.String())

	var tokens []string
	for _, ev := range collect(t, buf.String()) {
		if ev.Kind == EventTokenEnd {
			tokens = append(tokens, ev.Text)
		}
	}
	assert.Equal(t, []string{"Page", "\x00"}, tokens)
}

func TestEncoderRejectsInvalidUTF8(t *testing.T) {
	enc := NewEncoder(io.Discard)
	enc.StartDocument()
	enc.Text("caf\xe9")
	assert.ErrorIs(t, enc.EndDocument(), model.ErrInvalidText)

	enc = NewEncoder(io.Discard)
	enc.OpenNE("bad\x01type", 0, 0)
	assert.ErrorIs(t, enc.Err(), model.ErrInvalidText)
}

func TestLastTokenID(t *testing.T) {
	d := NewDecoder(strings.NewReader(sample))
	assert.Equal(t, -1, d.LastTokenID())
	for {
		_, err := d.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, 3, d.LastTokenID())
}
