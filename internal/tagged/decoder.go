// Package tagged reads and writes the tagged-document format produced by
// recognizers: raw text interleaved with sentence, token and ne markers.
//
// Reading is pull based. A Decoder hands out one Event per call and keeps
// only the currently open ne elements in memory, so documents of any length
// can be processed.
package tagged

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Veraticus/psan/internal/model"
)

// Element names of the tagged format.
const (
	ElementDocument = "doc"
	ElementSentence = "sentence"
	ElementToken    = "token"
	ElementNE       = "ne"
	// ElementControl stands for one character XML cannot carry, such as a
	// form feed. Decoders turn it back into text.
	ElementControl = "ctl"
)

// ErrMalformed is returned when the input violates the tagged format.
var ErrMalformed = errors.New("malformed tagged document")

// EventKind identifies a parse event.
type EventKind int

// Parse events.
const (
	EventText EventKind = iota
	EventSentenceStart
	EventSentenceEnd
	EventTokenStart
	EventTokenEnd
	EventNEOpen
	EventNEClose
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "Text"
	case EventSentenceStart:
		return "SentenceStart"
	case EventSentenceEnd:
		return "SentenceEnd"
	case EventTokenStart:
		return "TokenStart"
	case EventTokenEnd:
		return "TokenEnd"
	case EventNEOpen:
		return "NEOpen"
	case EventNEClose:
		return "NEClose"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// NameEntity is an ne element: an entity type over an inclusive token range.
type NameEntity struct {
	Type     string
	Interval model.Interval
}

// Event is a single step of a tagged document.
//
// Text events carry character data exactly as it appears in the raw input.
// TokenEnd carries the whitespace-trimmed token text. NEOpen and NEClose
// carry the entity and its nesting depth (1 for top level).
type Event struct {
	NE      NameEntity
	Text    string
	Kind    EventKind
	TokenID int
	Depth   int
	InToken bool
}

// Decoder is a pull parser for tagged documents.
type Decoder struct {
	xd        *xml.Decoder
	open      []NameEntity
	tokenText strings.Builder
	lastID    int
	tokenID   int
	// started counts the open ne elements whose first token has been seen.
	started   int
	inToken   bool
	inControl bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	xd := xml.NewDecoder(r)
	xd.Strict = true
	return &Decoder{xd: xd, lastID: -1, tokenID: -1}
}

// LastTokenID returns the id of the most recently closed token, or -1.
func (d *Decoder) LastTokenID() int {
	return d.lastID
}

// Next returns the next event. It returns io.EOF after the last event.
func (d *Decoder) Next() (Event, error) {
	for {
		tok, err := d.xd.Token()
		if err == io.EOF {
			if len(d.open) > 0 || d.inToken {
				return Event{}, fmt.Errorf("%w: unexpected end of input", ErrMalformed)
			}
			return Event{}, io.EOF
		}
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			ev, skip, err := d.start(t)
			if err != nil || !skip {
				return ev, err
			}
		case xml.EndElement:
			ev, skip, err := d.end(t)
			if err != nil || !skip {
				return ev, err
			}
		case xml.CharData:
			if d.inControl {
				return Event{}, fmt.Errorf("%w: text inside %s", ErrMalformed, ElementControl)
			}
			return d.text(string(t)), nil
		}
	}
}

func (d *Decoder) text(text string) Event {
	if d.inToken {
		d.tokenText.WriteString(text)
	}
	return Event{Kind: EventText, Text: text, TokenID: d.tokenID, InToken: d.inToken, Depth: len(d.open)}
}

func (d *Decoder) start(t xml.StartElement) (Event, bool, error) {
	if d.inControl {
		return Event{}, false, fmt.Errorf("%w: element inside %s", ErrMalformed, ElementControl)
	}
	switch t.Name.Local {
	case ElementDocument:
		return Event{}, true, nil
	case ElementSentence:
		return Event{Kind: EventSentenceStart, Depth: len(d.open)}, false, nil
	case ElementToken:
		if d.inToken {
			return Event{}, false, fmt.Errorf("%w: nested token", ErrMalformed)
		}
		id, err := intAttr(t, "id")
		if err != nil {
			return Event{}, false, err
		}
		if d.lastID >= 0 && id != d.lastID+1 {
			return Event{}, false, fmt.Errorf("%w: token id %d follows %d", ErrMalformed, id, d.lastID)
		}
		for _, ne := range d.open[d.started:] {
			if ne.Interval.Start != id {
				return Event{}, false, fmt.Errorf("%w: ne %v begins at token %d", ErrMalformed, ne.Interval, id)
			}
		}
		d.started = len(d.open)
		d.inToken = true
		d.tokenID = id
		d.tokenText.Reset()
		return Event{Kind: EventTokenStart, TokenID: id, Depth: len(d.open)}, false, nil
	case ElementNE:
		if d.inToken {
			return Event{}, false, fmt.Errorf("%w: ne inside token", ErrMalformed)
		}
		start, err := intAttr(t, "start")
		if err != nil {
			return Event{}, false, err
		}
		end, err := intAttr(t, "end")
		if err != nil {
			return Event{}, false, err
		}
		iv, err := model.NewInterval(start, end)
		if err != nil {
			return Event{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if start <= d.lastID {
			return Event{}, false, fmt.Errorf("%w: ne %v starts before token %d", ErrMalformed, iv, d.lastID+1)
		}
		ne := NameEntity{Type: attr(t, "type"), Interval: iv}
		d.open = append(d.open, ne)
		return Event{Kind: EventNEOpen, NE: ne, Depth: len(d.open)}, false, nil
	case ElementControl:
		code, err := intAttr(t, "code")
		if err != nil {
			return Event{}, false, err
		}
		r := rune(code)
		if !utf8.ValidRune(r) || isXMLChar(r) {
			return Event{}, false, fmt.Errorf("%w: ctl code %d", ErrMalformed, code)
		}
		d.inControl = true
		return d.text(string(r)), false, nil
	default:
		return Event{}, false, fmt.Errorf("%w: unknown element %q", ErrMalformed, t.Name.Local)
	}
}

func (d *Decoder) end(t xml.EndElement) (Event, bool, error) {
	switch t.Name.Local {
	case ElementDocument:
		return Event{}, true, nil
	case ElementControl:
		d.inControl = false
		return Event{}, true, nil
	case ElementSentence:
		return Event{Kind: EventSentenceEnd, Depth: len(d.open)}, false, nil
	case ElementToken:
		d.inToken = false
		d.lastID = d.tokenID
		text := strings.TrimSpace(d.tokenText.String())
		return Event{Kind: EventTokenEnd, TokenID: d.tokenID, Text: text, Depth: len(d.open)}, false, nil
	case ElementNE:
		ne := d.open[len(d.open)-1]
		if ne.Interval.End != d.lastID {
			return Event{}, false, fmt.Errorf("%w: ne %v closed after token %d", ErrMalformed, ne.Interval, d.lastID)
		}
		depth := len(d.open)
		d.open = d.open[:len(d.open)-1]
		d.started = min(d.started, len(d.open))
		return Event{Kind: EventNEClose, NE: ne, Depth: depth}, false, nil
	default:
		return Event{}, false, fmt.Errorf("%w: unknown element %q", ErrMalformed, t.Name.Local)
	}
}

// Events returns the events of r as a sequence. Iteration stops after the
// first error, which is yielded once.
func Events(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		d := NewDecoder(r)
		for {
			ev, err := d.Next()
			if err == io.EOF {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

func attr(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func intAttr(t xml.StartElement, name string) (int, error) {
	raw := attr(t, name)
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s@%s=%q", ErrMalformed, t.Name.Local, name, raw)
	}
	return v, nil
}
