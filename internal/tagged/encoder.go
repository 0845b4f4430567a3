package tagged

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Veraticus/psan/internal/model"
)

// escaper keeps carriage returns as character references; a literal \r\n
// would be folded to \n by the decoder.
var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"\r", "&#xD;",
)

// Encoder writes a tagged document. Callers are responsible for element
// nesting; the encoder only escapes text and attributes.
type Encoder struct {
	w   *bufio.Writer
	err error
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// StartDocument writes the root element.
func (e *Encoder) StartDocument() {
	e.raw("<" + ElementDocument + ">")
}

// EndDocument closes the root element and flushes.
func (e *Encoder) EndDocument() error {
	e.raw("</" + ElementDocument + ">")
	return e.Flush()
}

// StartSentence opens a sentence.
func (e *Encoder) StartSentence() {
	e.raw("<" + ElementSentence + ">")
}

// EndSentence closes a sentence.
func (e *Encoder) EndSentence() {
	e.raw("</" + ElementSentence + ">")
}

// Token writes one token element.
func (e *Encoder) Token(id int, text string) {
	e.raw(`<` + ElementToken + ` id="` + strconv.Itoa(id) + `">`)
	e.Text(text)
	e.raw("</" + ElementToken + ">")
}

// OpenNE opens an ne element over the inclusive token range.
func (e *Encoder) OpenNE(neType string, start, end int) {
	e.raw(fmt.Sprintf(`<%s type="`, ElementNE))
	e.escapeAttr(neType)
	e.raw(fmt.Sprintf(`" start="%d" end="%d">`, start, end))
}

// CloseNE closes the innermost ne element.
func (e *Encoder) CloseNE() {
	e.raw("</" + ElementNE + ">")
}

// Text writes escaped character data.
func (e *Encoder) Text(s string) {
	e.escape(s)
}

// Flush writes buffered output and returns the first error seen.
func (e *Encoder) Flush() error {
	if e.err != nil {
		return e.err
	}
	if err := e.w.Flush(); err != nil {
		e.err = fmt.Errorf("failed to flush tagged document: %w", err)
	}
	return e.err
}

// Err returns the first write error.
func (e *Encoder) Err() error {
	return e.err
}

func (e *Encoder) raw(s string) {
	if e.err != nil {
		return
	}
	if _, err := e.w.WriteString(s); err != nil {
		e.err = fmt.Errorf("failed to write tagged document: %w", err)
	}
}

// escape writes character data. Characters XML cannot carry are written
// as empty ctl elements holding the code point.
func (e *Encoder) escape(s string) {
	if e.err != nil {
		return
	}
	if !utf8.ValidString(s) {
		e.err = fmt.Errorf("%w: %q", model.ErrInvalidText, s)
		return
	}

	start := 0
	for i, r := range s {
		if isXMLChar(r) {
			continue
		}
		e.escapeRun(s[start:i])
		e.raw(`<` + ElementControl + ` code="` + strconv.Itoa(int(r)) + `"/>`)
		start = i + utf8.RuneLen(r)
	}
	e.escapeRun(s[start:])
}

func (e *Encoder) escapeRun(s string) {
	if e.err != nil || s == "" {
		return
	}
	if _, err := escaper.WriteString(e.w, s); err != nil {
		e.err = fmt.Errorf("failed to write tagged document: %w", err)
	}
}

// escapeAttr writes an attribute value, which has no room for ctl elements.
func (e *Encoder) escapeAttr(s string) {
	if e.err != nil {
		return
	}
	if !utf8.ValidString(s) || strings.IndexFunc(s, func(r rune) bool { return !isXMLChar(r) }) >= 0 {
		e.err = fmt.Errorf("%w: attribute %q", model.ErrInvalidText, s)
		return
	}
	e.escapeRun(s)
}

// isXMLChar reports whether r may appear in XML 1.0 character data.
func isXMLChar(r rune) bool {
	return r == '\t' || r == '\n' || r == '\r' ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= utf8.MaxRune)
}

// PlainText strips all markup from a tagged document, reproducing the
// recognizer's input.
func PlainText(r io.Reader, w io.Writer) error {
	bw := bufio.NewWriter(w)
	for ev, err := range Events(r) {
		if err != nil {
			return err
		}
		if ev.Kind == EventText {
			if _, err := bw.WriteString(ev.Text); err != nil {
				return fmt.Errorf("failed to write text: %w", err)
			}
		}
	}
	return bw.Flush()
}
