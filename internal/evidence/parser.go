// Package evidence extracts evidence from tagged documents in a single
// streaming pass.
//
// NE_TYPE evidence comes straight from ne elements. WORD_TYPE evidence is
// found with a lookahead protocol: after every token the parser asks an
// Oracle whether a rule condition starts with that token and how many more
// tokens it needs. Pending lookups wait in a priority queue keyed by the
// token id that completes them, and only the tokens they still need are
// buffered.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/tagged"
)

// Oracle sizes lookahead windows. RuleLookup returns EvidenceNone when no
// rule starts with word, otherwise the evidence kind and the number of
// extra tokens to capture.
type Oracle interface {
	RuleLookup(ctx context.Context, word string) (model.EvidenceType, int, error)
}

// OpenFunc reports whether a span still needs a decision.
type OpenFunc func(model.Interval) bool

type bufferedToken struct {
	text string
	id   int
}

// Parser is a pull parser over a tagged document.
type Parser struct {
	dec     *tagged.Decoder
	oracle  Oracle
	open    OpenFunc
	pending lookupQueue
	buffer  []bufferedToken
	ready   []model.Evidence
	eof     bool
}

// NewParser returns a parser reading from r. A nil oracle disables
// WORD_TYPE evidence; a nil open predicate accepts every ne span.
func NewParser(r io.Reader, oracle Oracle, open OpenFunc) *Parser {
	return &Parser{dec: tagged.NewDecoder(r), oracle: oracle, open: open}
}

// Next returns the next evidence, or io.EOF when the document is exhausted.
func (p *Parser) Next(ctx context.Context) (model.Evidence, error) {
	for len(p.ready) == 0 {
		if p.eof {
			return model.Evidence{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return model.Evidence{}, err
		}
		if err := p.step(ctx); err != nil {
			return model.Evidence{}, err
		}
	}

	ev := p.ready[0]
	p.ready = p.ready[1:]
	return ev, nil
}

// All returns the remaining evidence as a sequence. Iteration stops after
// the first error, which is yielded once.
func (p *Parser) All(ctx context.Context) iter.Seq2[model.Evidence, error] {
	return func(yield func(model.Evidence, error) bool) {
		for {
			ev, err := p.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

func (p *Parser) step(ctx context.Context) error {
	event, err := p.dec.Next()
	if errors.Is(err, io.EOF) {
		p.eof = true
		p.flush()
		return nil
	}
	if err != nil {
		return err
	}

	switch event.Kind {
	case tagged.EventNEOpen:
		p.onEntity(event)
	case tagged.EventTokenEnd:
		return p.onToken(ctx, event.TokenID, event.Text)
	}
	return nil
}

func (p *Parser) onEntity(event tagged.Event) {
	if p.open != nil && !p.open(event.NE.Interval) {
		return
	}
	p.ready = append(p.ready, model.Evidence{
		Type:     model.EvidenceNEType,
		Interval: event.NE.Interval,
		Value:    []string{event.NE.Type},
		Depth:    event.Depth,
	})
}

func (p *Parser) onToken(ctx context.Context, id int, text string) error {
	if p.oracle != nil {
		kind, extra, err := p.oracle.RuleLookup(ctx, text)
		if err != nil {
			return fmt.Errorf("rule lookup for token %d: %w", id, err)
		}
		if kind != model.EvidenceNone {
			if extra < 0 {
				extra = 0
			}
			p.pending.push(lookup{kind: kind, source: id, target: id + extra})
		}
	}

	if p.pending.Len() == 0 {
		return nil
	}
	p.buffer = append(p.buffer, bufferedToken{text: text, id: id})

	for p.pending.Len() > 0 && p.pending.peek().target <= id {
		p.emit(p.pending.pop())
	}
	p.purge()
	return nil
}

// emit turns a completed lookup into evidence over the buffered tokens
// source..min(target, last buffered).
func (p *Parser) emit(l lookup) {
	var words []string
	last := l.source
	for _, tok := range p.buffer {
		if tok.id < l.source || tok.id > l.target {
			continue
		}
		words = append(words, tok.text)
		last = tok.id
	}
	if len(words) == 0 {
		return
	}
	p.ready = append(p.ready, model.Evidence{
		Type:     l.kind,
		Interval: model.Interval{Start: l.source, End: last},
		Value:    words,
	})
}

// purge drops buffered tokens that no pending lookup needs.
func (p *Parser) purge() {
	if p.pending.Len() == 0 {
		p.buffer = p.buffer[:0]
		return
	}
	lowest := p.pending.minSource()
	keep := 0
	for keep < len(p.buffer) && p.buffer[keep].id < lowest {
		keep++
	}
	p.buffer = p.buffer[keep:]
}

// flush completes lookups whose window runs past the end of the document
// with the tokens that were seen.
func (p *Parser) flush() {
	for p.pending.Len() > 0 {
		p.emit(p.pending.pop())
	}
	p.buffer = nil
}
