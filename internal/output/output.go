// Package output renders the sanitized text of a tagged document.
package output

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/tagged"
)

// DefaultReplacement stands in for SECRET spans without a labelled
// replacement.
const DefaultReplacement = "[REDACTED]"

type span struct {
	replacement string
	model.Interval
}

// Generate writes the raw text of the tagged document r to w. Every SECRET
// decision in decisions is replaced by its replacement text once, covering
// its tokens and the text between them. Other decisions are ignored.
// Overlapping SECRET spans are merged and keep the replacement of the span
// that starts first.
func Generate(r io.Reader, w io.Writer, decisions []model.SpanDecision, defaultReplacement string) error {
	spans := secretSpans(decisions, defaultReplacement)
	bw := bufio.NewWriter(w)

	idx := 0
	printed := false
	for ev, err := range tagged.Events(r) {
		if err != nil {
			return err
		}
		if ev.Kind != tagged.EventText {
			continue
		}

		for idx < len(spans) && spans[idx].End < ev.TokenID {
			idx++
			printed = false
		}

		text := ev.Text
		if idx < len(spans) && replaced(spans[idx], ev) {
			if printed {
				continue
			}
			text = spans[idx].replacement
			printed = true
		}
		if _, err := bw.WriteString(text); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	return bw.Flush()
}

// replaced reports whether a text event belongs to s: token text inside
// the span, or text between two of its tokens.
func replaced(s span, ev tagged.Event) bool {
	if ev.InToken {
		return s.ContainsToken(ev.TokenID)
	}
	return s.Start <= ev.TokenID && ev.TokenID < s.End
}

func secretSpans(decisions []model.SpanDecision, defaultReplacement string) []span {
	var spans []span
	for _, d := range decisions {
		if d.Decision != model.DecisionSecret {
			continue
		}
		repl := d.Replacement
		if repl == "" {
			repl = defaultReplacement
		}
		spans = append(spans, span{Interval: d.Interval, replacement: repl})
	}

	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	merged := spans[:0]
	for _, s := range spans {
		if n := len(merged); n > 0 && s.Start <= merged[n-1].End {
			if s.End > merged[n-1].End {
				merged[n-1].End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}
