package output

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/tagged"
)

// document tags words as tokens 0..n-1. seps[i] precedes word i and
// seps[len(words)] trails the sentence.
func document(t *testing.T, words []string, seps []string) string {
	t.Helper()
	var buf bytes.Buffer
	enc := tagged.NewEncoder(&buf)
	enc.StartDocument()
	enc.Text(seps[0])
	enc.StartSentence()
	for i, w := range words {
		if i > 0 {
			enc.Text(seps[i])
		}
		enc.Token(i, w)
	}
	enc.EndSentence()
	enc.Text(seps[len(words)])
	require.NoError(t, enc.EndDocument())
	return buf.String()
}

func secret(start, end int, replacement string) model.SpanDecision {
	return model.SpanDecision{
		Interval:    model.Interval{Start: start, End: end},
		Decision:    model.DecisionSecret,
		Replacement: replacement,
	}
}

func TestGenerateReplacesSpanOnce(t *testing.T) {
	words := []string{"On", "Monday", ",", "the", "agent", "Jan", "van", "Novak", "left", "Prague", "."}
	seps := []string{"  ", " ", "", " ", " ", " ", " ", "\t", " ", "\r\n", "", "\n"}
	doc := document(t, words, seps)

	var out bytes.Buffer
	decisions := []model.SpanDecision{
		secret(5, 7, "[NAME]"),
		{Interval: model.Interval{Start: 9, End: 9}, Decision: model.DecisionPublic, Replacement: "[CITY]"},
		{Interval: model.Interval{Start: 1, End: 1}, Decision: model.DecisionUndecided},
	}
	require.NoError(t, Generate(strings.NewReader(doc), &out, decisions, DefaultReplacement))

	assert.Equal(t, "  On Monday, the agent [NAME] left\r\nPrague.\n", out.String())
	assert.Equal(t, 1, strings.Count(out.String(), "[NAME]"))
}

func TestGeneratePassThrough(t *testing.T) {
	words := []string{"a", "&", "<b>"}
	seps := []string{"", " ", " ", "\n"}
	doc := document(t, words, seps)

	var out bytes.Buffer
	require.NoError(t, Generate(strings.NewReader(doc), &out, nil, DefaultReplacement))
	assert.Equal(t, "a & <b>\n", out.String())
}

func TestGenerateMergesOverlappingSpans(t *testing.T) {
	words := make([]string, 8)
	seps := make([]string, 9)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
		seps[i] = " "
	}
	seps[0], seps[8] = "", ""
	doc := document(t, words, seps)

	tests := []struct {
		name      string
		want      string
		decisions []model.SpanDecision
	}{
		{
			name:      "nested secret folded into outer",
			decisions: []model.SpanDecision{secret(3, 4, "[IN]"), secret(2, 5, "[OUT]")},
			want:      "w0 w1 [OUT] w6 w7",
		},
		{
			name:      "crossing spans become one",
			decisions: []model.SpanDecision{secret(1, 3, "[A]"), secret(3, 5, "[B]")},
			want:      "w0 [A] w6 w7",
		},
		{
			name:      "adjacent spans stay separate",
			decisions: []model.SpanDecision{secret(1, 2, "[A]"), secret(3, 3, "")},
			want:      "w0 [A] [REDACTED] w4 w5 w6 w7",
		},
		{
			name:      "first and last token",
			decisions: []model.SpanDecision{secret(0, 0, "X"), secret(7, 7, "Y")},
			want:      "X w1 w2 w3 w4 w5 w6 Y",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, Generate(strings.NewReader(doc), &out, tt.decisions, DefaultReplacement))
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestGenerateMalformedInput(t *testing.T) {
	var out bytes.Buffer
	err := Generate(strings.NewReader(`<doc><token id="0">a</token><token id="5">b</token></doc>`), &out, nil, DefaultReplacement)
	assert.ErrorIs(t, err, tagged.ErrMalformed)
}
