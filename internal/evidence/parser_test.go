package evidence

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/tagged"
)

// mapOracle answers lookups from a fixed word → extra length table.
type mapOracle struct {
	extra map[string]int
	calls []string
	err   error
}

func (o *mapOracle) RuleLookup(_ context.Context, word string) (model.EvidenceType, int, error) {
	o.calls = append(o.calls, word)
	if o.err != nil {
		return model.EvidenceNone, 0, o.err
	}
	extra, ok := o.extra[word]
	if !ok {
		return model.EvidenceNone, 0, nil
	}
	return model.EvidenceWordType, extra, nil
}

func doc(words ...string) string {
	var b strings.Builder
	enc := tagged.NewEncoder(&b)
	enc.StartDocument()
	enc.StartSentence()
	for i, w := range words {
		if i > 0 {
			enc.Text(" ")
		}
		enc.Token(i, w)
	}
	enc.EndSentence()
	if err := enc.EndDocument(); err != nil {
		panic(err)
	}
	return b.String()
}

func parseAll(t *testing.T, input string, oracle Oracle, open OpenFunc) []model.Evidence {
	t.Helper()
	var found []model.Evidence
	for ev, err := range NewParser(strings.NewReader(input), oracle, open).All(context.Background()) {
		require.NoError(t, err)
		found = append(found, ev)
	}
	return found
}

func TestLookaheadCapturesWholeCondition(t *testing.T) {
	oracle := &mapOracle{extra: map[string]int{"John": 1}}

	found := parseAll(t, doc("Mr", "John", "Smith", "arrived"), oracle, nil)

	require.Len(t, found, 1)
	assert.Equal(t, model.EvidenceWordType, found[0].Type)
	assert.Equal(t, model.Interval{Start: 1, End: 2}, found[0].Interval)
	assert.Equal(t, []string{"John", "Smith"}, found[0].Value)
	assert.Equal(t, []string{"Mr", "John", "Smith", "arrived"}, oracle.calls)
}

func TestOverlappingLookupsResolveByTarget(t *testing.T) {
	oracle := &mapOracle{extra: map[string]int{"John": 2, "Smith": 0, "Jr": 0}}

	found := parseAll(t, doc("John", "Smith", "Jr", "left"), oracle, nil)

	require.Len(t, found, 3)
	assert.Equal(t, model.Interval{Start: 1, End: 1}, found[0].Interval)
	assert.Equal(t, model.Interval{Start: 0, End: 2}, found[1].Interval)
	assert.Equal(t, []string{"John", "Smith", "Jr"}, found[1].Value)
	assert.Equal(t, model.Interval{Start: 2, End: 2}, found[2].Interval)
}

func TestLookupTruncatedAtEndOfDocument(t *testing.T) {
	oracle := &mapOracle{extra: map[string]int{"John": 3}}

	found := parseAll(t, doc("Mr", "John", "Smith"), oracle, nil)

	require.Len(t, found, 1)
	assert.Equal(t, model.Interval{Start: 1, End: 2}, found[0].Interval)
	assert.Equal(t, []string{"John", "Smith"}, found[0].Value)
}

func TestBufferIsPurged(t *testing.T) {
	oracle := &mapOracle{extra: map[string]int{"a": 1}}
	p := NewParser(strings.NewReader(doc("a", "b", "c", "d", "a", "e")), oracle, nil)

	var found []model.Evidence
	for ev, err := range p.All(context.Background()) {
		require.NoError(t, err)
		found = append(found, ev)
		assert.LessOrEqual(t, len(p.buffer), 2)
	}

	require.Len(t, found, 2)
	assert.Equal(t, []string{"a", "b"}, found[0].Value)
	assert.Equal(t, []string{"a", "e"}, found[1].Value)
	assert.Empty(t, p.buffer)
}

func TestNameEntityEvidence(t *testing.T) {
	input := `<doc><sentence><ne type="P" start="0" end="1"><ne type="pf" start="0" end="0"><token id="0">John</token></ne> <ne type="ps" start="1" end="1"><token id="1">Smith</token></ne></ne></sentence></doc>`

	found := parseAll(t, input, nil, nil)
	require.Len(t, found, 3)
	assert.Equal(t, []string{"P"}, found[0].Value)
	assert.False(t, found[0].Nested())
	assert.Equal(t, []string{"pf"}, found[1].Value)
	assert.True(t, found[1].Nested())
	assert.Equal(t, model.Interval{Start: 1, End: 1}, found[2].Interval)

	onlyOuter := func(iv model.Interval) bool { return iv.Len() > 1 }
	found = parseAll(t, input, nil, onlyOuter)
	require.Len(t, found, 1)
	assert.Equal(t, model.EvidenceNEType, found[0].Type)
}

func TestOracleErrorStopsParsing(t *testing.T) {
	boom := errors.New("boom")
	p := NewParser(strings.NewReader(doc("a")), &mapOracle{err: boom}, nil)

	_, err := p.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestMalformedDocument(t *testing.T) {
	p := NewParser(strings.NewReader(`<doc><token id="0">a</token><token id="5">b</token></doc>`), nil, nil)

	_, err := p.Next(context.Background())
	assert.ErrorIs(t, err, tagged.ErrMalformed)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewParser(strings.NewReader(doc("a")), nil, nil).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
