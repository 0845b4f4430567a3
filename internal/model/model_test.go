package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInterval(t *testing.T) {
	tests := []struct {
		name    string
		start   int
		end     int
		wantErr bool
	}{
		{"single token", 3, 3, false},
		{"range", 1, 4, false},
		{"reversed", 5, 2, true},
		{"negative", -1, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iv, err := NewInterval(tt.start, tt.end)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidInterval)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.end-tt.start+1, iv.Len())
		})
	}
}

func TestIntervalEncloses(t *testing.T) {
	outer := Interval{Start: 10, End: 20}

	assert.True(t, outer.Encloses(Interval{Start: 12, End: 15}))
	assert.True(t, outer.Encloses(Interval{Start: 10, End: 19}))
	assert.False(t, outer.Encloses(outer), "an interval does not strictly enclose itself")
	assert.False(t, outer.Encloses(Interval{Start: 9, End: 12}))
	assert.True(t, outer.Contains(outer))
}

func TestNewRule(t *testing.T) {
	t.Run("word type", func(t *testing.T) {
		rule, err := NewRule(RuleWordType, []string{"John", "Smith"}, -2)
		require.NoError(t, err)
		assert.Equal(t, DecisionSecret, rule.Polarity())
	})

	t.Run("empty condition", func(t *testing.T) {
		_, err := NewRule(RuleWordType, nil, 1)
		assert.ErrorIs(t, err, ErrEmptyCondition)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := NewRule(RuleWordType, []string{"John", ""}, 1)
		assert.ErrorIs(t, err, ErrEmptyCondition)
	})

	t.Run("ne type takes one value", func(t *testing.T) {
		_, err := NewRule(RuleNEType, []string{"ps", "pf"}, 1)
		assert.ErrorIs(t, err, ErrEmptyCondition)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := NewRule(RuleType("CONTEXT"), []string{"x"}, 1)
		assert.ErrorIs(t, err, ErrInvalidRuleType)
	})
}

func TestRuleIsPrefixOf(t *testing.T) {
	rule := Rule{Type: RuleWordType, Condition: []string{"John", "Smith"}}

	assert.True(t, rule.IsPrefixOf([]string{"John", "Smith"}))
	assert.True(t, rule.IsPrefixOf([]string{"John", "Smith", "Jr"}))
	assert.False(t, rule.IsPrefixOf([]string{"John"}))
	assert.False(t, rule.IsPrefixOf([]string{"John", "Doe"}))
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("SECRET")
	require.NoError(t, err)
	assert.True(t, d.IsExplicit())

	d, err = ParseDecision("UNDECIDED")
	require.NoError(t, err)
	assert.False(t, d.IsExplicit())

	_, err = ParseDecision("MAYBE")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestSubmissionStatusTransitions(t *testing.T) {
	assert.True(t, StatusNew.CanTransition(StatusRecognized))
	assert.True(t, StatusRecognized.CanTransition(StatusRecognized))
	assert.True(t, StatusRecognized.CanTransition(StatusDone))
	assert.False(t, StatusDone.CanTransition(StatusNew))
	assert.False(t, StatusAnnotated.CanTransition(StatusRecognized))

	_, err := ParseSubmissionStatus("archived")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
