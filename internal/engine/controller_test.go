package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
	"github.com/Veraticus/psan/internal/testutil"
)

func decisionPtr(d model.Decision) *model.Decision {
	return &d
}

func TestClassify(t *testing.T) {
	tests := []struct {
		tokenLevel    *model.Decision
		name          string
		want          model.Decision
		ruleLevel     int
		minConfidence int
	}{
		{name: "opposing rules cancel", ruleLevel: 1 - 1, minConfidence: 1, want: model.DecisionUndecided},
		{name: "agreeing rules", ruleLevel: 1 + 1, minConfidence: 1, want: model.DecisionPublic},
		{name: "single negative rule", ruleLevel: -1, minConfidence: 1, want: model.DecisionSecret},
		{name: "below a higher threshold", ruleLevel: -2, minConfidence: 3, want: model.DecisionUndecided},
		{name: "at a higher threshold", ruleLevel: 3, minConfidence: 3, want: model.DecisionPublic},
		{name: "human decision wins", tokenLevel: decisionPtr(model.DecisionPublic), ruleLevel: -5, minConfidence: 1, want: model.DecisionPublic},
		{name: "nested stays nested", tokenLevel: decisionPtr(model.DecisionNested), ruleLevel: -5, minConfidence: 1, want: model.DecisionNested},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.tokenLevel, tt.ruleLevel, tt.minConfidence))
		})
	}
}

func TestControllerAggregatesConnectedRules(t *testing.T) {
	tests := []struct {
		name        string
		want        model.Decision
		confidences []int
	}{
		{name: "plus and minus one", confidences: []int{1, -1}, want: model.DecisionUndecided},
		{name: "two plus one", confidences: []int{1, 1}, want: model.DecisionPublic},
		{name: "single minus one", confidences: []int{-1}, want: model.DecisionSecret},
		{name: "no rules", want: model.DecisionUndecided},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testutil.SetupTestDB(t)
			ctx := context.Background()
			sub := db.Submission(testDocUID, model.StatusRecognized, 10)
			ctl := NewController(db.Storage, sub.ID, "tester")

			span := model.Interval{Start: 2, End: 3}
			for i, c := range tt.confidences {
				rule := db.Rule(model.RuleWordType, c, "w", string(rune('a'+i)))
				_, err := ctl.AnnotateFromRule(ctx, span, rule, nil)
				require.NoError(t, err)
			}
			if len(tt.confidences) == 0 {
				rule := db.Rule(model.RuleNEType, 0, "P")
				_, err := ctl.AnnotateFromRule(ctx, span, rule, nil)
				require.NoError(t, err)
			}

			first, err := ctl.GetDecisions(ctx, nil, 1)
			require.NoError(t, err)
			require.Len(t, first, 1)
			assert.Equal(t, tt.want, first[0].Decision)
			assert.False(t, first[0].Explicit)

			second, err := ctl.GetDecisions(ctx, nil, 1)
			require.NoError(t, err)
			assert.Equal(t, first, second)
		})
	}
}

const testDocUID = "6f1c2e8a-3b7d-4c1e-9a5f-2d8b7c6e4a10"

func TestControllerHumanDecisionOverridesRules(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	sub := db.Submission(testDocUID, model.StatusRecognized, 10)
	ctl := NewController(db.Storage, sub.ID, "alice")
	span := model.Interval{Start: 4, End: 4}

	rule := db.Rule(model.RuleWordType, -5, "Smith")
	_, err := ctl.AnnotateFromRule(ctx, span, rule, nil)
	require.NoError(t, err)

	_, err = ctl.TokenAnnotation(ctx, span, model.DecisionPublic)
	require.NoError(t, err)

	decisions, err := ctl.GetDecisions(ctx, &span, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, model.DecisionPublic, decisions[0].Decision)
	assert.Equal(t, -5, decisions[0].RuleLevel)
	assert.True(t, decisions[0].Explicit)
}

func TestControllerTokenAnnotationSupersedesNested(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	sub := db.Submission(testDocUID, model.StatusRecognized, 30)

	err := db.WithTransaction(func(tx service.Transaction) error {
		ctl := NewController(tx, sub.ID, "alice")
		inner, err := ctl.TokenAnnotation(ctx, model.Interval{Start: 12, End: 15}, model.DecisionSecret)
		require.NoError(t, err)
		outer, err := ctl.TokenAnnotation(ctx, model.Interval{Start: 10, End: 20}, model.DecisionPublic)
		require.NoError(t, err)
		assert.NotEqual(t, inner, outer)

		decisions, err := ctl.GetDecisions(ctx, nil, 1)
		require.NoError(t, err)
		require.Len(t, decisions, 1)
		assert.Equal(t, model.Interval{Start: 10, End: 20}, decisions[0].Interval)
		return nil
	})
	require.NoError(t, err)
}

func TestControllerRuleUpsert(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	ctl := NewController(db.Storage, 0, "admin")

	first, err := ctl.SetRule(ctx, model.RuleWordType, []string{"john", "smith"}, 1)
	require.NoError(t, err)
	second, err := ctl.SetRule(ctx, model.RuleWordType, []string{"john", "smith"}, -3)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	rules, err := db.Storage.ListRules(ctx, service.RuleFilter{})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, -3, rules[0].Confidence)
	assert.Equal(t, "admin", rules[0].Author)

	_, err = ctl.SetRule(ctx, model.RuleWordType, nil, 1)
	assert.ErrorIs(t, err, model.ErrEmptyCondition)
}

func TestControllerCandidateRules(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	sub := db.Submission(testDocUID, model.StatusRecognized, 10)
	ctl := NewController(db.Storage, sub.ID, "alice")

	annotationID, err := ctl.TokenAnnotation(ctx, model.Interval{Start: 0, End: 1}, model.DecisionSecret)
	require.NoError(t, err)

	rule, err := ctl.AddCandidateRule(ctx, []string{"Jan", "Novak"}, annotationID)
	require.NoError(t, err)
	require.NotNil(t, rule)
	require.NotNil(t, rule.Source)
	assert.Equal(t, annotationID, *rule.Source)

	again, err := ctl.AddCandidateRule(ctx, []string{"Jan", "Novak"}, annotationID)
	require.NoError(t, err)
	assert.Nil(t, again, "existing rules are not duplicated")

	annotations, err := db.Storage.ListAnnotations(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, annotations, 1)
	assert.Equal(t, 0, annotations[0].RuleLevel)

	dropped, err := ctl.DropCandidateRule(ctx, annotationID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dropped)
}

func TestControllerAnnotateFromRuleKeepsDecision(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	sub := db.Submission(testDocUID, model.StatusRecognized, 10)
	ctl := NewController(db.Storage, sub.ID, "")
	span := model.Interval{Start: 3, End: 3}

	_, err := ctl.TokenAnnotation(ctx, span, model.DecisionSecret)
	require.NoError(t, err)

	rule := db.Rule(model.RuleWordType, 4, "Praha")
	_, err = ctl.AnnotateFromRule(ctx, span, rule, decisionPtr(model.DecisionNested))
	require.NoError(t, err)

	annotation, err := db.Storage.FindAnnotation(ctx, sub.ID, span)
	require.NoError(t, err)
	require.NotNil(t, annotation.TokenLevel)
	assert.Equal(t, model.DecisionSecret, *annotation.TokenLevel)
	assert.Equal(t, 4, annotation.RuleLevel)
}

func TestControllerFindRule(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	ctl := NewController(db.Storage, 0, "")
	ne := db.Rule(model.RuleNEType, 0, "pf")
	word := db.Rule(model.RuleWordType, 1, "John", "Smith")
	db.Rule(model.RuleLemma, 1, "john")

	rule, err := ctl.FindRule(ctx, model.Evidence{Type: model.EvidenceNEType, Value: []string{"pf"}})
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, ne.ID, rule.ID)

	rule, err = ctl.FindRule(ctx, model.Evidence{Type: model.EvidenceWordType, Value: []string{"John", "Smith", "Jr"}})
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, word.ID, rule.ID)

	rule, err = ctl.FindRule(ctx, model.Evidence{Type: model.EvidenceLemma, Value: []string{"john"}})
	require.NoError(t, err)
	assert.Nil(t, rule)

	kind, extra, err := ctl.RuleLookup(ctx, "John")
	require.NoError(t, err)
	assert.Equal(t, model.EvidenceWordType, kind)
	assert.Equal(t, 1, extra)

	kind, _, err = ctl.RuleLookup(ctx, "pf")
	require.NoError(t, err)
	assert.Equal(t, model.EvidenceNone, kind)

	assert.Panics(t, func() {
		_, _ = ctl.FindRule(ctx, model.Evidence{Type: model.EvidenceType(42)})
	})
}

func TestControllerAddNEType(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	ctl := NewController(db.Storage, 0, "")

	first, err := ctl.AddNEType(ctx, "ps")
	require.NoError(t, err)
	assert.Equal(t, model.RuleNEType, first.Type)

	db.Rule(model.RuleNEType, -3, "ps")

	second, err := ctl.AddNEType(ctx, "ps")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, -3, second.Confidence)
}
