package engine

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/docstore"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/output"
	"github.com/Veraticus/psan/internal/service"
	"github.com/Veraticus/psan/internal/testutil"
)

// stubRecognizer ignores its input and writes a fixed tagged document.
type stubRecognizer struct {
	doc    string
	tokens int
}

func (r stubRecognizer) Recognize(_ context.Context, in io.Reader, out io.Writer, _ int) (int, error) {
	if _, err := io.Copy(io.Discard, in); err != nil {
		return 0, err
	}
	_, err := io.WriteString(out, r.doc)
	return r.tokens, err
}

type recordingQueue struct {
	skips      []*int64
	reannotate []int64
	mu         sync.Mutex
}

func (q *recordingQueue) ReAnnotate(_ context.Context, documentID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reannotate = append(q.reannotate, documentID)
	return nil
}

func (q *recordingQueue) ReAnnotateAll(_ context.Context, skip *int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.skips = append(q.skips, skip)
	return nil
}

type fixture struct {
	engine *Engine
	db     *testutil.TestDB
	queue  *recordingQueue
}

func newFixture(t *testing.T, doc *testutil.DocumentBuilder, tokens int) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, doc, tokens, DefaultConfig())
}

func newFixtureWithConfig(t *testing.T, doc *testutil.DocumentBuilder, tokens int, config Config) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	docs, err := docstore.New(t.TempDir())
	require.NoError(t, err)

	e := NewWithConfig(db.Storage, docs, stubRecognizer{doc: doc.Build(), tokens: tokens}, config)
	queue := &recordingQueue{}
	e.SetTaskQueue(queue)
	return &fixture{engine: e, db: db, queue: queue}
}

// process submits and recognizes one document.
func (f *fixture) process(t *testing.T) *model.Submission {
	t.Helper()
	ctx := context.Background()
	sub, err := f.engine.Submit(ctx, "doc.txt", strings.NewReader("raw text"))
	require.NoError(t, err)
	require.NoError(t, f.engine.Process(ctx, sub.ID))

	sub, err = f.db.Storage.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) decisions(t *testing.T, documentID int64) map[model.Interval]model.Decision {
	t.Helper()
	decisions, err := f.engine.Decisions(context.Background(), documentID, nil)
	require.NoError(t, err)
	result := make(map[model.Interval]model.Decision, len(decisions))
	for _, d := range decisions {
		result[d.Interval] = d.Decision
	}
	return result
}

func iv(start, end int) model.Interval {
	return model.Interval{Start: start, End: end}
}

func TestProcessPreAnnotatesEntities(t *testing.T) {
	doc := testutil.NewDocument(t, "Mr", "John", "Smith", "arrived", ".").
		WithEntity("P", 1, 2).
		WithEntity("ps", 2, 2)
	f := newFixture(t, doc, 5)
	ctx := context.Background()

	sub := f.process(t)
	assert.Equal(t, model.StatusRecognized, sub.Status)
	assert.Equal(t, 5, sub.NumTokens)

	assert.Equal(t, map[model.Interval]model.Decision{
		iv(1, 2): model.DecisionUndecided,
		iv(2, 2): model.DecisionNested,
	}, f.decisions(t, sub.ID))

	rule, err := f.db.Storage.FindRuleByCondition(ctx, model.RuleNEType, []string{"P"})
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, model.ConfidenceCandidate, rule.Confidence)

	annotations, err := f.db.Storage.ListAnnotations(ctx, sub.ID)
	require.NoError(t, err)
	for _, a := range annotations {
		assert.Equal(t, model.SourceNE, a.Source)
	}

	err = f.engine.Process(ctx, sub.ID)
	assert.ErrorIs(t, err, common.ErrInvalidTransition, "only NEW submissions are recognized")
}

func TestProcessKeepsEntityTypeWeight(t *testing.T) {
	doc := testutil.NewDocument(t, "Anna", "Novak", "left").WithEntity("P", 0, 1)
	f := newFixture(t, doc, 3)
	f.db.Rule(model.RuleNEType, -2, "P")

	sub := f.process(t)
	assert.Equal(t, model.DecisionSecret, f.decisions(t, sub.ID)[iv(0, 1)])

	rule, err := f.db.Storage.FindRuleByCondition(context.Background(), model.RuleNEType, []string{"P"})
	require.NoError(t, err)
	assert.Equal(t, -2, rule.Confidence)
}

func TestApplyRulesWordRules(t *testing.T) {
	doc := testutil.NewDocument(t, "Mr", "John", "Smith", "met", "John", "Doe", "and", "Smith")
	f := newFixture(t, doc, 8)
	f.db.Rule(model.RuleWordType, -1, "John", "Smith")
	f.db.Rule(model.RuleWordType, -1, "John")
	f.db.Rule(model.RuleWordType, 2, "Smith")

	sub := f.process(t)
	want := map[model.Interval]model.Decision{
		iv(1, 2): model.DecisionSecret,
		iv(2, 2): model.DecisionPublic,
		iv(4, 4): model.DecisionSecret,
		iv(7, 7): model.DecisionPublic,
	}
	assert.Equal(t, want, f.decisions(t, sub.ID))

	annotations, err := f.db.Storage.ListAnnotations(context.Background(), sub.ID)
	require.NoError(t, err)
	for _, a := range annotations {
		assert.Equal(t, model.SourceRule, a.Source)
	}

	// A second pass over unchanged rules changes nothing
	require.NoError(t, f.engine.ApplyRules(context.Background(), sub.ID))
	assert.Equal(t, want, f.decisions(t, sub.ID))
}

func TestApplyRulesIsIdempotent(t *testing.T) {
	doc := testutil.NewDocument(t, "Mr", "John", "Smith", "met", "John", "Doe", "and", "Smith").
		WithEntity("P", 1, 2).
		WithEntity("ps", 2, 2).
		WithEntity("P", 4, 5)
	config := DefaultConfig()
	config.BatchSize = 2
	f := newFixtureWithConfig(t, doc, 8, config)
	ctx := context.Background()
	f.db.Rule(model.RuleWordType, -1, "John", "Smith")
	f.db.Rule(model.RuleWordType, 2, "Smith")
	f.db.Rule(model.RuleNEType, -1, "P")

	sub := f.process(t)

	decisions, err := f.engine.Decisions(ctx, sub.ID, nil)
	require.NoError(t, err)
	again, err := f.engine.Decisions(ctx, sub.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, decisions, again)

	annotations, err := f.db.Storage.ListAnnotations(ctx, sub.ID)
	require.NoError(t, err)
	require.NotEmpty(t, annotations)

	for range 2 {
		require.NoError(t, f.engine.ApplyRules(ctx, sub.ID))

		after, err := f.engine.Decisions(ctx, sub.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, decisions, after)

		afterAnnotations, err := f.db.Storage.ListAnnotations(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, annotations, afterAnnotations)
	}

	want := map[model.Interval]model.Decision{
		iv(1, 2): model.DecisionSecret,
		iv(2, 2): model.DecisionNested,
		iv(4, 5): model.DecisionSecret,
		iv(7, 7): model.DecisionPublic,
	}
	assert.Equal(t, want, f.decisions(t, sub.ID))
}

func TestApplyRulesPicksUpNewRules(t *testing.T) {
	doc := testutil.NewDocument(t, "Eva", "Kralova", "wrote").WithEntity("P", 0, 1)
	f := newFixture(t, doc, 3)
	ctx := context.Background()

	sub := f.process(t)
	assert.Equal(t, model.DecisionUndecided, f.decisions(t, sub.ID)[iv(0, 1)])

	_, err := f.engine.SetRule(ctx, model.RuleWordType, []string{"Eva", "Kralova"}, -1, "admin")
	require.NoError(t, err)
	require.Len(t, f.queue.skips, 1)
	assert.Nil(t, f.queue.skips[0])

	require.NoError(t, f.engine.ApplyRules(ctx, sub.ID))
	assert.Equal(t, model.DecisionSecret, f.decisions(t, sub.ID)[iv(0, 1)])

	// Two rules that disagree cancel out
	_, err = f.engine.SetRule(ctx, model.RuleNEType, []string{"P"}, 1, "admin")
	require.NoError(t, err)
	require.NoError(t, f.engine.ApplyRules(ctx, sub.ID))
	assert.Equal(t, model.DecisionUndecided, f.decisions(t, sub.ID)[iv(0, 1)])
}

func TestDecideCandidateRules(t *testing.T) {
	doc := testutil.NewDocument(t, "Mr", "John", "Smith", "arrived").WithEntity("P", 1, 2)
	f := newFixture(t, doc, 4)
	ctx := context.Background()
	sub := f.process(t)

	result, err := f.engine.Decide(ctx, sub.ID, iv(1, 2), model.DecisionSecret, "alice")
	require.NoError(t, err)
	require.NotNil(t, result.Candidate)
	assert.Equal(t, []string{"John", "Smith"}, result.Candidate.Condition)
	assert.Equal(t, model.ConfidenceCandidate, result.Candidate.Confidence)
	assert.True(t, result.SweepCorpus)

	assert.Equal(t, []int64{sub.ID}, f.queue.reannotate)
	require.Len(t, f.queue.skips, 1)
	require.NotNil(t, f.queue.skips[0])
	assert.Equal(t, sub.ID, *f.queue.skips[0])

	got, err := f.db.Storage.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAnnotated, got.Status)
	assert.Equal(t, model.DecisionSecret, f.decisions(t, sub.ID)[iv(1, 2)])

	// Reversing the decision drops the candidate again
	result, err = f.engine.Decide(ctx, sub.ID, iv(1, 2), model.DecisionPublic, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Dropped)
	assert.True(t, result.SweepCorpus)

	rule, err := f.db.Storage.FindRuleByCondition(ctx, model.RuleWordType, []string{"John", "Smith"})
	require.NoError(t, err)
	assert.Nil(t, rule)
	assert.Equal(t, model.DecisionPublic, f.decisions(t, sub.ID)[iv(1, 2)])
}

func TestDecideSupersedesDecisionOnEnclosedEntity(t *testing.T) {
	doc := testutil.NewDocument(t, "Dr", "Jan", "Novak", "Jr", ".").WithEntity("ps", 2, 2)
	f := newFixture(t, doc, 5)
	ctx := context.Background()
	sub := f.process(t)

	_, err := f.engine.Decide(ctx, sub.ID, iv(2, 2), model.DecisionSecret, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionSecret, f.decisions(t, sub.ID)[iv(2, 2)])

	inner, err := f.db.Storage.FindAnnotation(ctx, sub.ID, iv(2, 2))
	require.NoError(t, err)
	require.NotNil(t, inner)
	assert.Equal(t, model.SourceUser, inner.Source, "a decided entity span is a human annotation")

	_, err = f.engine.Decide(ctx, sub.ID, iv(1, 3), model.DecisionPublic, "bob")
	require.NoError(t, err)

	decisions := f.decisions(t, sub.ID)
	assert.Equal(t, model.DecisionPublic, decisions[iv(1, 3)])
	_, ok := decisions[iv(2, 2)]
	assert.False(t, ok, "the enclosed decision is gone")

	// Re-annotation brings the entity back without the old decision
	require.NoError(t, f.engine.ApplyRules(ctx, sub.ID))
	assert.Equal(t, model.DecisionUndecided, f.decisions(t, sub.ID)[iv(2, 2)])

	var out bytes.Buffer
	require.NoError(t, f.engine.Generate(ctx, sub.ID, &out))
	assert.Contains(t, out.String(), "Novak")
	assert.NotContains(t, out.String(), output.DefaultReplacement)
}

func TestDecideWithLabel(t *testing.T) {
	doc := testutil.NewDocument(t, "Call", "Eva", "now")
	f := newFixture(t, doc, 3)
	ctx := context.Background()
	sub := f.process(t)
	person := f.db.Label("person", "[PERSON]")

	_, err := f.engine.Decide(ctx, sub.ID, iv(1, 1), model.DecisionSecret, "alice", WithLabel(person.ID))
	require.NoError(t, err)

	annotation, err := f.db.Storage.FindAnnotation(ctx, sub.ID, iv(1, 1))
	require.NoError(t, err)
	require.NotNil(t, annotation)
	require.NotNil(t, annotation.LabelID)
	assert.Equal(t, person.ID, *annotation.LabelID)

	var out bytes.Buffer
	require.NoError(t, f.engine.Generate(ctx, sub.ID, &out))
	assert.Equal(t, "Call [PERSON] now", out.String())
}

func TestSubmitRejectsInvalidUTF8(t *testing.T) {
	f := newFixture(t, testutil.NewDocument(t, "a"), 1)
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, "scan.txt", strings.NewReader("John \xff Smith\n"))
	assert.ErrorIs(t, err, model.ErrInvalidText)
	assert.True(t, common.IsValidation(err))

	subs, err := f.db.Storage.ListSubmissions(ctx, service.SubmissionFilter{})
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestDecideRejectsBadInput(t *testing.T) {
	doc := testutil.NewDocument(t, "a", "b")
	f := newFixture(t, doc, 2)
	ctx := context.Background()

	fresh, err := f.engine.Submit(ctx, "new.txt", strings.NewReader("a b"))
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, fresh.ID, iv(0, 0), model.DecisionSecret, "")
	assert.ErrorIs(t, err, common.ErrInvalidTransition)

	require.NoError(t, f.engine.Process(ctx, fresh.ID))

	_, err = f.engine.Decide(ctx, fresh.ID, iv(0, 0), model.DecisionNested, "")
	assert.ErrorIs(t, err, model.ErrInvalidDecision)

	_, err = f.engine.Decide(ctx, fresh.ID, iv(1, 2), model.DecisionSecret, "")
	assert.ErrorIs(t, err, model.ErrInvalidInterval)

	_, err = f.engine.Decide(ctx, fresh.ID, iv(1, 0), model.DecisionSecret, "")
	assert.ErrorIs(t, err, model.ErrInvalidInterval)

	_, err = f.engine.Decide(ctx, 999, iv(0, 0), model.DecisionSecret, "")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, f.engine.MarkDone(ctx, fresh.ID))
	_, err = f.engine.Decide(ctx, fresh.ID, iv(0, 0), model.DecisionSecret, "")
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestRemoveRuleRevertsDecision(t *testing.T) {
	doc := testutil.NewDocument(t, "Petr", "Novak", "said")
	f := newFixture(t, doc, 3)
	ctx := context.Background()
	rule := f.db.Rule(model.RuleWordType, -1, "Petr", "Novak")

	sub := f.process(t)
	assert.Equal(t, model.DecisionSecret, f.decisions(t, sub.ID)[iv(0, 1)])

	require.NoError(t, f.engine.RemoveRule(ctx, rule.ID))
	assert.Empty(t, f.decisions(t, sub.ID), "annotation existed only for the rule")
	require.Len(t, f.queue.skips, 1)

	err := f.engine.RemoveRule(ctx, rule.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGenerateRedactsSecretSpan(t *testing.T) {
	words := []string{"w0", "w1", "w2", "w3", "w4", "Jan", "van", "Novak", "w8", "w9"}
	f := newFixture(t, testutil.NewDocument(t, words...).WithEntity("P", 5, 7), len(words))
	ctx := context.Background()
	sub := f.process(t)

	name := f.db.Label("name", "[NAME]")
	require.NoError(t, f.engine.SetLabel(ctx, sub.ID, iv(5, 7), &name.ID, "alice"))
	_, err := f.engine.Decide(ctx, sub.ID, iv(5, 7), model.DecisionSecret, "alice")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, f.engine.Generate(ctx, sub.ID, &out))
	assert.Equal(t, "w0 w1 w2 w3 w4 [NAME] w8 w9", out.String())

	err = f.engine.SetLabel(ctx, sub.ID, iv(0, 0), &name.ID, "alice")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGenerateUsesRuleLabelAndDefault(t *testing.T) {
	doc := testutil.NewDocument(t, "Call", "Eva", "or", "Adam")
	f := newFixture(t, doc, 4)
	ctx := context.Background()
	f.db.Rule(model.RuleWordType, -1, "Eva")
	f.db.Rule(model.RuleWordType, -1, "Adam")
	person := f.db.Label("person", "[PERSON]")
	require.NoError(t, f.engine.SetRuleLabel(ctx, []string{"Eva"}, &person.ID, "admin"))

	sub := f.process(t)

	var out bytes.Buffer
	require.NoError(t, f.engine.Generate(ctx, sub.ID, &out))
	assert.Equal(t, "Call [PERSON] or [REDACTED]", out.String())

	err := f.engine.SetRuleLabel(ctx, []string{"Nobody"}, &person.ID, "admin")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestReadTokens(t *testing.T) {
	doc := testutil.NewDocument(t, "a", "b", "c", "d").Build()

	tokens, err := ReadTokens(strings.NewReader(doc), iv(1, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, tokens)

	_, err = ReadTokens(strings.NewReader(doc), iv(3, 4))
	assert.ErrorIs(t, err, model.ErrInvalidInterval)
}

type countingOracle struct {
	calls map[string]int
}

func (o *countingOracle) RuleLookup(_ context.Context, word string) (model.EvidenceType, int, error) {
	o.calls[word]++
	if word == "John" {
		return model.EvidenceWordType, 1, nil
	}
	return model.EvidenceNone, 0, nil
}

func TestCachedOracle(t *testing.T) {
	inner := &countingOracle{calls: map[string]int{}}
	oracle := newCachedOracle(inner)
	ctx := context.Background()

	for range 3 {
		kind, extra, err := oracle.RuleLookup(ctx, "John")
		require.NoError(t, err)
		assert.Equal(t, model.EvidenceWordType, kind)
		assert.Equal(t, 1, extra)

		kind, _, err = oracle.RuleLookup(ctx, "said")
		require.NoError(t, err)
		assert.Equal(t, model.EvidenceNone, kind)
	}
	assert.Equal(t, map[string]int{"John": 1, "said": 1}, inner.calls)
}
