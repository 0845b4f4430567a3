package engine

import (
	"context"
	"fmt"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
)

// Controller applies decisions to one document. It is bound to a single
// unit of work: pass a service.Transaction to make every call commit or
// roll back together.
type Controller struct {
	store      service.Storage
	author     string
	documentID int64
}

// NewController returns a controller for documentID acting as author.
func NewController(store service.Storage, documentID int64, author string) *Controller {
	return &Controller{store: store, documentID: documentID, author: author}
}

// DocumentID returns the document the controller acts on.
func (c *Controller) DocumentID() int64 {
	return c.documentID
}

// SetRule inserts a rule or re-weights the existing one with the same
// type and condition.
func (c *Controller) SetRule(ctx context.Context, ruleType model.RuleType, condition []string, confidence int) (*model.Rule, error) {
	rule, err := model.NewRule(ruleType, condition, confidence)
	if err != nil {
		return nil, err
	}
	rule.Author = c.author
	if err := c.store.SaveRule(ctx, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// AddNEType returns the NE_TYPE rule of an entity type, registering it at
// candidate weight when it is new. The weight of a known type is kept.
func (c *Controller) AddNEType(ctx context.Context, neType string) (*model.Rule, error) {
	rule, err := model.NewRule(model.RuleNEType, []string{neType}, model.ConfidenceCandidate)
	if err != nil {
		return nil, err
	}
	rule.Author = c.author

	created, err := c.store.AddCandidateRule(ctx, &rule)
	if err != nil {
		return nil, err
	}
	if created {
		return &rule, nil
	}
	existing, err := c.store.FindRuleByCondition(ctx, model.RuleNEType, rule.Condition)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: NE_TYPE rule %q vanished", common.ErrIntegrity, neType)
	}
	return existing, nil
}

// AddCandidateRule creates a provisional WORD_TYPE rule from the tokens
// behind a human decision and links it to that annotation. It returns nil
// when a rule with the same condition already exists.
func (c *Controller) AddCandidateRule(ctx context.Context, tokens []string, annotationID int64) (*model.Rule, error) {
	rule, err := model.NewRule(model.RuleWordType, tokens, model.ConfidenceCandidate)
	if err != nil {
		return nil, err
	}
	rule.Author = c.author
	rule.Source = &annotationID

	created, err := c.store.AddCandidateRule(ctx, &rule)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	if err := c.Connect(ctx, annotationID, rule.ID); err != nil {
		return nil, err
	}
	return &rule, nil
}

// DropCandidateRule deletes the candidate rules an annotation created,
// unless they have since been weighted towards SECRET.
func (c *Controller) DropCandidateRule(ctx context.Context, annotationID int64) (int64, error) {
	return c.store.DeleteCandidateRules(ctx, annotationID)
}

// TokenAnnotation records a human decision for interval. Human decisions
// on spans strictly inside interval are removed.
func (c *Controller) TokenAnnotation(ctx context.Context, interval model.Interval, decision model.Decision) (int64, error) {
	annotation := &model.Annotation{
		SubmissionID: c.documentID,
		Interval:     interval,
		TokenLevel:   &decision,
		Source:       model.SourceUser,
		Author:       c.author,
	}
	if err := c.store.SaveTokenAnnotation(ctx, annotation); err != nil {
		return 0, err
	}
	return annotation.ID, nil
}

// AnnotateFromRule makes sure interval has an annotation and links it to
// rule. A new annotation gets tokenLevel, an existing one keeps its own.
func (c *Controller) AnnotateFromRule(ctx context.Context, interval model.Interval, rule *model.Rule, tokenLevel *model.Decision) (int64, error) {
	source := model.SourceRule
	if rule.Type == model.RuleNEType {
		source = model.SourceNE
	}
	annotation := &model.Annotation{
		SubmissionID: c.documentID,
		Interval:     interval,
		TokenLevel:   tokenLevel,
		Source:       source,
		Author:       c.author,
	}
	if err := c.store.EnsureAnnotation(ctx, annotation); err != nil {
		return 0, err
	}
	if err := c.Connect(ctx, annotation.ID, rule.ID); err != nil {
		return 0, err
	}
	return annotation.ID, nil
}

// Connect links an annotation to a rule. Existing links are kept.
func (c *Controller) Connect(ctx context.Context, annotationID, ruleID int64) error {
	return c.store.ConnectRule(ctx, annotationID, ruleID)
}

// SetLabel attaches a label to the annotation of interval. A nil labelID
// clears it. It reports whether the span has an annotation.
func (c *Controller) SetLabel(ctx context.Context, interval model.Interval, labelID *int64) (bool, error) {
	return c.store.SetAnnotationLabel(ctx, c.documentID, interval, labelID, c.author)
}

// SetRuleLabel attaches a label to the WORD_TYPE rule with condition.
func (c *Controller) SetRuleLabel(ctx context.Context, condition []string, labelID *int64) (bool, error) {
	return c.store.SetRuleLabel(ctx, model.RuleWordType, condition, labelID, c.author)
}

// RemoveRule deletes a rule. Annotations that only existed for it are
// deleted, all others lose the link.
func (c *Controller) RemoveRule(ctx context.Context, ruleID int64) error {
	return c.store.DeleteRule(ctx, ruleID)
}

// FindRule returns the rule justified by ev, or nil. WORD_TYPE evidence
// matches the longest rule condition that is a prefix of its tokens.
func (c *Controller) FindRule(ctx context.Context, ev model.Evidence) (*model.Rule, error) {
	switch ev.Type {
	case model.EvidenceNEType:
		return c.store.FindRuleByCondition(ctx, model.RuleNEType, ev.Value)
	case model.EvidenceWordType:
		return c.store.FindPrefixRule(ctx, ev.Value)
	case model.EvidenceLemma:
		// Lemma rules are stored but no recognizer emits lemmas.
		return nil, nil
	default:
		panic(fmt.Sprintf("unhandled evidence kind %s for span %s", ev.Type, ev.Interval))
	}
}

// RuleLookup reports whether a WORD_TYPE rule starts with word and how
// many following tokens its longest condition needs.
func (c *Controller) RuleLookup(ctx context.Context, word string) (model.EvidenceType, int, error) {
	extra, ok, err := c.store.RuleLookup(ctx, word)
	if err != nil {
		return model.EvidenceNone, 0, err
	}
	if !ok {
		return model.EvidenceNone, 0, nil
	}
	return model.EvidenceWordType, extra, nil
}

// GetDecisions aggregates the decision of every annotation whose start
// lies in interval, or of the whole document when interval is nil.
func (c *Controller) GetDecisions(ctx context.Context, interval *model.Interval, minConfidence int) ([]model.SpanDecision, error) {
	rows, err := c.store.GetDecisionRows(ctx, c.documentID, interval)
	if err != nil {
		return nil, err
	}

	decisions := make([]model.SpanDecision, 0, len(rows))
	for _, row := range rows {
		d := model.SpanDecision{
			Interval:  row.Interval,
			RuleLevel: row.RuleLevel,
			Decision:  Classify(row.TokenLevel, row.RuleLevel, minConfidence),
			Explicit:  row.TokenLevel != nil,
		}
		if row.Label != nil {
			d.Label = *row.Label
		}
		if row.Replacement != nil {
			d.Replacement = *row.Replacement
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// Classify turns a token level decision and a summed rule confidence into
// the final decision. A token level decision always wins.
func Classify(tokenLevel *model.Decision, ruleLevel, minConfidence int) model.Decision {
	if tokenLevel != nil {
		return *tokenLevel
	}
	switch {
	case ruleLevel <= -minConfidence:
		return model.DecisionSecret
	case ruleLevel >= minConfidence:
		return model.DecisionPublic
	default:
		return model.DecisionUndecided
	}
}

// DecideResult describes the effects of one interactive decision.
type DecideResult struct {
	Candidate    *model.Rule
	AnnotationID int64
	Dropped      int64
	SweepCorpus  bool
}

// Decide records a human decision for interval. A SECRET decision adds a
// candidate rule built from tokens, a PUBLIC decision drops the candidates
// the annotation created earlier. SweepCorpus reports whether other
// documents are affected.
func (c *Controller) Decide(ctx context.Context, interval model.Interval, decision model.Decision, tokens []string) (*DecideResult, error) {
	annotationID, err := c.TokenAnnotation(ctx, interval, decision)
	if err != nil {
		return nil, err
	}
	result := &DecideResult{AnnotationID: annotationID}

	switch decision {
	case model.DecisionSecret:
		if len(tokens) == 0 {
			return result, nil
		}
		rule, err := c.AddCandidateRule(ctx, tokens, annotationID)
		if err != nil {
			return nil, fmt.Errorf("failed to add candidate rule: %w", err)
		}
		result.Candidate = rule
		result.SweepCorpus = rule != nil
	case model.DecisionPublic:
		dropped, err := c.DropCandidateRule(ctx, annotationID)
		if err != nil {
			return nil, fmt.Errorf("failed to drop candidate rules: %w", err)
		}
		result.Dropped = dropped
		result.SweepCorpus = dropped > 0
	}
	return result, nil
}
