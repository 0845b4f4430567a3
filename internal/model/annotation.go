package model

import (
	"fmt"
	"time"
)

// Decision is the outcome for one span.
type Decision string

// Decision constants. NESTED marks a span superseded by an enclosing
// candidate; it is never decided on its own.
const (
	DecisionUndecided Decision = "UNDECIDED"
	DecisionPublic    Decision = "PUBLIC"
	DecisionSecret    Decision = "SECRET"
	DecisionNested    Decision = "NESTED"
)

// ParseDecision converts a stored or user supplied value to a Decision.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionUndecided, DecisionPublic, DecisionSecret, DecisionNested:
		return Decision(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
}

// IsExplicit reports whether the decision can be stored as a token level
// (human) decision.
func (d Decision) IsExplicit() bool {
	return d == DecisionPublic || d == DecisionSecret || d == DecisionNested
}

// AnnotationSource records why an annotation row exists.
type AnnotationSource string

// Annotation sources.
const (
	SourceNE   AnnotationSource = "NE"
	SourceUser AnnotationSource = "USER"
	SourceRule AnnotationSource = "RULE"
)

// Annotation is the decision record of one span within one submission.
type Annotation struct {
	UpdatedAt    time.Time
	TokenLevel   *Decision
	LabelID      *int64
	Source       AnnotationSource
	Author       string
	Interval     Interval
	ID           int64
	SubmissionID int64
	RuleLevel    int
}

// SpanDecision is the aggregated decision for one annotation.
type SpanDecision struct {
	Label       string   `json:"label,omitempty"`
	Replacement string   `json:"replacement,omitempty"`
	Decision    Decision `json:"decision"`
	Interval    Interval `json:"interval"`
	RuleLevel   int      `json:"rule_level"`
	Explicit    bool     `json:"explicit"`
}
