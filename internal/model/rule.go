package model

import (
	"fmt"
	"strings"
	"time"
)

// RuleType selects what a rule condition is matched against.
type RuleType string

// Rule type constants.
const (
	RuleWordType RuleType = "WORD_TYPE"
	RuleLemma    RuleType = "LEMMA"
	RuleNEType   RuleType = "NE_TYPE"
)

// ConfidenceCandidate is the weight of a rule inferred from a single human
// decision. It never decides a span on its own.
const ConfidenceCandidate = 0

// ParseRuleType converts a stored or user supplied value to a RuleType.
func ParseRuleType(s string) (RuleType, error) {
	switch RuleType(strings.ToUpper(strings.TrimSpace(s))) {
	case RuleWordType:
		return RuleWordType, nil
	case RuleLemma:
		return RuleLemma, nil
	case RuleNEType:
		return RuleNEType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRuleType, s)
	}
}

// Rule is a persisted condition with a signed confidence. Positive
// confidence is evidence for PUBLIC, negative for SECRET.
type Rule struct {
	CreatedAt  time.Time `json:"created_at"`
	LabelID    *int64    `json:"label_id,omitempty"`
	Source     *int64    `json:"source,omitempty"`
	Type       RuleType  `json:"type"`
	Author     string    `json:"author,omitempty"`
	Condition  []string  `json:"condition"`
	ID         int64     `json:"id"`
	Confidence int       `json:"confidence"`
}

// NewRule validates the rule key and returns an unsaved rule.
func NewRule(ruleType RuleType, condition []string, confidence int) (Rule, error) {
	if err := ValidateCondition(ruleType, condition); err != nil {
		return Rule{}, err
	}
	return Rule{
		Type:       ruleType,
		Condition:  append([]string(nil), condition...),
		Confidence: confidence,
	}, nil
}

// ValidateCondition checks that a (type, condition) key is well formed.
func ValidateCondition(ruleType RuleType, condition []string) error {
	if _, err := ParseRuleType(string(ruleType)); err != nil {
		return err
	}
	if len(condition) == 0 {
		return ErrEmptyCondition
	}
	for i, c := range condition {
		if c == "" {
			return fmt.Errorf("%w: empty token at position %d", ErrEmptyCondition, i)
		}
	}
	if ruleType == RuleNEType && len(condition) != 1 {
		return fmt.Errorf("%w: NE_TYPE condition must hold exactly one entity type", ErrEmptyCondition)
	}
	return nil
}

// Polarity returns the decision this rule argues for, or DecisionUndecided
// for candidate weight.
func (r Rule) Polarity() Decision {
	switch {
	case r.Confidence > 0:
		return DecisionPublic
	case r.Confidence < 0:
		return DecisionSecret
	default:
		return DecisionUndecided
	}
}

// IsPrefixOf reports whether the rule condition is a prefix of tokens.
func (r Rule) IsPrefixOf(tokens []string) bool {
	if len(r.Condition) > len(tokens) {
		return false
	}
	for i, c := range r.Condition {
		if tokens[i] != c {
			return false
		}
	}
	return true
}

// ConditionString renders the condition for display.
func (r Rule) ConditionString() string {
	if r.Type == RuleNEType {
		return "NE_TYPE:" + strings.Join(r.Condition, " ")
	}
	return strings.Join(r.Condition, " ")
}
