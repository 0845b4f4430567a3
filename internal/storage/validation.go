// Package storage provides the data persistence layer for psan.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/psan/internal/model"
)

// Validation errors.
var (
	ErrNilContext   = errors.New("context cannot be nil")
	ErrEmptyString  = errors.New("string parameter cannot be empty")
	ErrNilParameter = errors.New("parameter cannot be nil")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateInterval(interval model.Interval) error {
	_, err := model.NewInterval(interval.Start, interval.End)
	return err
}

// validateRule checks the rule key. Confidence is free.
func validateRule(rule *model.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule", ErrNilParameter)
	}
	return model.ValidateCondition(rule.Type, rule.Condition)
}

func validateAnnotation(annotation *model.Annotation) error {
	if annotation == nil {
		return fmt.Errorf("%w: annotation", ErrNilParameter)
	}
	if err := validateInterval(annotation.Interval); err != nil {
		return err
	}
	if annotation.TokenLevel != nil {
		if _, err := model.ParseDecision(string(*annotation.TokenLevel)); err != nil {
			return err
		}
	}
	return nil
}

// validateTokenAnnotation additionally requires a human decision, PUBLIC
// or SECRET.
func validateTokenAnnotation(annotation *model.Annotation) error {
	if err := validateAnnotation(annotation); err != nil {
		return err
	}
	if annotation.TokenLevel == nil {
		return fmt.Errorf("%w: token level decision is required", model.ErrInvalidDecision)
	}
	if d := *annotation.TokenLevel; d != model.DecisionPublic && d != model.DecisionSecret {
		return fmt.Errorf("%w: %s is not a human decision", model.ErrInvalidDecision, d)
	}
	return nil
}

func validateLabel(label *model.Label) error {
	if label == nil {
		return fmt.Errorf("%w: label", ErrNilParameter)
	}
	if strings.TrimSpace(label.Name) == "" {
		return fmt.Errorf("%w: missing name", model.ErrInvalidLabel)
	}
	return nil
}

func validateSubmission(submission *model.Submission) error {
	if submission == nil {
		return fmt.Errorf("%w: submission", ErrNilParameter)
	}
	if err := validateString(submission.UID, "uid"); err != nil {
		return err
	}
	if _, err := model.ParseSubmissionStatus(string(submission.Status)); err != nil {
		return err
	}
	return nil
}
