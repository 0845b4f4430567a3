// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"

	"github.com/Veraticus/psan/internal/model"
)

// Common application errors.
var (
	// Database errors.
	ErrNotFound  = errors.New("not found")
	ErrIntegrity = errors.New("data integrity violation")

	// Workflow errors.
	ErrInvalidTransition = errors.New("invalid status transition")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// IsValidation reports whether err was caused by rejected input.
func IsValidation(err error) bool {
	return errors.Is(err, model.ErrInvalidInterval) ||
		errors.Is(err, model.ErrInvalidRuleType) ||
		errors.Is(err, model.ErrEmptyCondition) ||
		errors.Is(err, model.ErrInvalidDecision) ||
		errors.Is(err, model.ErrInvalidStatus) ||
		errors.Is(err, model.ErrInvalidLabel) ||
		errors.Is(err, model.ErrInvalidText)
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	// Input and integrity problems do not go away on retry
	if IsValidation(err) || errors.Is(err, ErrIntegrity) || errors.Is(err, ErrNotFound) {
		return false
	}

	// Check for specific retryable errors
	if errors.Is(err, ErrBusy) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Check for retryable error type
	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return false
}
