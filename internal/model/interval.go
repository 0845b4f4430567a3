// Package model defines the core data structures for the psan application.
package model

import (
	"errors"
	"fmt"
)

// Validation errors returned by the constructors in this package.
var (
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidRuleType = errors.New("invalid rule type")
	ErrEmptyCondition  = errors.New("rule condition cannot be empty")
	ErrInvalidDecision = errors.New("invalid decision")
	ErrInvalidStatus   = errors.New("invalid submission status")
	ErrInvalidLabel    = errors.New("invalid label")
	ErrInvalidText     = errors.New("document text is not valid UTF-8")
)

// Interval is an inclusive range of token ids within one document.
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// NewInterval validates and returns an interval.
func NewInterval(start, end int) (Interval, error) {
	if start < 0 {
		return Interval{}, fmt.Errorf("%w: negative start %d", ErrInvalidInterval, start)
	}
	if start > end {
		return Interval{}, fmt.Errorf("%w: start %d is after end %d", ErrInvalidInterval, start, end)
	}
	return Interval{Start: start, End: end}, nil
}

// Len returns the number of tokens covered by the interval.
func (i Interval) Len() int {
	return i.End - i.Start + 1
}

// Contains reports whether other lies within i.
func (i Interval) Contains(other Interval) bool {
	return i.Start <= other.Start && other.End <= i.End
}

// Encloses reports whether other lies within i and is strictly shorter.
func (i Interval) Encloses(other Interval) bool {
	return i.Contains(other) && other.Len() < i.Len()
}

// ContainsToken reports whether the token id lies within i.
func (i Interval) ContainsToken(id int) bool {
	return i.Start <= id && id <= i.End
}

func (i Interval) String() string {
	return fmt.Sprintf("(%d,%d)", i.Start, i.End)
}

// Token is a single recognized word with its stable id.
type Token struct {
	Text string
	ID   int
}
