package model

import (
	"fmt"
	"strings"
	"time"
)

// SubmissionStatus is the forward-only lifecycle of a document.
type SubmissionStatus string

// Submission status constants.
const (
	StatusNew        SubmissionStatus = "NEW"
	StatusRecognized SubmissionStatus = "RECOGNIZED"
	StatusAnnotated  SubmissionStatus = "ANNOTATED"
	StatusDone       SubmissionStatus = "DONE"
)

var statusOrder = map[SubmissionStatus]int{
	StatusNew:        0,
	StatusRecognized: 1,
	StatusAnnotated:  2,
	StatusDone:       3,
}

// ParseSubmissionStatus converts a stored value to a status.
func ParseSubmissionStatus(s string) (SubmissionStatus, error) {
	status := SubmissionStatus(strings.ToUpper(s))
	if _, ok := statusOrder[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

// CanTransition reports whether moving from s to next keeps the status
// monotonic. Staying in place is allowed so that retried jobs are no-ops.
func (s SubmissionStatus) CanTransition(next SubmissionStatus) bool {
	from, okFrom := statusOrder[s]
	to, okTo := statusOrder[next]
	return okFrom && okTo && to >= from
}

// Submission is one uploaded document.
type Submission struct {
	CreatedAt time.Time        `json:"created_at"`
	UID       string           `json:"uid"`
	Name      string           `json:"name"`
	Status    SubmissionStatus `json:"status"`
	ID        int64            `json:"id"`
	NumTokens int              `json:"num_tokens"`
}

// Label is a named replacement used when rendering SECRET spans.
type Label struct {
	Name        string `json:"name"`
	Replacement string `json:"replacement"`
	ID          int64  `json:"id"`
}

// NewLabel validates and returns an unsaved label.
func NewLabel(name, replacement string) (Label, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Label{}, fmt.Errorf("%w: empty name", ErrInvalidLabel)
	}
	return Label{Name: name, Replacement: replacement}, nil
}
