// Package service defines the ports between the decision engine and its
// collaborators: persistence and background task dispatch.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/psan/internal/model"
)

// RuleFilter defines filtering options for rule queries.
type RuleFilter struct {
	Type   *model.RuleType
	Search string
	Limit  int
	Offset int
}

// SubmissionFilter defines filtering options for submission queries.
type SubmissionFilter struct {
	Status *model.SubmissionStatus
	Limit  int
	Offset int
}

// DecisionRow is one annotation with its summed rule confidence, before the
// confidence threshold is applied.
type DecisionRow struct {
	TokenLevel   *model.Decision
	Label        *string
	Replacement  *string
	Interval     model.Interval
	AnnotationID int64
	RuleLevel    int
}

// Storage defines the contract for our persistence layer. Methods named
// Find* return nil, nil when nothing matches; Get* return common.ErrNotFound.
type Storage interface {
	// Rule operations
	SaveRule(ctx context.Context, rule *model.Rule) error
	AddCandidateRule(ctx context.Context, rule *model.Rule) (bool, error)
	GetRule(ctx context.Context, id int64) (*model.Rule, error)
	FindRuleByCondition(ctx context.Context, ruleType model.RuleType, condition []string) (*model.Rule, error)
	FindPrefixRule(ctx context.Context, tokens []string) (*model.Rule, error)
	RuleLookup(ctx context.Context, word string) (int, bool, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]model.Rule, error)
	DeleteRule(ctx context.Context, id int64) error
	DeleteCandidateRules(ctx context.Context, annotationID int64) (int64, error)
	SetRuleLabel(ctx context.Context, ruleType model.RuleType, condition []string, labelID *int64, author string) (bool, error)

	// Annotation operations
	SaveTokenAnnotation(ctx context.Context, annotation *model.Annotation) error
	EnsureAnnotation(ctx context.Context, annotation *model.Annotation) error
	FindAnnotation(ctx context.Context, submissionID int64, interval model.Interval) (*model.Annotation, error)
	ListAnnotations(ctx context.Context, submissionID int64) ([]model.Annotation, error)
	ConnectRule(ctx context.Context, annotationID, ruleID int64) error
	SetAnnotationLabel(ctx context.Context, submissionID int64, interval model.Interval, labelID *int64, author string) (bool, error)
	GetDecisionRows(ctx context.Context, submissionID int64, interval *model.Interval) ([]DecisionRow, error)
	GetDecidedIntervals(ctx context.Context, submissionID int64) ([]model.Interval, error)

	// Label operations
	SaveLabel(ctx context.Context, label *model.Label) error
	GetLabel(ctx context.Context, id int64) (*model.Label, error)
	FindLabelByName(ctx context.Context, name string) (*model.Label, error)
	ListLabels(ctx context.Context) ([]model.Label, error)
	UpdateLabel(ctx context.Context, label *model.Label) error
	DeleteLabel(ctx context.Context, id int64) error

	// Submission operations
	CreateSubmission(ctx context.Context, submission *model.Submission) error
	GetSubmission(ctx context.Context, id int64) (*model.Submission, error)
	GetSubmissionByUID(ctx context.Context, uid string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.Submission, error)
	TransitionSubmission(ctx context.Context, id int64, status model.SubmissionStatus) error
	SetSubmissionTokens(ctx context.Context, id int64, numTokens int) error

	// Corpus sweep queue
	ScheduleSweep(ctx context.Context, skip *int64, dueAt time.Time) (bool, error)
	ClaimSweep(ctx context.Context, now time.Time) (*SweepJob, error)

	// Database management
	Migrate(ctx context.Context) error
	BeginTx(ctx context.Context) (Transaction, error)
	Close() error
}

// SweepJob is a pending corpus sweep. Skip names a document left out of
// the pass; nil sweeps every document.
type SweepJob struct {
	DueAt       time.Time
	RequestedAt time.Time
	Skip        *int64
	Requests    int
}

// Transaction represents a database transaction.
type Transaction interface {
	Commit() error
	Rollback() error
	// Include all Storage methods for use within transaction
	Storage
}

// TaskQueue dispatches re-annotation jobs. Both jobs are idempotent and
// safe to retry. A nil skip re-annotates every document.
type TaskQueue interface {
	ReAnnotate(ctx context.Context, documentID int64) error
	ReAnnotateAll(ctx context.Context, skip *int64) error
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
