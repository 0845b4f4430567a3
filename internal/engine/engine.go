// Package engine implements the annotation decision engine: the per
// document Controller and the passes that run it over tagged documents.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/output"
	"github.com/Veraticus/psan/internal/service"
)

// Engine runs recognition, pre-annotation, rule application and
// interactive decisions against one store.
type Engine struct {
	store      service.Storage
	docs       Documents
	recognizer Recognizer
	queue      service.TaskQueue
	config     Config
}

// Config holds configuration options for the engine.
type Config struct {
	DefaultReplacement string
	MinConfidence      int
	// BatchSize is how many evidence records a rule pass applies per
	// transaction.
	BatchSize int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MinConfidence:      1,
		DefaultReplacement: output.DefaultReplacement,
		BatchSize:          500,
	}
}

// New creates an engine with the default configuration.
func New(store service.Storage, docs Documents, recognizer Recognizer) *Engine {
	return NewWithConfig(store, docs, recognizer, DefaultConfig())
}

// NewWithConfig creates an engine with a custom configuration.
func NewWithConfig(store service.Storage, docs Documents, recognizer Recognizer, config Config) *Engine {
	if config.MinConfidence < 1 {
		config.MinConfidence = 1
	}
	if config.DefaultReplacement == "" {
		config.DefaultReplacement = output.DefaultReplacement
	}
	if config.BatchSize < 1 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Engine{
		store:      store,
		docs:       docs,
		recognizer: recognizer,
		config:     config,
	}
}

// SetTaskQueue sets where follow-up re-annotation jobs are sent. Without a
// queue decisions only touch their own annotation.
func (e *Engine) SetTaskQueue(queue service.TaskQueue) {
	e.queue = queue
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// inTx runs fn inside one transaction.
func (e *Engine) inTx(ctx context.Context, fn func(tx service.Transaction) error) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("Failed to rollback transaction", "error", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Submit stores raw text as a NEW submission. Text that is not valid
// UTF-8 is rejected with model.ErrInvalidText.
func (e *Engine) Submit(ctx context.Context, name string, text io.Reader) (*model.Submission, error) {
	content, err := io.ReadAll(text)
	if err != nil {
		return nil, fmt.Errorf("failed to read submission text: %w", err)
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidText, name)
	}

	sub := &model.Submission{UID: uuid.NewString(), Name: name, Status: model.StatusNew}

	w, err := e.docs.Create(sub.UID, model.StatusNew)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to store submission text: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	if err := e.store.CreateSubmission(ctx, sub); err != nil {
		return nil, err
	}
	slog.Info("Submission created", "document_id", sub.ID, "uid", sub.UID, "name", name)
	return sub, nil
}

// Process runs recognition on a NEW submission, registers the recognized
// name entities, applies the known rules and marks it RECOGNIZED. A
// failed run can be repeated.
func (e *Engine) Process(ctx context.Context, documentID int64) error {
	sub, err := e.store.GetSubmission(ctx, documentID)
	if err != nil {
		return err
	}
	if sub.Status != model.StatusNew {
		return fmt.Errorf("%w: submission %d is %s", common.ErrInvalidTransition, documentID, sub.Status)
	}

	numTokens, err := e.recognize(ctx, sub)
	if err != nil {
		return err
	}
	if err := e.PreAnnotate(ctx, sub); err != nil {
		return err
	}
	if err := e.applyRules(ctx, sub); err != nil {
		return err
	}

	err = e.inTx(ctx, func(tx service.Transaction) error {
		if err := tx.SetSubmissionTokens(ctx, documentID, numTokens); err != nil {
			return err
		}
		return tx.TransitionSubmission(ctx, documentID, model.StatusRecognized)
	})
	if err != nil {
		return fmt.Errorf("failed to finish submission %d: %w", documentID, err)
	}

	slog.Info("Submission recognized", "document_id", documentID, "tokens", numTokens)
	return nil
}

func (e *Engine) recognize(ctx context.Context, sub *model.Submission) (int, error) {
	in, err := e.docs.Open(sub.UID, model.StatusNew)
	if err != nil {
		return 0, err
	}
	defer closeLogged(in, "input document")

	out, err := e.docs.Create(sub.UID, model.StatusRecognized)
	if err != nil {
		return 0, err
	}
	numTokens, err := e.recognizer.Recognize(ctx, in, out, 0)
	if err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("recognition of submission %d failed: %w", sub.ID, err)
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	return numTokens, nil
}

// Decisions returns the aggregated decisions of a document, optionally
// restricted to annotations starting inside interval.
func (e *Engine) Decisions(ctx context.Context, documentID int64, interval *model.Interval) ([]model.SpanDecision, error) {
	ctl := NewController(e.store, documentID, "")
	return ctl.GetDecisions(ctx, interval, e.config.MinConfidence)
}

// Generate writes the sanitized text of a recognized document to w.
func (e *Engine) Generate(ctx context.Context, documentID int64, w io.Writer) error {
	sub, err := e.recognizedSubmission(ctx, documentID)
	if err != nil {
		return err
	}
	decisions, err := e.Decisions(ctx, documentID, nil)
	if err != nil {
		return err
	}

	r, err := e.docs.Open(sub.UID, model.StatusRecognized)
	if err != nil {
		return err
	}
	defer closeLogged(r, "recognized document")

	return output.Generate(r, w, decisions, e.config.DefaultReplacement)
}

// MarkDone closes a submission for further annotation.
func (e *Engine) MarkDone(ctx context.Context, documentID int64) error {
	if _, err := e.recognizedSubmission(ctx, documentID); err != nil {
		return err
	}
	return e.store.TransitionSubmission(ctx, documentID, model.StatusDone)
}

func (e *Engine) recognizedSubmission(ctx context.Context, documentID int64) (*model.Submission, error) {
	sub, err := e.store.GetSubmission(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.StatusNew {
		return nil, fmt.Errorf("%w: submission %d has not been recognized", common.ErrInvalidTransition, documentID)
	}
	return sub, nil
}

// SetRule adds or re-weights a rule and schedules a corpus sweep.
func (e *Engine) SetRule(ctx context.Context, ruleType model.RuleType, condition []string, confidence int, author string) (*model.Rule, error) {
	ctl := NewController(e.store, 0, author)
	rule, err := ctl.SetRule(ctx, ruleType, condition, confidence)
	if err != nil {
		return nil, err
	}
	e.scheduleSweep(ctx, nil)
	return rule, nil
}

// RemoveRule deletes a rule and schedules a corpus sweep, since spans it
// covered may now match shorter rules.
func (e *Engine) RemoveRule(ctx context.Context, ruleID int64) error {
	ctl := NewController(e.store, 0, "")
	if err := ctl.RemoveRule(ctx, ruleID); err != nil {
		return err
	}
	e.scheduleSweep(ctx, nil)
	return nil
}

// SetRuleLabel labels the WORD_TYPE rule with condition.
func (e *Engine) SetRuleLabel(ctx context.Context, condition []string, labelID *int64, author string) error {
	ctl := NewController(e.store, 0, author)
	ok, err := ctl.SetRuleLabel(ctx, condition, labelID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: rule %q", common.ErrNotFound, model.Rule{Condition: condition}.ConditionString())
	}
	return nil
}

// SetLabel labels the annotation of interval in a document.
func (e *Engine) SetLabel(ctx context.Context, documentID int64, interval model.Interval, labelID *int64, author string) error {
	ctl := NewController(e.store, documentID, author)
	ok, err := ctl.SetLabel(ctx, interval, labelID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: annotation %s in submission %d", common.ErrNotFound, interval, documentID)
	}
	return nil
}

// RulesChanged schedules a corpus sweep after rules were changed outside
// the engine, for example by a bulk import.
func (e *Engine) RulesChanged(ctx context.Context) {
	e.scheduleSweep(ctx, nil)
}

func (e *Engine) scheduleSweep(ctx context.Context, skip *int64) {
	if e.queue == nil {
		slog.Debug("No task queue, corpus sweep not scheduled")
		return
	}
	if err := e.queue.ReAnnotateAll(ctx, skip); err != nil {
		slog.Warn("Failed to schedule corpus sweep", "error", err)
	}
}

func closeLogged(c io.Closer, what string) {
	if err := c.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		slog.Warn("Failed to close "+what, "error", err)
	}
}
