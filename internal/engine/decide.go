package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
	"github.com/Veraticus/psan/internal/tagged"
)

// DecideOption adjusts a single Decide call.
type DecideOption func(*decideOptions)

type decideOptions struct {
	labelID *int64
}

// WithLabel labels the decided span in the same transaction as the
// decision.
func WithLabel(labelID int64) DecideOption {
	return func(o *decideOptions) {
		o.labelID = &labelID
	}
}

// Decide records a human decision on a span of a recognized document.
// The document is re-annotated right away; a corpus sweep that skips it
// is scheduled when the decision created or dropped a candidate rule.
func (e *Engine) Decide(ctx context.Context, documentID int64, interval model.Interval, decision model.Decision, author string, opts ...DecideOption) (*DecideResult, error) {
	var options decideOptions
	for _, opt := range opts {
		opt(&options)
	}

	if decision != model.DecisionPublic && decision != model.DecisionSecret {
		return nil, fmt.Errorf("%w: %s is not a human decision", model.ErrInvalidDecision, decision)
	}
	if _, err := model.NewInterval(interval.Start, interval.End); err != nil {
		return nil, err
	}

	sub, err := e.recognizedSubmission(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.StatusDone {
		return nil, fmt.Errorf("%w: submission %d is done", common.ErrInvalidTransition, documentID)
	}
	if interval.End >= sub.NumTokens {
		return nil, fmt.Errorf("%w: %s outside %d tokens", model.ErrInvalidInterval, interval, sub.NumTokens)
	}

	tokens, err := e.tokens(sub, interval)
	if err != nil {
		return nil, err
	}

	var result *DecideResult
	err = e.inTx(ctx, func(tx service.Transaction) error {
		ctl := NewController(tx, documentID, author)
		var decideErr error
		if result, decideErr = ctl.Decide(ctx, interval, decision, tokens); decideErr != nil {
			return decideErr
		}
		if options.labelID != nil {
			if _, err := ctl.SetLabel(ctx, interval, options.labelID); err != nil {
				return fmt.Errorf("failed to label %s: %w", interval, err)
			}
		}
		if sub.Status == model.StatusRecognized {
			return tx.TransitionSubmission(ctx, documentID, model.StatusAnnotated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Decision recorded",
		"document_id", documentID,
		"interval", interval.String(),
		"decision", decision,
		"sweep", result.SweepCorpus)

	if e.queue != nil {
		if err := e.queue.ReAnnotate(ctx, documentID); err != nil {
			slog.Warn("Failed to re-annotate document after decision", "document_id", documentID, "error", err)
		}
	}
	if result.SweepCorpus {
		e.scheduleSweep(ctx, &documentID)
	}
	return result, nil
}

// tokens reads the token texts of interval from the recognized document.
func (e *Engine) tokens(sub *model.Submission, interval model.Interval) ([]string, error) {
	r, err := e.docs.Open(sub.UID, model.StatusRecognized)
	if err != nil {
		return nil, err
	}
	defer closeLogged(r, "recognized document")
	return ReadTokens(r, interval)
}

// ReadTokens returns the texts of the tokens in interval, reading r only
// as far as the interval's last token.
func ReadTokens(r io.Reader, interval model.Interval) ([]string, error) {
	tokens := make([]string, 0, interval.Len())
	dec := tagged.NewDecoder(r)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if ev.Kind != tagged.EventTokenEnd || !interval.ContainsToken(ev.TokenID) {
			continue
		}
		tokens = append(tokens, ev.Text)
		if ev.TokenID == interval.End {
			return tokens, nil
		}
	}
	return nil, fmt.Errorf("%w: %s past the end of the document", model.ErrInvalidInterval, interval)
}
