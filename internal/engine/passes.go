package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/patrickmn/go-cache"

	"github.com/Veraticus/psan/internal/evidence"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
)

// PreAnnotate registers every ne of a recognized document: its entity type
// becomes an NE_TYPE rule and its span an annotation linked to that rule.
// Spans nested in another ne are marked NESTED.
func (e *Engine) PreAnnotate(ctx context.Context, sub *model.Submission) error {
	neTypes := make(map[string]*model.Rule)
	total, err := e.eachBatch(ctx, sub, nil, nil, func(batch []model.Evidence) error {
		return e.inTx(ctx, func(tx service.Transaction) error {
			ctl := NewController(tx, sub.ID, "")
			for _, ev := range batch {
				neType := ev.Value[0]
				rule, ok := neTypes[neType]
				if !ok {
					var err error
					if rule, err = ctl.AddNEType(ctx, neType); err != nil {
						return fmt.Errorf("failed to register entity type %q: %w", neType, err)
					}
					neTypes[neType] = rule
				}

				var tokenLevel *model.Decision
				if ev.Nested() {
					nested := model.DecisionNested
					tokenLevel = &nested
				}
				if _, err := ctl.AnnotateFromRule(ctx, ev.Interval, rule, tokenLevel); err != nil {
					return fmt.Errorf("failed to annotate %s: %w", ev.Interval, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	slog.Debug("Pre-annotated submission", "document_id", sub.ID, "entities", total, "types", len(neTypes))
	return nil
}

// ApplyRules re-annotates a recognized document with the current rules.
// It is idempotent.
func (e *Engine) ApplyRules(ctx context.Context, documentID int64) error {
	sub, err := e.recognizedSubmission(ctx, documentID)
	if err != nil {
		return err
	}
	return e.applyRules(ctx, sub)
}

// applyRules streams the document looking up rule prefixes through a
// per-pass cache and links every matching span. An interrupted pass
// leaves earlier batches applied; running it again completes it.
func (e *Engine) applyRules(ctx context.Context, sub *model.Submission) error {
	decided, err := e.store.GetDecidedIntervals(ctx, sub.ID)
	if err != nil {
		return err
	}
	oracle := newCachedOracle(NewController(e.store, sub.ID, ""))

	applied := 0
	total, err := e.eachBatch(ctx, sub, oracle, undecided(decided), func(batch []model.Evidence) error {
		n, err := e.applyEvidence(ctx, sub.ID, batch)
		applied += n
		return err
	})
	if err != nil {
		return err
	}
	slog.Debug("Applied rules", "document_id", sub.ID, "evidence", total, "applied", applied)
	return nil
}

// eachBatch streams the evidence of sub's recognized document and hands it
// to fn in batches of Config.BatchSize. No transaction is open while the
// document is read; fn opens its own. Returns the number of records seen.
func (e *Engine) eachBatch(ctx context.Context, sub *model.Submission, oracle evidence.Oracle, open evidence.OpenFunc, fn func([]model.Evidence) error) (int, error) {
	r, err := e.docs.Open(sub.UID, model.StatusRecognized)
	if err != nil {
		return 0, err
	}
	defer closeLogged(r, "recognized document")

	batch := make([]model.Evidence, 0, e.config.BatchSize)
	total := 0
	for ev, err := range evidence.NewParser(r, oracle, open).All(ctx) {
		if err != nil {
			return total, fmt.Errorf("failed to parse submission %d: %w", sub.ID, err)
		}
		batch = append(batch, ev)
		if len(batch) < e.config.BatchSize {
			continue
		}
		if err := fn(batch); err != nil {
			return total, err
		}
		total += len(batch)
		batch = batch[:0]
	}
	if len(batch) > 0 {
		if err := fn(batch); err != nil {
			return total, err
		}
		total += len(batch)
	}
	return total, nil
}

// applyEvidence links the rule behind each evidence record to its span in
// one transaction and returns how many were linked.
func (e *Engine) applyEvidence(ctx context.Context, documentID int64, found []model.Evidence) (int, error) {
	applied := 0
	err := e.inTx(ctx, func(tx service.Transaction) error {
		ctl := NewController(tx, documentID, "")
		for _, ev := range found {
			rule, err := ctl.FindRule(ctx, ev)
			if err != nil {
				return fmt.Errorf("failed to find rule for %s: %w", ev.Interval, err)
			}
			if rule == nil {
				continue
			}

			interval := ev.Interval
			var tokenLevel *model.Decision
			switch ev.Type {
			case model.EvidenceWordType:
				// The window is sized for the longest rule; the match may be shorter
				interval.End = interval.Start + len(rule.Condition) - 1
			case model.EvidenceNEType:
				if ev.Nested() {
					nested := model.DecisionNested
					tokenLevel = &nested
				}
			}
			if _, err := ctl.AnnotateFromRule(ctx, interval, rule, tokenLevel); err != nil {
				return fmt.Errorf("failed to annotate %s: %w", interval, err)
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// undecided accepts spans without a human or NESTED decision.
func undecided(decided []model.Interval) evidence.OpenFunc {
	closed := make(map[model.Interval]struct{}, len(decided))
	for _, iv := range decided {
		closed[iv] = struct{}{}
	}
	return func(iv model.Interval) bool {
		_, ok := closed[iv]
		return !ok
	}
}

type lookupResult struct {
	kind  model.EvidenceType
	extra int
}

// cachedOracle memoizes rule lookups for the length of one pass.
type cachedOracle struct {
	oracle evidence.Oracle
	cache  *cache.Cache
}

func newCachedOracle(oracle evidence.Oracle) *cachedOracle {
	// No expiry and no janitor goroutine: the cache dies with the pass
	return &cachedOracle{oracle: oracle, cache: cache.New(cache.NoExpiration, 0)}
}

func (o *cachedOracle) RuleLookup(ctx context.Context, word string) (model.EvidenceType, int, error) {
	if v, ok := o.cache.Get(word); ok {
		res := v.(lookupResult)
		return res.kind, res.extra, nil
	}
	kind, extra, err := o.oracle.RuleLookup(ctx, word)
	if err != nil {
		return model.EvidenceNone, 0, err
	}
	o.cache.SetDefault(word, lookupResult{kind: kind, extra: extra})
	return kind, extra, nil
}
