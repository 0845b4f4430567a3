// Package scheduler runs re-annotation jobs. A single document is
// re-annotated on request; corpus sweeps are queued in the store, where
// requests arriving before the sweep is due collapse into one run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
	"github.com/Veraticus/psan/internal/tagged"
)

// ReAnnotator recomputes the rule decisions of one document.
type ReAnnotator interface {
	ApplyRules(ctx context.Context, documentID int64) error
}

// Processor runs recognition on a NEW document.
type Processor interface {
	Process(ctx context.Context, documentID int64) error
}

// Config holds scheduler options.
type Config struct {
	Retry        service.RetryOptions
	Delay        time.Duration
	PollInterval time.Duration
	Rate         float64
	Workers      int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Delay:        2 * time.Minute,
		PollInterval: 5 * time.Second,
		Workers:      2,
		Rate:         20,
		Retry: service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// Scheduler implements service.TaskQueue.
type Scheduler struct {
	store     service.Storage
	annotator ReAnnotator
	processor Processor
	limiter   *rate.Limiter
	metrics   *Metrics
	locks     *keyedMutex
	now       func() time.Time
	// rejected holds NEW documents whose recognition can never succeed.
	rejected   map[int64]struct{}
	rejectedMu sync.Mutex
	config     Config
}

var _ service.TaskQueue = (*Scheduler)(nil)

// New creates a scheduler. A nil metrics creates unregistered counters.
func New(store service.Storage, annotator ReAnnotator, config Config, metrics *Metrics) *Scheduler {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	limit := rate.Inf
	if config.Rate > 0 {
		limit = rate.Limit(config.Rate)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Scheduler{
		store:     store,
		annotator: annotator,
		limiter:   rate.NewLimiter(limit, config.Workers),
		metrics:   metrics,
		locks:     newKeyedMutex(),
		now:       time.Now,
		rejected:  make(map[int64]struct{}),
		config:    config,
	}
}

// SetProcessor makes Run recognize NEW documents as well.
func (s *Scheduler) SetProcessor(p Processor) {
	s.processor = p
}

// ReAnnotate re-annotates one document now. Runs on the same document
// never overlap; transient failures are retried.
func (s *Scheduler) ReAnnotate(ctx context.Context, documentID int64) error {
	unlock := s.locks.Lock(documentID)
	defer unlock()

	err := common.WithRetry(ctx, func() error {
		err := s.annotator.ApplyRules(ctx, documentID)
		if err == nil || common.IsRetryable(err) {
			return err
		}
		return common.Permanent(err)
	}, s.config.Retry)
	if err != nil {
		s.metrics.documents.WithLabelValues("failed").Inc()
		return fmt.Errorf("re-annotation of document %d failed: %w", documentID, err)
	}
	s.metrics.documents.WithLabelValues("ok").Inc()
	return nil
}

// ReAnnotateAll queues a corpus sweep that starts after the configured
// delay. Requests made before it starts join it; skip survives only when
// every request names the same document.
func (s *Scheduler) ReAnnotateAll(ctx context.Context, skip *int64) error {
	merged, err := s.store.ScheduleSweep(ctx, skip, s.now().Add(s.config.Delay))
	if err != nil {
		return err
	}
	outcome := "queued"
	if merged {
		outcome = "merged"
	}
	s.metrics.requests.WithLabelValues(outcome).Inc()
	slog.Debug("Corpus sweep requested", "outcome", outcome, "skip", skip)
	return nil
}

// SweepResult summarizes one corpus sweep.
type SweepResult struct {
	Total     int
	Processed int
	Skipped   int
	Failed    int
}

// ProgressFunc is called after every document of a sweep.
type ProgressFunc func(done, total int)

// Sweep re-annotates every recognized document except skip. A failing
// document is logged and counted; the sweep goes on with the rest. Only
// cancellation or a failure to list documents ends it early.
func (s *Scheduler) Sweep(ctx context.Context, skip *int64, progress ProgressFunc) (SweepResult, error) {
	subs, err := s.store.ListSubmissions(ctx, service.SubmissionFilter{})
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list documents: %w", err)
	}
	ids := make([]int64, 0, len(subs))
	for _, sub := range subs {
		if sub.Status != model.StatusNew {
			ids = append(ids, sub.ID)
		}
	}

	s.metrics.sweeps.Inc()
	slog.Info("Starting corpus sweep", "documents", len(ids), "skip", skip)

	var (
		mu     sync.Mutex
		result = SweepResult{Total: len(ids)}
		done   int
	)
	record := func(update func(*SweepResult)) {
		mu.Lock()
		defer mu.Unlock()
		update(&result)
		done++
		if progress != nil {
			progress(done, result.Total)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)
	for _, id := range ids {
		if skip != nil && id == *skip {
			s.metrics.documents.WithLabelValues("skipped").Inc()
			record(func(r *SweepResult) { r.Skipped++ })
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			if err := s.ReAnnotate(gctx, id); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				slog.Error("Skipping document in sweep", "document_id", id, "error", err)
				record(func(r *SweepResult) { r.Failed++ })
				return nil
			}
			record(func(r *SweepResult) { r.Processed++ })
			return nil
		})
	}
	err = g.Wait()

	slog.Info("Corpus sweep finished",
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed", result.Failed)
	if err != nil {
		return result, fmt.Errorf("sweep interrupted: %w", err)
	}
	return result, ctx.Err()
}

// RunDue runs the queued sweep if it is due. It reports whether a sweep
// ran.
func (s *Scheduler) RunDue(ctx context.Context) (bool, error) {
	job, err := s.store.ClaimSweep(ctx, s.now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	slog.Info("Running queued sweep", "requests", job.Requests, "requested_at", job.RequestedAt)
	_, err = s.Sweep(ctx, job.Skip, nil)
	return true, err
}

// ProcessNew recognizes every NEW document. It returns how many succeeded.
func (s *Scheduler) ProcessNew(ctx context.Context) (int, error) {
	if s.processor == nil {
		return 0, nil
	}
	status := model.StatusNew
	subs, err := s.store.ListSubmissions(ctx, service.SubmissionFilter{Status: &status})
	if err != nil {
		return 0, fmt.Errorf("failed to list new documents: %w", err)
	}

	processed := 0
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if s.isRejected(sub.ID) {
			continue
		}
		unlock := s.locks.Lock(sub.ID)
		err := s.processor.Process(ctx, sub.ID)
		unlock()
		if err != nil {
			if common.IsValidation(err) || errors.Is(err, tagged.ErrMalformed) {
				s.reject(sub.ID)
				slog.Error("Recognition rejected the document, it will not be retried", "document_id", sub.ID, "error", err)
				continue
			}
			slog.Error("Recognition failed", "document_id", sub.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

func (s *Scheduler) isRejected(documentID int64) bool {
	s.rejectedMu.Lock()
	defer s.rejectedMu.Unlock()
	_, ok := s.rejected[documentID]
	return ok
}

func (s *Scheduler) reject(documentID int64) {
	s.rejectedMu.Lock()
	defer s.rejectedMu.Unlock()
	s.rejected[documentID] = struct{}{}
}

// Run works through NEW documents and due sweeps every poll interval
// until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	slog.Info("Worker started", "poll_interval", s.config.PollInterval, "workers", s.config.Workers)
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			slog.Info("Worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.ProcessNew(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("Failed to process new documents", "error", err)
	}
	if _, err := s.RunDue(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("Queued sweep failed", "error", err)
	}
}
