package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/psan/internal/service"
)

// ScheduleSweep queues a corpus sweep due at dueAt. When a sweep is
// already pending the request is merged into it: the earlier due time is
// kept and the skipped document survives only if both requests name the
// same one. It reports whether the request was merged.
func (s *SQLiteStorage) ScheduleSweep(ctx context.Context, skip *int64, dueAt time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	return s.scheduleSweepTx(ctx, s.db, skip, dueAt)
}

func (s *SQLiteStorage) scheduleSweepTx(ctx context.Context, q queryable, skip *int64, dueAt time.Time) (bool, error) {
	var requests int
	err := q.QueryRowContext(ctx, `
		INSERT INTO sweep_job (id, skip, requests, due_at, requested_at)
		VALUES (1, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			skip = CASE WHEN sweep_job.skip IS excluded.skip THEN sweep_job.skip ELSE NULL END,
			requests = sweep_job.requests + 1
		RETURNING requests
	`, skip, dueAt.UnixMilli(), time.Now().UnixMilli()).Scan(&requests)
	if err != nil {
		return false, fmt.Errorf("failed to schedule sweep: %w", busyError(err))
	}
	return requests > 1, nil
}

// ClaimSweep removes and returns the pending sweep if it is due at now.
// It returns nil, nil when nothing is due.
func (s *SQLiteStorage) ClaimSweep(ctx context.Context, now time.Time) (*service.SweepJob, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.claimSweepTx(ctx, s.db, now)
}

func (s *SQLiteStorage) claimSweepTx(ctx context.Context, q queryable, now time.Time) (*service.SweepJob, error) {
	var (
		skip             sql.NullInt64
		dueAt, requested int64
		job              service.SweepJob
	)
	err := q.QueryRowContext(ctx, `
		DELETE FROM sweep_job WHERE id = 1 AND due_at <= ?
		RETURNING skip, requests, due_at, requested_at
	`, now.UnixMilli()).Scan(&skip, &job.Requests, &dueAt, &requested)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim sweep: %w", busyError(err))
	}

	if skip.Valid {
		job.Skip = &skip.Int64
	}
	job.DueAt = time.UnixMilli(dueAt)
	job.RequestedAt = time.UnixMilli(requested)
	return &job, nil
}
