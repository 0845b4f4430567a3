package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
)

const submissionColumns = `id, uid, name, status, num_tokens, created_at`

func scanSubmission(row rowScanner) (*model.Submission, error) {
	var (
		sub    model.Submission
		status string
	)
	if err := row.Scan(&sub.ID, &sub.UID, &sub.Name, &status, &sub.NumTokens, timestamp{&sub.CreatedAt}); err != nil {
		return nil, err
	}
	parsed, err := model.ParseSubmissionStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: submission %d: %v", common.ErrIntegrity, sub.ID, err)
	}
	sub.Status = parsed
	return &sub, nil
}

// CreateSubmission stores a new submission and sets its ID.
func (s *SQLiteStorage) CreateSubmission(ctx context.Context, submission *model.Submission) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSubmission(submission); err != nil {
		return err
	}
	return s.createSubmissionTx(ctx, s.db, submission)
}

func (s *SQLiteStorage) createSubmissionTx(ctx context.Context, q queryable, submission *model.Submission) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO submission (uid, name, status, num_tokens)
		VALUES (?, ?, ?, ?)
		RETURNING id, created_at
	`, submission.UID, submission.Name, string(submission.Status), submission.NumTokens,
	).Scan(&submission.ID, timestamp{&submission.CreatedAt})
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

// GetSubmission retrieves a submission by ID.
func (s *SQLiteStorage) GetSubmission(ctx context.Context, id int64) (*model.Submission, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.getSubmissionTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getSubmissionTx(ctx context.Context, q queryable, id int64) (*model.Submission, error) {
	sub, err := scanSubmission(q.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submission WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %d: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return sub, nil
}

// GetSubmissionByUID retrieves a submission by its public identifier.
func (s *SQLiteStorage) GetSubmissionByUID(ctx context.Context, uid string) (*model.Submission, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(uid, "uid"); err != nil {
		return nil, err
	}
	return s.getSubmissionByUIDTx(ctx, s.db, uid)
}

func (s *SQLiteStorage) getSubmissionByUIDTx(ctx context.Context, q queryable, uid string) (*model.Submission, error) {
	sub, err := scanSubmission(q.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submission WHERE uid = ?`, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", uid, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return sub, nil
}

// ListSubmissions returns submissions ordered by ID.
func (s *SQLiteStorage) ListSubmissions(ctx context.Context, filter service.SubmissionFilter) ([]model.Submission, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.listSubmissionsTx(ctx, s.db, filter)
}

func (s *SQLiteStorage) listSubmissionsTx(ctx context.Context, q queryable, filter service.SubmissionFilter) ([]model.Submission, error) {
	var query strings.Builder
	query.WriteString(`SELECT ` + submissionColumns + ` FROM submission`)
	var args []any
	if filter.Status != nil {
		query.WriteString(` WHERE status = ?`)
		args = append(args, string(*filter.Status))
	}
	query.WriteString(` ORDER BY id`)
	if filter.Limit > 0 {
		query.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := q.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer closeRows(rows)

	var submissions []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		submissions = append(submissions, *sub)
	}
	return submissions, rows.Err()
}

// TransitionSubmission moves a submission forward in its lifecycle.
// Moving backwards returns common.ErrInvalidTransition.
func (s *SQLiteStorage) TransitionSubmission(ctx context.Context, id int64, status model.SubmissionStatus) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, func(q queryable) error {
		return s.transitionSubmissionTx(ctx, q, id, status)
	})
}

func (s *SQLiteStorage) transitionSubmissionTx(ctx context.Context, q queryable, id int64, status model.SubmissionStatus) error {
	if _, err := model.ParseSubmissionStatus(string(status)); err != nil {
		return err
	}

	current, err := s.getSubmissionTx(ctx, q, id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(status) {
		return fmt.Errorf("%w: submission %d from %s to %s", common.ErrInvalidTransition, id, current.Status, status)
	}
	if current.Status == status {
		return nil
	}

	if _, err := q.ExecContext(ctx, `UPDATE submission SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("failed to update submission status: %w", err)
	}
	return nil
}

// SetSubmissionTokens records the number of tokens found by recognition.
func (s *SQLiteStorage) SetSubmissionTokens(ctx context.Context, id int64, numTokens int) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return s.setSubmissionTokensTx(ctx, s.db, id, numTokens)
}

func (s *SQLiteStorage) setSubmissionTokensTx(ctx context.Context, q queryable, id int64, numTokens int) error {
	if numTokens < 0 {
		return fmt.Errorf("%w: negative token count %d", model.ErrInvalidInterval, numTokens)
	}
	result, err := q.ExecContext(ctx, `UPDATE submission SET num_tokens = ? WHERE id = ?`, numTokens, id)
	if err != nil {
		return fmt.Errorf("failed to update token count: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("submission %d: %w", id, common.ErrNotFound)
	}
	return nil
}
