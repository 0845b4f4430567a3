package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
)

// ruleLevelExpr sums the confidence of every rule connected to annotation a.
const ruleLevelExpr = `COALESCE((
	SELECT SUM(r.confidence) FROM annotation_rule ar
	JOIN rule r ON r.id = ar.rule
	WHERE ar.annotation = a.id
), 0)`

const annotationColumns = `a.id, a.submission, a.ref_start, a.ref_end, a.token_level, a.source,
	a.label, a.author, a.updated_at, ` + ruleLevelExpr

func parseTokenLevel(raw sql.NullString) (*model.Decision, error) {
	if !raw.Valid {
		return nil, nil
	}
	decision, err := model.ParseDecision(raw.String)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIntegrity, err)
	}
	return &decision, nil
}

func scanAnnotation(row rowScanner) (*model.Annotation, error) {
	var (
		a          model.Annotation
		tokenLevel sql.NullString
		source     string
		label      sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.SubmissionID, &a.Interval.Start, &a.Interval.End, &tokenLevel,
		&source, &label, &a.Author, timestamp{&a.UpdatedAt}, &a.RuleLevel)
	if err != nil {
		return nil, err
	}

	if a.TokenLevel, err = parseTokenLevel(tokenLevel); err != nil {
		return nil, fmt.Errorf("annotation %d: %w", a.ID, err)
	}
	a.Source = model.AnnotationSource(source)
	if label.Valid {
		a.LabelID = &label.Int64
	}
	return &a, nil
}

func nullableDecision(d *model.Decision) any {
	if d == nil {
		return nil
	}
	return string(*d)
}

// SaveTokenAnnotation records an explicit decision for a span. Human
// annotations strictly enclosed by the span are deleted first, then the
// span's annotation is inserted or its decision replaced. An existing NE
// or RULE annotation becomes a human one and keeps its rule links.
func (s *SQLiteStorage) SaveTokenAnnotation(ctx context.Context, annotation *model.Annotation) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTokenAnnotation(annotation); err != nil {
		return err
	}
	return s.withTx(ctx, func(q queryable) error {
		return s.saveTokenAnnotationTx(ctx, q, annotation)
	})
}

func (s *SQLiteStorage) saveTokenAnnotationTx(ctx context.Context, q queryable, annotation *model.Annotation) error {
	iv := annotation.Interval
	nested := `SELECT id FROM annotation
		WHERE submission = ? AND source = ?
			AND ? <= ref_start AND ref_end <= ? AND (ref_end - ref_start) < ?`
	nestedArgs := []any{annotation.SubmissionID, string(model.SourceUser), iv.Start, iv.End, iv.End - iv.Start}

	if _, err := q.ExecContext(ctx, `DELETE FROM annotation_rule WHERE annotation IN (`+nested+`)`, nestedArgs...); err != nil {
		return fmt.Errorf("failed to disconnect nested annotations: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM annotation WHERE id IN (`+nested+`)`, nestedArgs...); err != nil {
		return fmt.Errorf("failed to delete nested annotations: %w", err)
	}

	if annotation.Source == "" {
		annotation.Source = model.SourceUser
	}
	annotation.UpdatedAt = time.Now().UTC()

	err := q.QueryRowContext(ctx, `
		INSERT INTO annotation (submission, ref_start, ref_end, token_level, source, author, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(submission, ref_start, ref_end) DO UPDATE SET
			token_level = excluded.token_level,
			source = excluded.source,
			author = excluded.author,
			updated_at = excluded.updated_at
		RETURNING id
	`, annotation.SubmissionID, iv.Start, iv.End, nullableDecision(annotation.TokenLevel),
		string(annotation.Source), annotation.Author, annotation.UpdatedAt.Format(timestampLayouts[0]),
	).Scan(&annotation.ID)
	if err != nil {
		return fmt.Errorf("failed to save token annotation: %w", err)
	}
	return nil
}

// EnsureAnnotation creates the span's annotation if it does not exist and
// sets annotation.ID to the stored row. An existing row is not modified.
func (s *SQLiteStorage) EnsureAnnotation(ctx context.Context, annotation *model.Annotation) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateAnnotation(annotation); err != nil {
		return err
	}
	return s.withTx(ctx, func(q queryable) error {
		return s.ensureAnnotationTx(ctx, q, annotation)
	})
}

func (s *SQLiteStorage) ensureAnnotationTx(ctx context.Context, q queryable, annotation *model.Annotation) error {
	if annotation.Source == "" {
		annotation.Source = model.SourceRule
	}
	iv := annotation.Interval

	_, err := q.ExecContext(ctx, `
		INSERT INTO annotation (submission, ref_start, ref_end, token_level, source, author)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(submission, ref_start, ref_end) DO NOTHING
	`, annotation.SubmissionID, iv.Start, iv.End, nullableDecision(annotation.TokenLevel),
		string(annotation.Source), annotation.Author)
	if err != nil {
		return fmt.Errorf("failed to insert annotation: %w", err)
	}

	err = q.QueryRowContext(ctx, `
		SELECT id FROM annotation WHERE submission = ? AND ref_start = ? AND ref_end = ?
	`, annotation.SubmissionID, iv.Start, iv.End).Scan(&annotation.ID)
	if err != nil {
		return fmt.Errorf("failed to read annotation id: %w", err)
	}
	return nil
}

// FindAnnotation returns the annotation of a span, or nil.
func (s *SQLiteStorage) FindAnnotation(ctx context.Context, submissionID int64, interval model.Interval) (*model.Annotation, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.findAnnotationTx(ctx, s.db, submissionID, interval)
}

func (s *SQLiteStorage) findAnnotationTx(ctx context.Context, q queryable, submissionID int64, interval model.Interval) (*model.Annotation, error) {
	a, err := scanAnnotation(q.QueryRowContext(ctx, `
		SELECT `+annotationColumns+` FROM annotation a
		WHERE a.submission = ? AND a.ref_start = ? AND a.ref_end = ?
	`, submissionID, interval.Start, interval.End))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find annotation: %w", err)
	}
	return a, nil
}

// ListAnnotations returns every annotation of a submission ordered by span.
func (s *SQLiteStorage) ListAnnotations(ctx context.Context, submissionID int64) ([]model.Annotation, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.listAnnotationsTx(ctx, s.db, submissionID)
}

func (s *SQLiteStorage) listAnnotationsTx(ctx context.Context, q queryable, submissionID int64) ([]model.Annotation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+annotationColumns+` FROM annotation a
		WHERE a.submission = ?
		ORDER BY a.ref_start, a.ref_end DESC
	`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query annotations: %w", err)
	}
	defer closeRows(rows)

	var annotations []model.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan annotation: %w", err)
		}
		annotations = append(annotations, *a)
	}
	return annotations, rows.Err()
}

// ConnectRule links an annotation to a rule. Existing links are kept.
func (s *SQLiteStorage) ConnectRule(ctx context.Context, annotationID, ruleID int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return s.connectRuleTx(ctx, s.db, annotationID, ruleID)
}

func (s *SQLiteStorage) connectRuleTx(ctx context.Context, q queryable, annotationID, ruleID int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO annotation_rule (annotation, rule) VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, annotationID, ruleID)
	if err != nil {
		return fmt.Errorf("failed to connect rule: %w", err)
	}
	return nil
}

// SetAnnotationLabel labels the span's annotation and reports whether it
// exists.
func (s *SQLiteStorage) SetAnnotationLabel(ctx context.Context, submissionID int64, interval model.Interval, labelID *int64, author string) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateInterval(interval); err != nil {
		return false, err
	}
	return s.setAnnotationLabelTx(ctx, s.db, submissionID, interval, labelID, author)
}

func (s *SQLiteStorage) setAnnotationLabelTx(ctx context.Context, q queryable, submissionID int64, interval model.Interval, labelID *int64, author string) (bool, error) {
	result, err := q.ExecContext(ctx, `
		UPDATE annotation SET label = ?, author = ?, updated_at = ?
		WHERE submission = ? AND ref_start = ? AND ref_end = ?
	`, labelID, author, time.Now().UTC().Format(timestampLayouts[0]), submissionID, interval.Start, interval.End)
	if err != nil {
		return false, fmt.Errorf("failed to set annotation label: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// GetDecisionRows returns the annotations of a submission with their summed
// rule confidence and label. When interval is set only annotations starting
// inside it are returned. The label is the annotation's own, otherwise that
// of its strongest SECRET rule.
func (s *SQLiteStorage) GetDecisionRows(ctx context.Context, submissionID int64, interval *model.Interval) ([]service.DecisionRow, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.getDecisionRowsTx(ctx, s.db, submissionID, interval)
}

func (s *SQLiteStorage) getDecisionRowsTx(ctx context.Context, q queryable, submissionID int64, interval *model.Interval) ([]service.DecisionRow, error) {
	query := `
		SELECT a.id, a.ref_start, a.ref_end, a.token_level, ` + ruleLevelExpr + `, l.name, l.replacement
		FROM annotation a
		LEFT JOIN label l ON l.id = COALESCE(a.label, (
			SELECT r.label FROM annotation_rule ar
			JOIN rule r ON r.id = ar.rule
			WHERE ar.annotation = a.id AND r.label IS NOT NULL AND r.confidence < 0
			ORDER BY r.confidence ASC, r.id ASC
			LIMIT 1
		))
		WHERE a.submission = ?`
	args := []any{submissionID}
	if interval != nil {
		query += ` AND ? <= a.ref_start AND a.ref_start <= ?`
		args = append(args, interval.Start, interval.End)
	}
	query += ` ORDER BY a.ref_start, a.ref_end DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer closeRows(rows)

	var result []service.DecisionRow
	for rows.Next() {
		var (
			row        service.DecisionRow
			tokenLevel sql.NullString
			label      sql.NullString
			repl       sql.NullString
		)
		if err := rows.Scan(&row.AnnotationID, &row.Interval.Start, &row.Interval.End,
			&tokenLevel, &row.RuleLevel, &label, &repl); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		if row.TokenLevel, err = parseTokenLevel(tokenLevel); err != nil {
			return nil, fmt.Errorf("annotation %d: %w", row.AnnotationID, err)
		}
		if label.Valid {
			row.Label = &label.String
		}
		if repl.Valid {
			row.Replacement = &repl.String
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// GetDecidedIntervals returns the spans that carry an explicit decision.
func (s *SQLiteStorage) GetDecidedIntervals(ctx context.Context, submissionID int64) ([]model.Interval, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.getDecidedIntervalsTx(ctx, s.db, submissionID)
}

func (s *SQLiteStorage) getDecidedIntervalsTx(ctx context.Context, q queryable, submissionID int64) ([]model.Interval, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ref_start, ref_end FROM annotation
		WHERE submission = ? AND token_level IS NOT NULL
		ORDER BY ref_start, ref_end
	`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decided spans: %w", err)
	}
	defer closeRows(rows)

	var intervals []model.Interval
	for rows.Next() {
		var iv model.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		intervals = append(intervals, iv)
	}
	return intervals, rows.Err()
}
