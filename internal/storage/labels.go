package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/model"
)

// SaveLabel inserts a label or updates the replacement of the label with
// the same name. The label's ID is set on return.
func (s *SQLiteStorage) SaveLabel(ctx context.Context, label *model.Label) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateLabel(label); err != nil {
		return err
	}
	return s.saveLabelTx(ctx, s.db, label)
}

func (s *SQLiteStorage) saveLabelTx(ctx context.Context, q queryable, label *model.Label) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO label (name, replacement) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET replacement = excluded.replacement
		RETURNING id
	`, label.Name, label.Replacement).Scan(&label.ID)
	if err != nil {
		return fmt.Errorf("failed to save label: %w", err)
	}
	return nil
}

// GetLabel retrieves a label by ID.
func (s *SQLiteStorage) GetLabel(ctx context.Context, id int64) (*model.Label, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.getLabelTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getLabelTx(ctx context.Context, q queryable, id int64) (*model.Label, error) {
	var label model.Label
	err := q.QueryRowContext(ctx, `SELECT id, name, replacement FROM label WHERE id = ?`, id).
		Scan(&label.ID, &label.Name, &label.Replacement)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("label %d: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get label: %w", err)
	}
	return &label, nil
}

// FindLabelByName returns the label with this name, or nil.
func (s *SQLiteStorage) FindLabelByName(ctx context.Context, name string) (*model.Label, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(name, "name"); err != nil {
		return nil, err
	}
	return s.findLabelByNameTx(ctx, s.db, name)
}

func (s *SQLiteStorage) findLabelByNameTx(ctx context.Context, q queryable, name string) (*model.Label, error) {
	var label model.Label
	err := q.QueryRowContext(ctx, `SELECT id, name, replacement FROM label WHERE name = ?`, name).
		Scan(&label.ID, &label.Name, &label.Replacement)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find label: %w", err)
	}
	return &label, nil
}

// ListLabels returns all labels ordered by name.
func (s *SQLiteStorage) ListLabels(ctx context.Context) ([]model.Label, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.listLabelsTx(ctx, s.db)
}

func (s *SQLiteStorage) listLabelsTx(ctx context.Context, q queryable) ([]model.Label, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, name, replacement FROM label ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer closeRows(rows)

	var labels []model.Label
	for rows.Next() {
		var label model.Label
		if err := rows.Scan(&label.ID, &label.Name, &label.Replacement); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// UpdateLabel renames a label or changes its replacement.
func (s *SQLiteStorage) UpdateLabel(ctx context.Context, label *model.Label) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateLabel(label); err != nil {
		return err
	}
	return s.updateLabelTx(ctx, s.db, label)
}

func (s *SQLiteStorage) updateLabelTx(ctx context.Context, q queryable, label *model.Label) error {
	result, err := q.ExecContext(ctx, `
		UPDATE label SET name = ?, replacement = ? WHERE id = ?
	`, label.Name, label.Replacement, label.ID)
	if err != nil {
		return fmt.Errorf("failed to update label: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("label %d: %w", label.ID, common.ErrNotFound)
	}
	return nil
}

// DeleteLabel removes a label. Annotations and rules that referenced it
// become unlabelled.
func (s *SQLiteStorage) DeleteLabel(ctx context.Context, id int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, func(q queryable) error {
		return s.deleteLabelTx(ctx, q, id)
	})
}

func (s *SQLiteStorage) deleteLabelTx(ctx context.Context, q queryable, id int64) error {
	if _, err := q.ExecContext(ctx, `UPDATE annotation SET label = NULL WHERE label = ?`, id); err != nil {
		return fmt.Errorf("failed to unlabel annotations: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE rule SET label = NULL WHERE label = ?`, id); err != nil {
		return fmt.Errorf("failed to unlabel rules: %w", err)
	}

	result, err := q.ExecContext(ctx, `DELETE FROM label WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete label: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("label %d: %w", id, common.ErrNotFound)
	}
	return nil
}
