package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
)

const ruleColumns = `id, type, condition, confidence, author, label, source, created_at`

// encodeCondition stores a condition as a JSON array. json.Marshal of a
// string slice is deterministic, so equal conditions compare equal in SQL.
func encodeCondition(condition []string) (string, error) {
	data, err := json.Marshal(condition)
	if err != nil {
		return "", fmt.Errorf("failed to encode condition: %w", err)
	}
	return string(data), nil
}

func scanRule(row rowScanner) (*model.Rule, error) {
	var (
		rule      model.Rule
		ruleType  string
		condition string
		label     sql.NullInt64
		source    sql.NullInt64
	)
	if err := row.Scan(&rule.ID, &ruleType, &condition, &rule.Confidence, &rule.Author, &label, &source, timestamp{&rule.CreatedAt}); err != nil {
		return nil, err
	}

	parsed, err := model.ParseRuleType(ruleType)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %d: %v", common.ErrIntegrity, rule.ID, err)
	}
	rule.Type = parsed
	if err := json.Unmarshal([]byte(condition), &rule.Condition); err != nil {
		return nil, fmt.Errorf("%w: rule %d condition: %v", common.ErrIntegrity, rule.ID, err)
	}
	if label.Valid {
		rule.LabelID = &label.Int64
	}
	if source.Valid {
		rule.Source = &source.Int64
	}
	return &rule, nil
}

func scanRules(rows *sql.Rows) ([]model.Rule, error) {
	var rules []model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Error("Failed to close rows", "error", err)
	}
}

// SaveRule inserts a rule or, when (type, condition) already exists,
// updates its confidence and author. The rule's ID is set on return.
func (s *SQLiteStorage) SaveRule(ctx context.Context, rule *model.Rule) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	return s.saveRuleTx(ctx, s.db, rule)
}

func (s *SQLiteStorage) saveRuleTx(ctx context.Context, q queryable, rule *model.Rule) error {
	condition, err := encodeCondition(rule.Condition)
	if err != nil {
		return err
	}

	var label, source sql.NullInt64
	err = q.QueryRowContext(ctx, `
		INSERT INTO rule (type, condition, first_token, length, confidence, author, label, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type, condition) DO UPDATE SET
			confidence = excluded.confidence,
			author = excluded.author
		RETURNING id, label, source, created_at
	`, string(rule.Type), condition, rule.Condition[0], len(rule.Condition),
		rule.Confidence, rule.Author, rule.LabelID, rule.Source,
	).Scan(&rule.ID, &label, &source, timestamp{&rule.CreatedAt})
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}

	rule.LabelID = nil
	if label.Valid {
		rule.LabelID = &label.Int64
	}
	rule.Source = nil
	if source.Valid {
		rule.Source = &source.Int64
	}
	return nil
}

// AddCandidateRule inserts a rule only if its (type, condition) is new.
// It reports whether a row was created; an existing rule is left untouched.
func (s *SQLiteStorage) AddCandidateRule(ctx context.Context, rule *model.Rule) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateRule(rule); err != nil {
		return false, err
	}
	return s.addCandidateRuleTx(ctx, s.db, rule)
}

func (s *SQLiteStorage) addCandidateRuleTx(ctx context.Context, q queryable, rule *model.Rule) (bool, error) {
	condition, err := encodeCondition(rule.Condition)
	if err != nil {
		return false, err
	}

	err = q.QueryRowContext(ctx, `
		INSERT INTO rule (type, condition, first_token, length, confidence, author, label, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type, condition) DO NOTHING
		RETURNING id, created_at
	`, string(rule.Type), condition, rule.Condition[0], len(rule.Condition),
		rule.Confidence, rule.Author, rule.LabelID, rule.Source,
	).Scan(&rule.ID, timestamp{&rule.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to add candidate rule: %w", err)
	}
	return true, nil
}

// GetRule retrieves a rule by ID.
func (s *SQLiteStorage) GetRule(ctx context.Context, id int64) (*model.Rule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.getRuleTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getRuleTx(ctx context.Context, q queryable, id int64) (*model.Rule, error) {
	rule, err := scanRule(q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rule WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// FindRuleByCondition returns the rule with exactly this key, or nil.
func (s *SQLiteStorage) FindRuleByCondition(ctx context.Context, ruleType model.RuleType, condition []string) (*model.Rule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := model.ValidateCondition(ruleType, condition); err != nil {
		return nil, err
	}
	return s.findRuleByConditionTx(ctx, s.db, ruleType, condition)
}

func (s *SQLiteStorage) findRuleByConditionTx(ctx context.Context, q queryable, ruleType model.RuleType, condition []string) (*model.Rule, error) {
	encoded, err := encodeCondition(condition)
	if err != nil {
		return nil, err
	}

	rule, err := scanRule(q.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM rule WHERE type = ? AND condition = ?
	`, string(ruleType), encoded))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find rule: %w", err)
	}
	return rule, nil
}

// FindPrefixRule returns the WORD_TYPE rule whose condition is the longest
// prefix of tokens. Equal lengths go to the lowest rule ID.
func (s *SQLiteStorage) FindPrefixRule(ctx context.Context, tokens []string) (*model.Rule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.findPrefixRuleTx(ctx, s.db, tokens)
}

func (s *SQLiteStorage) findPrefixRuleTx(ctx context.Context, q queryable, tokens []string) (*model.Rule, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rule
		WHERE type = ? AND first_token = ? AND length <= ?
		ORDER BY length DESC, id ASC
	`, string(model.RuleWordType), tokens[0], len(tokens))
	if err != nil {
		return nil, fmt.Errorf("failed to query prefix rules: %w", err)
	}
	defer closeRows(rows)

	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if rule.IsPrefixOf(tokens) {
			return rule, nil
		}
	}
	return nil, rows.Err()
}

// RuleLookup reports whether a WORD_TYPE rule starts with word and, if so,
// how many tokens after it the longest such rule needs.
func (s *SQLiteStorage) RuleLookup(ctx context.Context, word string) (int, bool, error) {
	if err := validateContext(ctx); err != nil {
		return 0, false, err
	}
	return s.ruleLookupTx(ctx, s.db, word)
}

func (s *SQLiteStorage) ruleLookupTx(ctx context.Context, q queryable, word string) (int, bool, error) {
	var length sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(length) FROM rule WHERE type = ? AND first_token = ?
	`, string(model.RuleWordType), word).Scan(&length)
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up rules: %w", err)
	}
	if !length.Valid {
		return 0, false, nil
	}
	return int(length.Int64) - 1, true, nil
}

// ListRules returns rules ordered by ID.
func (s *SQLiteStorage) ListRules(ctx context.Context, filter service.RuleFilter) ([]model.Rule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.listRulesTx(ctx, s.db, filter)
}

func (s *SQLiteStorage) listRulesTx(ctx context.Context, q queryable, filter service.RuleFilter) ([]model.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rule`
	var (
		where []string
		args  []any
	)
	if filter.Type != nil {
		where = append(where, "type = ?")
		args = append(args, string(*filter.Type))
	}
	if filter.Search != "" {
		where = append(where, "condition LIKE ?")
		args = append(args, "%"+filter.Search+"%")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer closeRows(rows)

	return scanRules(rows)
}

// DeleteRule removes a rule. Annotations that existed only to carry this
// rule are deleted; every other annotation loses the connection and its
// rule level is recomputed from the rules that remain.
func (s *SQLiteStorage) DeleteRule(ctx context.Context, id int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, func(q queryable) error {
		return s.deleteRuleTx(ctx, q, id)
	})
}

func (s *SQLiteStorage) deleteRuleTx(ctx context.Context, q queryable, id int64) error {
	deleted, err := s.deleteRulesTx(ctx, q, []int64{id})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return fmt.Errorf("rule %d: %w", id, common.ErrNotFound)
	}
	return nil
}

// DeleteCandidateRules removes the WORD_TYPE rules inferred from an
// annotation that still carry candidate weight or more.
func (s *SQLiteStorage) DeleteCandidateRules(ctx context.Context, annotationID int64) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	var deleted int64
	err := s.withTx(ctx, func(q queryable) error {
		var err error
		deleted, err = s.deleteCandidateRulesTx(ctx, q, annotationID)
		return err
	})
	return deleted, err
}

func (s *SQLiteStorage) deleteCandidateRulesTx(ctx context.Context, q queryable, annotationID int64) (int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM rule WHERE type = ? AND source = ? AND confidence >= ?
	`, string(model.RuleWordType), annotationID, model.ConfidenceCandidate)
	if err != nil {
		return 0, fmt.Errorf("failed to query candidate rules: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			closeRows(rows)
			return 0, fmt.Errorf("failed to scan rule id: %w", err)
		}
		ids = append(ids, id)
	}
	closeRows(rows)
	if err := rows.Err(); err != nil {
		return 0, err
	}

	return s.deleteRulesTx(ctx, q, ids)
}

// deleteRulesTx removes rules with the annotation cascade described on
// DeleteRule and returns the number of rules deleted.
func (s *SQLiteStorage) deleteRulesTx(ctx context.Context, q queryable, ids []int64) (int64, error) {
	var deleted int64
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `
			DELETE FROM annotation
			WHERE source = ? AND token_level IS NULL AND label IS NULL
				AND id IN (SELECT annotation FROM annotation_rule WHERE rule = ?)
				AND NOT EXISTS (
					SELECT 1 FROM annotation_rule ar
					WHERE ar.annotation = annotation.id AND ar.rule != ?
				)
		`, string(model.SourceRule), id, id); err != nil {
			return deleted, fmt.Errorf("failed to delete rule annotations: %w", err)
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM annotation_rule WHERE rule = ?`, id); err != nil {
			return deleted, fmt.Errorf("failed to disconnect rule: %w", err)
		}

		result, err := q.ExecContext(ctx, `DELETE FROM rule WHERE id = ?`, id)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete rule: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("failed to get rows affected: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

// SetRuleLabel attaches a label to the rule with this key and reports
// whether such a rule exists.
func (s *SQLiteStorage) SetRuleLabel(ctx context.Context, ruleType model.RuleType, condition []string, labelID *int64, author string) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := model.ValidateCondition(ruleType, condition); err != nil {
		return false, err
	}
	return s.setRuleLabelTx(ctx, s.db, ruleType, condition, labelID, author)
}

func (s *SQLiteStorage) setRuleLabelTx(ctx context.Context, q queryable, ruleType model.RuleType, condition []string, labelID *int64, author string) (bool, error) {
	encoded, err := encodeCondition(condition)
	if err != nil {
		return false, err
	}

	result, err := q.ExecContext(ctx, `
		UPDATE rule SET label = ?, author = ? WHERE type = ? AND condition = ?
	`, labelID, author, string(ruleType), encoded)
	if err != nil {
		return false, fmt.Errorf("failed to set rule label: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
