// Package ruleio reads and writes rules and labels as CSV so they can be
// moved between installations or edited in bulk.
//
// A rule row is type,condition,decision,author. The condition tokens are
// joined with '='; a literal '=' or '\' inside a token is escaped with '\'.
// Imports are all or nothing: one bad row rolls back the whole file.
package ruleio

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
)

// Column names.
const (
	ColType        = "type"
	ColCondition   = "condition"
	ColDecision    = "decision"
	ColAuthor      = "author"
	ColLabel       = "label"
	ColReplacement = "replacement"
)

var (
	// ErrMissingColumns is returned when the header lacks a required column.
	ErrMissingColumns = errors.New("missing header columns")
	// ErrBadCondition is returned for a dangling escape in a condition.
	ErrBadCondition = errors.New("malformed condition")
)

// LineError reports the data row an import failed on. Line 1 is the first
// row after the header.
type LineError struct {
	Err  error
	Line int
}

func (e *LineError) Error() string {
	return fmt.Sprintf("illegal format on line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// ImportResult summarizes an import.
type ImportResult struct {
	Imported int
	// AuthorIgnored is set when the file carried an author column. Imported
	// rules are attributed to the importing user instead.
	AuthorIgnored bool
}

// JoinCondition encodes condition tokens into one field.
func JoinCondition(condition []string) string {
	escaped := make([]string, len(condition))
	for i, token := range condition {
		token = strings.ReplaceAll(token, `\`, `\\`)
		escaped[i] = strings.ReplaceAll(token, "=", `\=`)
	}
	return strings.Join(escaped, "=")
}

// SplitCondition decodes a field written by JoinCondition.
func SplitCondition(s string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '=':
			tokens = append(tokens, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if escaped {
		return nil, fmt.Errorf("%w: trailing escape in %q", ErrBadCondition, s)
	}
	return append(tokens, current.String()), nil
}

// ExportRules writes every rule. It returns the number of rows written.
func ExportRules(ctx context.Context, store service.Storage, w io.Writer) (int, error) {
	rules, err := store.ListRules(ctx, service.RuleFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list rules: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{ColType, ColCondition, ColDecision, ColAuthor}); err != nil {
		return 0, err
	}
	for _, rule := range rules {
		row := []string{
			string(rule.Type),
			JoinCondition(rule.Condition),
			strconv.Itoa(rule.Confidence),
			rule.Author,
		}
		if err := cw.Write(row); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("failed to write rules: %w", err)
	}
	return len(rules), nil
}

// ImportRules upserts the rules in r within one transaction. Existing
// rules keep their label and source and take the imported confidence.
func ImportRules(ctx context.Context, store service.Storage, r io.Reader, author string) (*ImportResult, error) {
	header, rows, err := readTable(r, ColType, ColCondition, ColDecision)
	if err != nil {
		return nil, err
	}
	result := &ImportResult{}
	if _, ok := header[ColAuthor]; ok {
		result.AuthorIgnored = true
		slog.Warn("Rule authors in the import were ignored", "author", author)
	}

	err = inTx(ctx, store, func(tx service.Transaction) error {
		for i, row := range rows {
			rule, err := parseRule(header, row)
			if err != nil {
				return &LineError{Line: i + 1, Err: err}
			}
			rule.Author = author
			if err := tx.SaveRule(ctx, &rule); err != nil {
				return &LineError{Line: i + 1, Err: err}
			}
			result.Imported++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func parseRule(header map[string]int, row []string) (model.Rule, error) {
	ruleType, err := model.ParseRuleType(row[header[ColType]])
	if err != nil {
		return model.Rule{}, err
	}
	condition, err := SplitCondition(row[header[ColCondition]])
	if err != nil {
		return model.Rule{}, err
	}
	confidence, err := strconv.Atoi(strings.TrimSpace(row[header[ColDecision]]))
	if err != nil {
		return model.Rule{}, fmt.Errorf("decision %q is not an integer", row[header[ColDecision]])
	}
	return model.NewRule(ruleType, condition, confidence)
}

// ExportLabels writes every label. It returns the number of rows written.
func ExportLabels(ctx context.Context, store service.Storage, w io.Writer) (int, error) {
	labels, err := store.ListLabels(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list labels: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{ColLabel, ColReplacement}); err != nil {
		return 0, err
	}
	for _, label := range labels {
		if err := cw.Write([]string{label.Name, label.Replacement}); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("failed to write labels: %w", err)
	}
	return len(labels), nil
}

// ImportLabels upserts labels by name within one transaction.
func ImportLabels(ctx context.Context, store service.Storage, r io.Reader) (int, error) {
	header, rows, err := readTable(r, ColLabel)
	if err != nil {
		return 0, err
	}
	replacementCol, hasReplacement := header[ColReplacement]

	imported := 0
	err = inTx(ctx, store, func(tx service.Transaction) error {
		for i, row := range rows {
			label := model.Label{Name: strings.TrimSpace(row[header[ColLabel]])}
			if hasReplacement {
				label.Replacement = row[replacementCol]
			}
			if err := tx.SaveLabel(ctx, &label); err != nil {
				return &LineError{Line: i + 1, Err: err}
			}
			imported++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return imported, nil
}

// readTable reads a CSV file with a header row and checks for required
// columns. Column names are matched case-insensitively.
func readTable(r io.Reader, required ...string) (map[string]int, [][]string, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	names, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: empty input", ErrMissingColumns)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	header := make(map[string]int, len(names))
	for i, name := range names {
		header[strings.ToLower(strings.TrimSpace(name))] = i
	}
	var missing []string
	for _, col := range required {
		if _, ok := header[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	rows, err := cr.ReadAll()
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return nil, nil, &LineError{Line: parseErr.StartLine - 1, Err: parseErr.Err}
		}
		return nil, nil, err
	}
	return header, rows, nil
}

func inTx(ctx context.Context, store service.Storage, fn func(service.Transaction) error) error {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("Failed to roll back import", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit import: %w", err)
	}
	return nil
}
