// Package testutil provides test helpers for psan: a migrated in-memory
// store with seeding helpers and a builder for tagged documents.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
	"github.com/Veraticus/psan/internal/storage"
)

// TestDB represents a test database with associated test utilities.
type TestDB struct {
	Storage *storage.SQLiteStorage
	t       *testing.T
}

// SetupTestDB creates a new migrated in-memory database that is closed
// when the test ends.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	return SetupTestDBWithOptions(t, TestDBOptions{})
}

// TestDBOptions provides configuration options for test database setup.
type TestDBOptions struct {
	CustomSetup    func(context.Context, service.Storage) error
	Labels         []model.Label
	SkipMigrations bool
}

// SetupTestDBWithOptions creates a test database with custom options.
func SetupTestDBWithOptions(t *testing.T, opts TestDBOptions) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("failed to close test database: %v", err)
		}
	})
	ctx := context.Background()

	if !opts.SkipMigrations {
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to run migrations: %v", err)
		}
	}

	for _, label := range opts.Labels {
		if err := store.SaveLabel(ctx, &label); err != nil {
			t.Fatalf("failed to seed label %q: %v", label.Name, err)
		}
	}

	if opts.CustomSetup != nil {
		if err := opts.CustomSetup(ctx, store); err != nil {
			t.Fatalf("custom setup failed: %v", err)
		}
	}

	return &TestDB{Storage: store, t: t}
}

// WithTransaction executes fn within a transaction that is always rolled
// back afterwards.
func (db *TestDB) WithTransaction(fn func(tx service.Transaction) error) error {
	ctx := context.Background()
	tx, err := db.Storage.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}

// Rule stores a rule or fails the test.
func (db *TestDB) Rule(ruleType model.RuleType, confidence int, condition ...string) *model.Rule {
	db.t.Helper()
	rule, err := model.NewRule(ruleType, condition, confidence)
	if err != nil {
		db.t.Fatalf("invalid rule: %v", err)
	}
	if err := db.Storage.SaveRule(context.Background(), &rule); err != nil {
		db.t.Fatalf("failed to save rule %v: %v", condition, err)
	}
	return &rule
}

// Label stores a label or fails the test.
func (db *TestDB) Label(name, replacement string) *model.Label {
	db.t.Helper()
	label := &model.Label{Name: name, Replacement: replacement}
	if err := db.Storage.SaveLabel(context.Background(), label); err != nil {
		db.t.Fatalf("failed to save label %q: %v", name, err)
	}
	return label
}

// Submission stores a submission in status with numTokens tokens or fails
// the test.
func (db *TestDB) Submission(uid string, status model.SubmissionStatus, numTokens int) *model.Submission {
	db.t.Helper()
	ctx := context.Background()
	sub := &model.Submission{UID: uid, Name: uid, Status: status, NumTokens: numTokens}
	if err := db.Storage.CreateSubmission(ctx, sub); err != nil {
		db.t.Fatalf("failed to create submission %q: %v", uid, err)
	}
	if numTokens > 0 {
		if err := db.Storage.SetSubmissionTokens(ctx, sub.ID, numTokens); err != nil {
			db.t.Fatalf("failed to set tokens of %q: %v", uid, err)
		}
	}
	return sub
}
