package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS label (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT UNIQUE NOT NULL,
					replacement TEXT NOT NULL DEFAULT ''
				)`,

				`CREATE TABLE IF NOT EXISTS submission (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					uid TEXT UNIQUE NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'NEW',
					num_tokens INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_submission_status ON submission(status)`,

				`CREATE TABLE IF NOT EXISTS rule (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					type TEXT NOT NULL CHECK (type IN ('WORD_TYPE', 'LEMMA', 'NE_TYPE')),
					condition TEXT NOT NULL,
					first_token TEXT NOT NULL,
					length INTEGER NOT NULL CHECK (length > 0),
					confidence INTEGER NOT NULL DEFAULT 0,
					author TEXT NOT NULL DEFAULT '',
					label INTEGER REFERENCES label(id),
					source INTEGER,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					UNIQUE (type, condition)
				)`,
				`CREATE INDEX idx_rule_first_token ON rule(type, first_token, length)`,

				`CREATE TABLE IF NOT EXISTS annotation (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					submission INTEGER NOT NULL REFERENCES submission(id),
					ref_start INTEGER NOT NULL,
					ref_end INTEGER NOT NULL,
					token_level TEXT,
					source TEXT NOT NULL DEFAULT 'NE',
					label INTEGER REFERENCES label(id),
					author TEXT NOT NULL DEFAULT '',
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					UNIQUE (submission, ref_start, ref_end),
					CHECK (ref_start <= ref_end)
				)`,

				`CREATE TABLE IF NOT EXISTS annotation_rule (
					annotation INTEGER NOT NULL REFERENCES annotation(id),
					rule INTEGER NOT NULL REFERENCES rule(id),
					PRIMARY KEY (annotation, rule)
				)`,
				`CREATE INDEX idx_annotation_rule_rule ON annotation_rule(rule)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "Index candidate rule sources",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX idx_rule_source ON rule(source) WHERE source IS NOT NULL`)
			return err
		},
	},
	{
		Version:     3,
		Description: "Pending corpus sweep",
		Up: func(tx *sql.Tx) error {
			// At most one pending sweep; times are unix milliseconds
			_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS sweep_job (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				skip INTEGER,
				requests INTEGER NOT NULL DEFAULT 1,
				due_at INTEGER NOT NULL,
				requested_at INTEGER NOT NULL
			)`)
			return err
		},
	},
}

// SchemaVersion returns the schema version recorded in the database.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	// Get current version
	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	// Apply migrations
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		// Update version
		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	// Verify we're at the expected schema version
	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}
