package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Veraticus/psan/internal/cli"
	"github.com/Veraticus/psan/internal/storage"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the database schema to the latest version.

Every command migrates on start; run this to prepare a database ahead of
time or to check its version with --status.`,
		RunE: runMigrate,
	}

	cmd.Flags().Bool("status", false, "Show current migration status without applying changes")

	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	status, _ := cmd.Flags().GetBool("status")
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0750); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Info("Starting database migration",
		"database", cfg.Database.Path,
		"driver", cfg.Database.Driver,
		"status_only", status)

	store, err := storage.NewSQLiteStorageWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	current, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	if status {
		say(cmd, cli.FormatTitle("Database Migration Status"))
		say(cmd, "Database:        "+cfg.Database.Path)
		say(cmd, fmt.Sprintf("Current version: %d", current))
		say(cmd, fmt.Sprintf("Latest version:  %d", storage.ExpectedSchemaVersion))
		if current < storage.ExpectedSchemaVersion {
			say(cmd, cli.FormatWarning("Migrations pending, run psan migrate"))
		}
		return nil
	}

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	say(cmd, cli.FormatSuccess(fmt.Sprintf("Database at schema version %d", storage.ExpectedSchemaVersion)))
	return nil
}
