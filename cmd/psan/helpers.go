package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/config"
	"github.com/Veraticus/psan/internal/docstore"
	"github.com/Veraticus/psan/internal/engine"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/recognize"
	"github.com/Veraticus/psan/internal/scheduler"
	"github.com/Veraticus/psan/internal/storage"
)

// app holds everything a command needs, wired from the configuration.
type app struct {
	cfg       *config.Config
	store     *storage.SQLiteStorage
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
}

// initStorage opens and migrates the configured database.
func initStorage(ctx context.Context, cfg *config.Config) (*storage.SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	store, err := storage.NewSQLiteStorageWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// loadConfig reads the typed configuration from the global viper.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, common.NewUserError("Invalid configuration", err)
	}
	return cfg, nil
}

// openApp wires storage, documents, recognizer, engine and scheduler.
// Metrics are registered with reg when it is not nil.
func openApp(ctx context.Context, reg prometheus.Registerer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := initStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	docs, err := docstore.New(cfg.DataFolder)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	recognizer, err := recognize.New(recognize.Config{
		Kind:      cfg.Recognizer.Kind,
		Pattern:   cfg.Recognizer.Pattern,
		NEType:    cfg.Recognizer.NEType,
		Binary:    cfg.Recognizer.Binary,
		Model:     cfg.Recognizer.Model,
		Gazetteer: cfg.Recognizer.Gazetteer,
	})
	if err != nil {
		_ = store.Close()
		return nil, common.NewUserError("Failed to set up the name entity recognizer", err)
	}

	eng := engine.NewWithConfig(store, docs, recognizer, engine.Config{
		MinConfidence:      cfg.MinConfidence,
		DefaultReplacement: cfg.DefaultReplacement,
	})

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Delay = cfg.ReAnnotate.Delay
	schedCfg.Workers = cfg.ReAnnotate.Workers
	schedCfg.Rate = cfg.ReAnnotate.Rate
	schedCfg.Retry.MaxAttempts = cfg.ReAnnotate.Retries
	if cfg.ReAnnotate.PollInterval > 0 {
		schedCfg.PollInterval = cfg.ReAnnotate.PollInterval
	}
	sched := scheduler.New(store, eng, schedCfg, scheduler.NewMetrics(reg))
	sched.SetProcessor(eng)
	eng.SetTaskQueue(sched)

	return &app{cfg: cfg, store: store, engine: eng, scheduler: sched}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}

// withApp opens the application for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func author(cmd *cobra.Command) string {
	name, _ := cmd.Flags().GetString("author")
	return name
}

// resolveDocument accepts a numeric submission id or a uid.
func resolveDocument(ctx context.Context, a *app, arg string) (*model.Submission, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return a.store.GetSubmission(ctx, id)
	}
	return a.store.GetSubmissionByUID(ctx, arg)
}

// parseInterval accepts "start-end", "start:end" or a single token id.
func parseInterval(s string) (model.Interval, error) {
	startText, endText, found := strings.Cut(s, "-")
	if !found {
		startText, endText, found = strings.Cut(s, ":")
	}
	if !found {
		endText = startText
	}
	start, err := strconv.Atoi(strings.TrimSpace(startText))
	if err != nil {
		return model.Interval{}, fmt.Errorf("%w: %q", model.ErrInvalidInterval, s)
	}
	end, err := strconv.Atoi(strings.TrimSpace(endText))
	if err != nil {
		return model.Interval{}, fmt.Errorf("%w: %q", model.ErrInvalidInterval, s)
	}
	return model.NewInterval(start, end)
}

// parseCondition splits a rule condition given on the command line.
// Arguments are tokens; a single argument is split on whitespace.
func parseCondition(args []string) []string {
	if len(args) == 1 {
		return strings.Fields(args[0])
	}
	return args
}

// resolveLabel finds a label by name. An empty name means no label.
func resolveLabel(ctx context.Context, a *app, name string) (*int64, error) {
	if name == "" {
		return nil, nil
	}
	label, err := a.store.FindLabelByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if label == nil {
		return nil, fmt.Errorf("%w: label %q", common.ErrNotFound, name)
	}
	return &label.ID, nil
}

// say prints a line to the command's standard output.
func say(cmd *cobra.Command, a ...any) {
	fmt.Fprintln(cmd.OutOrStdout(), a...)
}
