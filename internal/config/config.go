// Package config loads the psan configuration through viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Veraticus/psan/internal/common"
)

// Config is the typed application configuration.
type Config struct {
	Database   DatabaseConfig
	Recognizer RecognizerConfig
	Logging    LoggingConfig
	DataFolder string
	// DefaultReplacement is printed for SECRET spans that have no label.
	DefaultReplacement string
	ReAnnotate         ReAnnotateConfig
	// MinConfidence is the summed rule confidence needed to decide a span.
	MinConfidence int
}

// DatabaseConfig selects the SQLite file and driver.
type DatabaseConfig struct {
	Path   string
	Driver string
}

// ReAnnotateConfig tunes background re-annotation.
type ReAnnotateConfig struct {
	Delay        time.Duration
	PollInterval time.Duration
	Rate         float64
	Workers      int
	Retries      int
}

// RecognizerConfig selects the name entity recognizer.
type RecognizerConfig struct {
	Kind      string
	Pattern   string
	NEType    string
	Binary    string
	Model     string
	Gazetteer string
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string
	Format string
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "$HOME/.local/share/psan/psan.db")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("data.folder", "$HOME/.local/share/psan/documents")
	v.SetDefault("rules.autoapply_confidence", 1)
	v.SetDefault("reannotate.delay", 2*time.Minute)
	v.SetDefault("reannotate.poll_interval", 5*time.Second)
	v.SetDefault("reannotate.workers", 2)
	v.SetDefault("reannotate.rate", 20.0)
	v.SetDefault("reannotate.retries", 3)
	v.SetDefault("recognizer.kind", "regex")
	v.SetDefault("recognizer.pattern", "")
	v.SetDefault("recognizer.ne_type", "re")
	v.SetDefault("recognizer.binary", "")
	v.SetDefault("recognizer.model", "")
	v.SetDefault("recognizer.gazetteer", "")
	v.SetDefault("output.default_replacement", "[REDACTED]")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads the configuration from v and resolves paths. Relative paths
// in a config file are relative to the file. Keys missing from v fall back
// to the defaults.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	base := ""
	if file := v.ConfigFileUsed(); file != "" {
		base = filepath.Dir(file)
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Path:   ResolvePath(v.GetString("database.path"), base),
			Driver: strings.ToLower(v.GetString("database.driver")),
		},
		DataFolder:         ResolvePath(v.GetString("data.folder"), base),
		MinConfidence:      v.GetInt("rules.autoapply_confidence"),
		DefaultReplacement: v.GetString("output.default_replacement"),
		ReAnnotate: ReAnnotateConfig{
			Delay:        v.GetDuration("reannotate.delay"),
			PollInterval: v.GetDuration("reannotate.poll_interval"),
			Workers:      v.GetInt("reannotate.workers"),
			Rate:         v.GetFloat64("reannotate.rate"),
			Retries:      v.GetInt("reannotate.retries"),
		},
		Recognizer: RecognizerConfig{
			Kind:      v.GetString("recognizer.kind"),
			Pattern:   v.GetString("recognizer.pattern"),
			NEType:    v.GetString("recognizer.ne_type"),
			Binary:    resolveCommand(v.GetString("recognizer.binary"), base),
			Model:     ResolvePath(v.GetString("recognizer.model"), base),
			Gazetteer: ResolvePath(v.GetString("recognizer.gazetteer"), base),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Database.Path == "":
		return fmt.Errorf("%w: database.path", common.ErrMissingConfig)
	case c.DataFolder == "":
		return fmt.Errorf("%w: data.folder", common.ErrMissingConfig)
	case c.Database.Driver != "sqlite3" && c.Database.Driver != "sqlite":
		return fmt.Errorf("%w: database.driver must be sqlite3 or sqlite, got %q", common.ErrInvalidConfig, c.Database.Driver)
	case c.MinConfidence < 1:
		return fmt.Errorf("%w: rules.autoapply_confidence must be at least 1", common.ErrInvalidConfig)
	case c.ReAnnotate.Delay < 0:
		return fmt.Errorf("%w: reannotate.delay is negative", common.ErrInvalidConfig)
	case c.ReAnnotate.Workers < 1:
		return fmt.Errorf("%w: reannotate.workers must be at least 1", common.ErrInvalidConfig)
	case c.ReAnnotate.Retries < 1:
		return fmt.Errorf("%w: reannotate.retries must be at least 1", common.ErrInvalidConfig)
	}
	return nil
}
