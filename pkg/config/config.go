// Package config handles framestore configuration via YAML files and
// environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--data-dir, --schema, etc.)
//  2. Environment variables (FRAMESTORE_*)
//  3. Config file (framestore.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// Environment Variables (all use FRAMESTORE_ prefix):
//
// Store:
//   - FRAMESTORE_DATA_DIR="./data"
//   - FRAMESTORE_IN_MEMORY=false
//   - FRAMESTORE_SYNC_WRITES=false
//   - FRAMESTORE_LOW_MEMORY=false
//   - FRAMESTORE_MAX_RECORD_SIZE=0
//   - FRAMESTORE_REPORT_FILE="regen-report.log"
//
// Schema:
//   - FRAMESTORE_SCHEMA="./schema.yaml"
//   - FRAMESTORE_SCHEMA_WATCH=true
//
// Matchers:
//   - FRAMESTORE_SQLINDEX_ENABLED=false
//   - FRAMESTORE_SQLINDEX_PATH="./data/sqlindex.db"
//   - FRAMESTORE_SQLINDEX_TYPES="Patient,Doctor"
//
// Logging:
//   - FRAMESTORE_LOG_LEVEL="info"
//   - FRAMESTORE_LOG_FORMAT="console"
//
// Metrics:
//   - FRAMESTORE_METRICS_ENABLED=false
//   - FRAMESTORE_METRICS_ADDRESS=":9464"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/logging"
)

// Config holds all framestore configuration.
//
// Configuration is organized into logical sections:
//   - Store: record storage and the regeneration report
//   - Schema: where the live schema comes from
//   - Matchers: optional matchers registered ahead of the built-in one
//   - Logging: logger level and encoding
//   - Metrics: Prometheus exposition
type Config struct {
	Store    StoreConfig
	Schema   SchemaConfig
	Matchers MatchersConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

// StoreConfig holds record storage settings.
type StoreConfig struct {
	// DataDir is the badger directory (default: ./data)
	DataDir string
	// InMemory keeps every record in memory; nothing survives a restart
	InMemory bool
	// SyncWrites fsyncs every write
	SyncWrites bool
	// LowMemory shrinks badger's tables and caches
	LowMemory bool
	// MaxRecordSize caps one stored record in bytes; 0 means no limit
	MaxRecordSize int
	// ReportFile is the regeneration report, relative to DataDir
	ReportFile string
}

// SchemaConfig locates the schema.
type SchemaConfig struct {
	// Path of the YAML schema file
	Path string
	// Watch reloads the schema when the file changes (long-running commands)
	Watch bool
}

// MatchersConfig holds the optional matchers.
type MatchersConfig struct {
	SQLIndex SQLIndexConfig
}

// SQLIndexConfig configures the sqlite-backed matcher.
type SQLIndexConfig struct {
	Enabled bool
	// Path of the sqlite database; relative paths resolve against Store.DataDir
	Path string
	// Types claimed by the matcher, together with their specializations
	Types []string
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string
	// Format (json, console)
	Format string
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool
	// Address served by long-running commands, e.g. ":9464"
	Address string
}

// LoadDefaults returns a config populated with built-in defaults.
func LoadDefaults() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir:    "./data",
			ReportFile: "regen-report.log",
		},
		Schema: SchemaConfig{
			Path:  "schema.yaml",
			Watch: true,
		},
		Matchers: MatchersConfig{
			SQLIndex: SQLIndexConfig{
				Path: "sqlindex.db",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Address: ":9464",
		},
	}
}

// LoadFromEnv returns the defaults overridden by environment variables.
func LoadFromEnv() *Config {
	cfg := LoadDefaults()
	applyEnvVars(cfg)
	return cfg
}

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Store struct {
		DataDir       string `yaml:"data_dir"`
		InMemory      *bool  `yaml:"in_memory"`
		SyncWrites    *bool  `yaml:"sync_writes"`
		LowMemory     *bool  `yaml:"low_memory"`
		MaxRecordSize *int   `yaml:"max_record_size"`
		ReportFile    string `yaml:"report_file"`
	} `yaml:"store"`

	Schema struct {
		Path  string `yaml:"path"`
		Watch *bool  `yaml:"watch"`
	} `yaml:"schema"`

	Matchers struct {
		SQLIndex struct {
			Enabled *bool    `yaml:"enabled"`
			Path    string   `yaml:"path"`
			Types   []string `yaml:"types"`
		} `yaml:"sqlindex"`
	} `yaml:"matchers"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled *bool  `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"metrics"`
}

// LoadFromFile loads configuration with proper precedence:
//  1. Built-in defaults (lowest priority)
//  2. YAML config file
//  3. Environment variables (highest priority before CLI args)
//
// A missing file is not an error. An empty path skips the file.
//
// Example YAML:
//
//	store:
//	  data_dir: /var/lib/framestore
//	  sync_writes: true
//	schema:
//	  path: /etc/framestore/schema.yaml
//	matchers:
//	  sqlindex:
//	    enabled: true
//	    types: [Patient]
func LoadFromFile(configPath string) (*Config, error) {
	cfg := LoadDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrap(err, "failed to read config file")
		default:
			var yamlCfg YAMLConfig
			if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
				return nil, errors.Wrap(err, "failed to parse config file")
			}
			yamlCfg.apply(cfg)
		}
	}

	applyEnvVars(cfg)
	return cfg, nil
}

func (y *YAMLConfig) apply(cfg *Config) {
	// === Store ===
	if y.Store.DataDir != "" {
		cfg.Store.DataDir = y.Store.DataDir
	}
	if y.Store.InMemory != nil {
		cfg.Store.InMemory = *y.Store.InMemory
	}
	if y.Store.SyncWrites != nil {
		cfg.Store.SyncWrites = *y.Store.SyncWrites
	}
	if y.Store.LowMemory != nil {
		cfg.Store.LowMemory = *y.Store.LowMemory
	}
	if y.Store.MaxRecordSize != nil {
		cfg.Store.MaxRecordSize = *y.Store.MaxRecordSize
	}
	if y.Store.ReportFile != "" {
		cfg.Store.ReportFile = y.Store.ReportFile
	}

	// === Schema ===
	if y.Schema.Path != "" {
		cfg.Schema.Path = y.Schema.Path
	}
	if y.Schema.Watch != nil {
		cfg.Schema.Watch = *y.Schema.Watch
	}

	// === Matchers ===
	if y.Matchers.SQLIndex.Enabled != nil {
		cfg.Matchers.SQLIndex.Enabled = *y.Matchers.SQLIndex.Enabled
	}
	if y.Matchers.SQLIndex.Path != "" {
		cfg.Matchers.SQLIndex.Path = y.Matchers.SQLIndex.Path
	}
	if len(y.Matchers.SQLIndex.Types) > 0 {
		cfg.Matchers.SQLIndex.Types = y.Matchers.SQLIndex.Types
	}

	// === Logging ===
	if y.Logging.Level != "" {
		cfg.Logging.Level = y.Logging.Level
	}
	if y.Logging.Format != "" {
		cfg.Logging.Format = y.Logging.Format
	}

	// === Metrics ===
	if y.Metrics.Enabled != nil {
		cfg.Metrics.Enabled = *y.Metrics.Enabled
	}
	if y.Metrics.Address != "" {
		cfg.Metrics.Address = y.Metrics.Address
	}
}

// ApplyEnvVars applies environment variable overrides to an existing config.
func ApplyEnvVars(cfg *Config) {
	applyEnvVars(cfg)
}

func applyEnvVars(cfg *Config) {
	cfg.Store.DataDir = getEnv("FRAMESTORE_DATA_DIR", cfg.Store.DataDir)
	cfg.Store.InMemory = getEnvBool("FRAMESTORE_IN_MEMORY", cfg.Store.InMemory)
	cfg.Store.SyncWrites = getEnvBool("FRAMESTORE_SYNC_WRITES", cfg.Store.SyncWrites)
	cfg.Store.LowMemory = getEnvBool("FRAMESTORE_LOW_MEMORY", cfg.Store.LowMemory)
	cfg.Store.MaxRecordSize = getEnvInt("FRAMESTORE_MAX_RECORD_SIZE", cfg.Store.MaxRecordSize)
	cfg.Store.ReportFile = getEnv("FRAMESTORE_REPORT_FILE", cfg.Store.ReportFile)

	cfg.Schema.Path = getEnv("FRAMESTORE_SCHEMA", cfg.Schema.Path)
	cfg.Schema.Watch = getEnvBool("FRAMESTORE_SCHEMA_WATCH", cfg.Schema.Watch)

	cfg.Matchers.SQLIndex.Enabled = getEnvBool("FRAMESTORE_SQLINDEX_ENABLED", cfg.Matchers.SQLIndex.Enabled)
	cfg.Matchers.SQLIndex.Path = getEnv("FRAMESTORE_SQLINDEX_PATH", cfg.Matchers.SQLIndex.Path)
	cfg.Matchers.SQLIndex.Types = getEnvStringSlice("FRAMESTORE_SQLINDEX_TYPES", cfg.Matchers.SQLIndex.Types)

	cfg.Logging.Level = getEnv("FRAMESTORE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("FRAMESTORE_LOG_FORMAT", cfg.Logging.Format)

	cfg.Metrics.Enabled = getEnvBool("FRAMESTORE_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Address = getEnv("FRAMESTORE_METRICS_ADDRESS", cfg.Metrics.Address)
}

// Validate checks the configuration for errors.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	if !c.Store.InMemory && c.Store.DataDir == "" {
		return errors.New("data dir is required unless the store is in memory")
	}
	if c.Store.MaxRecordSize < 0 {
		return errors.Newf("invalid max record size: %d", c.Store.MaxRecordSize)
	}
	if c.Schema.Path == "" {
		return errors.New("schema path is required")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return errors.Newf("invalid log format: %q", c.Logging.Format)
	}
	if c.Matchers.SQLIndex.Enabled {
		if len(c.Matchers.SQLIndex.Types) == 0 {
			return errors.New("sqlindex matcher enabled without types")
		}
		if c.Matchers.SQLIndex.Path == "" {
			return errors.New("sqlindex matcher enabled without a path")
		}
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics enabled without an address")
	}
	return nil
}

// SQLIndexPath returns the sqlite path with relative paths resolved against
// the data directory.
func (c *Config) SQLIndexPath() string {
	p := c.Matchers.SQLIndex.Path
	if p == "" || filepath.IsAbs(p) || c.Store.DataDir == "" {
		return p
	}
	return filepath.Join(c.Store.DataDir, p)
}

// LoggingOptions converts the logging section for logging.New.
func (c *Config) LoggingOptions() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}

// String returns a short representation of the Config suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DataDir: %s, InMemory: %v, Schema: %s, SQLIndex: %v, Metrics: %v}",
		c.Store.DataDir, c.Store.InMemory, c.Schema.Path,
		c.Matchers.SQLIndex.Enabled, c.Metrics.Enabled,
	)
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. ~/.framestore/config.yaml
//  2. Same directory as the binary (framestore.yaml)
//  3. Current working directory (framestore.yaml, config.yaml)
//  4. ~/.config/framestore/config.yaml (XDG)
func FindConfigFile() string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".framestore", "config.yaml"))
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "framestore.yaml"))
	}
	candidates = append(candidates, "framestore.yaml", "config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "framestore", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
		val = strings.ToLower(val)
		return val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}
