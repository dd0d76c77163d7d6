// Package config provides unified configuration for strata.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/strata-log/strata/internal/logging"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "STRATA_"

// Config holds the unified configuration for strata.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir" env:"DATA_DIR"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log" envPrefix:"LOG_"`

	// Store configuration
	Store StoreConfig `json:"store" yaml:"store" envPrefix:"STORE_"`

	// Materialize configuration
	Materialize MaterializeConfig `json:"materialize" yaml:"materialize" envPrefix:"MATERIALIZE_"`

	// Sources configuration
	Sources SourcesConfig `json:"sources" yaml:"sources" envPrefix:"SOURCES_"`

	// Archive configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive" envPrefix:"ARCHIVE_"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string `json:"level" yaml:"level" env:"LEVEL"`

	// Format is json or console
	Format string `json:"format" yaml:"format" env:"FORMAT"`
}

// StoreConfig holds SQLite store settings.
type StoreConfig struct {
	// Path overrides the database location; defaults to <data_dir>/strata.db
	Path string `json:"path" yaml:"path" env:"PATH"`

	// ReadPoolSize is the maximum number of read connections
	ReadPoolSize int `json:"read_pool_size" yaml:"read_pool_size" env:"READ_POOL_SIZE"`

	// BusyTimeout is how long a connection waits on a locked database
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout" env:"BUSY_TIMEOUT"`

	// BloomExpectedItems sizes the writer identity filter
	BloomExpectedItems int `json:"bloom_expected_items" yaml:"bloom_expected_items" env:"BLOOM_EXPECTED_ITEMS"`

	// BloomFPR is the target false positive rate of the identity filter
	BloomFPR float64 `json:"bloom_fpr" yaml:"bloom_fpr" env:"BLOOM_FPR"`
}

// MaterializeConfig holds materializer settings.
type MaterializeConfig struct {
	// Workers is the number of views materialized concurrently
	Workers int `json:"workers" yaml:"workers" env:"WORKERS"`

	// PageSize is the number of events read from the log per page
	PageSize int `json:"page_size" yaml:"page_size" env:"PAGE_SIZE"`

	// BatchSize is the number of events applied per write transaction
	BatchSize int `json:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`

	// DecisionWindow bounds decision/commit links by occurred_at distance
	DecisionWindow time.Duration `json:"decision_window" yaml:"decision_window" env:"DECISION_WINDOW"`
}

// SourcesConfig holds default source locations for ingest.
type SourcesConfig struct {
	// GitPath is a repository working tree or .git directory
	GitPath string `json:"git_path" yaml:"git_path" env:"GIT_PATH"`

	// SessionsDir holds session markdown files
	SessionsDir string `json:"sessions_dir" yaml:"sessions_dir" env:"SESSIONS_DIR"`

	// JSONLPath is a file of JSON-lines candidates
	JSONLPath string `json:"jsonl_path" yaml:"jsonl_path" env:"JSONL_PATH"`

	// UseState controls whether readers consult the extraction-state tracker
	UseState bool `json:"use_state" yaml:"use_state" env:"USE_STATE"`
}

// ArchiveConfig holds archive destination settings.
type ArchiveConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type" env:"TYPE"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path" env:"PATH"`

	// SegmentEvents is the number of events per sealed segment
	SegmentEvents int `json:"segment_events" yaml:"segment_events" env:"SEGMENT_EVENTS"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3" envPrefix:"S3_"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket" env:"BUCKET"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region" env:"REGION"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix" env:"PREFIX"`
}

// DefaultConfig returns the default configuration for local use.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./.strata",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Store: StoreConfig{
			ReadPoolSize:       4,
			BusyTimeout:        5 * time.Second,
			BloomExpectedItems: 100000,
			BloomFPR:           0.01,
		},
		Materialize: MaterializeConfig{
			Workers:        4,
			PageSize:       500,
			BatchSize:      200,
			DecisionWindow: 72 * time.Hour,
		},
		Sources: SourcesConfig{
			UseState: true,
		},
		Archive: ArchiveConfig{
			Type:          "local",
			SegmentEvents: 1000,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./.strata"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "strata.db")
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

// DBPath returns the path to the SQLite database.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "strata.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Log.Format {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if c.Store.ReadPoolSize < 1 {
		return fmt.Errorf("store.read_pool_size must be at least 1, got %d", c.Store.ReadPoolSize)
	}
	if c.Store.BloomExpectedItems < 1 {
		return fmt.Errorf("store.bloom_expected_items must be at least 1, got %d", c.Store.BloomExpectedItems)
	}
	if c.Store.BloomFPR <= 0 || c.Store.BloomFPR >= 1 {
		return fmt.Errorf("store.bloom_fpr must be in (0, 1), got %g", c.Store.BloomFPR)
	}

	if c.Materialize.Workers < 1 {
		return fmt.Errorf("materialize.workers must be at least 1, got %d", c.Materialize.Workers)
	}
	if c.Materialize.PageSize < 1 || c.Materialize.BatchSize < 1 {
		return fmt.Errorf("materialize.page_size and materialize.batch_size must be positive")
	}
	if c.Materialize.DecisionWindow <= 0 {
		return fmt.Errorf("materialize.decision_window must be positive, got %s", c.Materialize.DecisionWindow)
	}

	if c.Archive.Type != "local" && c.Archive.Type != "s3" {
		return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
	}
	if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
	}
	if c.Archive.SegmentEvents < 1 {
		return fmt.Errorf("archive.segment_events must be at least 1, got %d", c.Archive.SegmentEvents)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variables onto cfg.
// Variables use the STRATA_ prefix, e.g. STRATA_MATERIALIZE_WORKERS.
// Unset variables leave the existing value untouched.
func LoadFromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// Load builds the effective configuration: defaults, then the optional file,
// then environment overrides. The result is resolved and validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.DBPath()),
	}
	if c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
