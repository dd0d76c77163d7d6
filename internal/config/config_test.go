package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("./.strata", "strata.db"), cfg.DBPath())
	assert.Equal(t, 72*time.Hour, cfg.Materialize.DecisionWindow)
	assert.True(t, cfg.Sources.UseState)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"zero workers", func(c *Config) { c.Materialize.Workers = 0 }},
		{"zero page size", func(c *Config) { c.Materialize.PageSize = 0 }},
		{"negative window", func(c *Config) { c.Materialize.DecisionWindow = -time.Hour }},
		{"bad fpr", func(c *Config) { c.Store.BloomFPR = 1.5 }},
		{"bad archive type", func(c *Config) { c.Archive.Type = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.Archive.Type = "s3" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.yaml")
	content := `
data_dir: /var/lib/strata
materialize:
  workers: 8
archive:
  type: s3
  s3:
    bucket: strata-archive
    region: eu-west-1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/strata", cfg.DataDir)
	assert.Equal(t, 8, cfg.Materialize.Workers)
	assert.Equal(t, 500, cfg.Materialize.PageSize, "unset fields keep defaults")
	assert.Equal(t, "strata-archive", cfg.Archive.S3.Bucket)
}

func TestLoadFromFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log":{"level":"debug","format":"json"}}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromFileUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STRATA_DATA_DIR", "/tmp/strata-env")
	t.Setenv("STRATA_MATERIALIZE_WORKERS", "2")
	t.Setenv("STRATA_MATERIALIZE_DECISION_WINDOW", "24h")
	t.Setenv("STRATA_ARCHIVE_S3_BUCKET", "bkt")

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))
	assert.Equal(t, "/tmp/strata-env", cfg.DataDir)
	assert.Equal(t, 2, cfg.Materialize.Workers)
	assert.Equal(t, 24*time.Hour, cfg.Materialize.DecisionWindow)
	assert.Equal(t, "bkt", cfg.Archive.S3.Bucket)
	assert.Equal(t, 200, cfg.Materialize.BatchSize, "unset variables keep existing values")
}

func TestLoadResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STRATA_DATA_DIR", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "strata.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join(dir, "archive"), cfg.Archive.Path)

	require.NoError(t, cfg.EnsureDirectories())
	_, err = os.Stat(cfg.Archive.Path)
	assert.NoError(t, err)
}
