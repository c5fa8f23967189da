package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lore.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.resolvePaths()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Minute, cfg.Session.StaleAfter)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 0.8, cfg.Session.PromoteConfidence)
	assert.Equal(t, 0.3, cfg.Retrieval.MinScore)
	assert.Equal(t, 30*24*time.Hour, cfg.Conflict.AgeGap)
	assert.Equal(t, filepath.Join(cfg.DataDir, "lore.db"), cfg.DBPath)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
data_dir: `+dir+`
log:
  level: debug
  format: json
retrieval:
  budget: 500
  weights:
    scope: 0.5
session:
  idle_timeout: 45m
  promote_confidence: 0.9
conflict:
  age_gap: 240h
trace:
  path: `+filepath.Join(dir, "trace.jsonl")+`
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "lore.db"), cfg.DBPath)
	assert.Equal(t, 500, cfg.Retrieval.Budget)
	assert.Equal(t, 0.5, cfg.Retrieval.Weights.Scope)
	assert.Equal(t, 0.30, cfg.Retrieval.Weights.Confidence, "unset keys keep defaults")
	assert.Equal(t, 45*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Session.StaleAfter)
	assert.Equal(t, 0.9, cfg.Session.PromoteConfidence)
	assert.Equal(t, 10*24*time.Hour, cfg.Conflict.AgeGap)
	assert.Equal(t, filepath.Join(dir, "trace.jsonl"), cfg.Trace.Path)
	assert.Equal(t, 5, cfg.Trace.MaxFiles)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	rc := cfg.RetrievalSettings()
	assert.Equal(t, 0.5, rc.Weights.Scope)
	assert.NotNil(t, rc.Now)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "retrieval:\n  budget: 500\n")
	t.Setenv("LORE_RETRIEVAL_BUDGET", "750")
	t.Setenv("LORE_SESSION_STALE_AFTER", "2m")
	t.Setenv("LORE_DB_PATH", filepath.Join(t.TempDir(), "env.db"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 750, cfg.Retrieval.Budget)
	assert.Equal(t, 2*time.Minute, cfg.Session.StaleAfter)
	assert.Equal(t, "env.db", filepath.Base(cfg.DBPath))
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Retrieval.Budget, cfg.Retrieval.Budget)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero budget", func(c *Config) { c.Retrieval.Budget = 0 }},
		{"negative weight", func(c *Config) { c.Retrieval.Weights.Recency = -0.1 }},
		{"shares above one", func(c *Config) { c.Retrieval.Shares.Project = 0.9 }},
		{"min score above one", func(c *Config) { c.Retrieval.MinScore = 1.5 }},
		{"idle after timeout", func(c *Config) { c.Session.IdleAfter = time.Hour }},
		{"no staleness", func(c *Config) { c.Session.StaleAfter = 0 }},
		{"promote above one", func(c *Config) { c.Session.PromoteConfidence = 2 }},
		{"redundancy above one", func(c *Config) { c.Conflict.RedundancyThreshold = 1.2 }},
		{"unknown counter", func(c *Config) { c.Tokens.Counter = "bpe" }},
		{"unknown level", func(c *Config) { c.Log.Level = "loud" }},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }},
		{"no trace files", func(c *Config) { c.Trace.MaxFiles = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.resolvePaths()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
