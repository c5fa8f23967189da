// Package config loads lore settings from lore.yaml and LORE_* variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dan-solli/lore/pkg/conflict"
	"github.com/dan-solli/lore/pkg/retrieval"
	"github.com/dan-solli/lore/pkg/session"
)

type Config struct {
	DataDir     string            `yaml:"data_dir" mapstructure:"data_dir"`
	DBPath      string            `yaml:"db_path" mapstructure:"db_path"`
	ArchiveDir  string            `yaml:"archive_dir" mapstructure:"archive_dir"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Tokens      TokensConfig      `yaml:"tokens" mapstructure:"tokens"`
	Retrieval   RetrievalConfig   `yaml:"retrieval" mapstructure:"retrieval"`
	Conflict    conflict.Config   `yaml:"conflict" mapstructure:"conflict"`
	Session     SessionConfig     `yaml:"session" mapstructure:"session"`
	Maintenance MaintenanceConfig `yaml:"maintenance" mapstructure:"maintenance"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Trace       TraceConfig       `yaml:"trace" mapstructure:"trace"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

type TokensConfig struct {
	Counter      string `yaml:"counter" mapstructure:"counter"`
	Encoding     string `yaml:"encoding" mapstructure:"encoding"`
	CacheEntries int64  `yaml:"cache_entries" mapstructure:"cache_entries"`
}

type RetrievalConfig struct {
	Budget   int               `yaml:"budget" mapstructure:"budget"`
	MinScore float64           `yaml:"min_score" mapstructure:"min_score"`
	Weights  retrieval.Weights `yaml:"weights" mapstructure:"weights"`
	Shares   retrieval.Shares  `yaml:"shares" mapstructure:"shares"`
}

type SessionConfig struct {
	session.Config `yaml:",inline" mapstructure:",squash"`
	WatchInterval  time.Duration `yaml:"watch_interval" mapstructure:"watch_interval"`
}

type MaintenanceConfig struct {
	StaleAfterDays int `yaml:"stale_after_days" mapstructure:"stale_after_days"`
}

// TraceConfig enables the operation trace file. An empty path disables it.
type TraceConfig struct {
	Path      string `yaml:"path" mapstructure:"path"`
	MaxSizeMB int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" mapstructure:"max_files"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr" mapstructure:"addr"`
	Metrics bool   `yaml:"metrics" mapstructure:"metrics"`
}

func DefaultConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Log:     LogConfig{Level: "info", Format: "text"},
		Tokens: TokensConfig{
			Counter:      "heuristic",
			Encoding:     "cl100k_base",
			CacheEntries: 10000,
		},
		Retrieval: RetrievalConfig{
			Budget:   2000,
			MinScore: retrieval.DefaultConfig().MinScore,
			Weights:  retrieval.DefaultWeights(),
			Shares:   retrieval.DefaultShares(),
		},
		Conflict: conflict.DefaultConfig(),
		Session: SessionConfig{
			Config:        session.DefaultConfig(),
			WatchInterval: time.Minute,
		},
		Maintenance: MaintenanceConfig{StaleAfterDays: 180},
		Server:      ServerConfig{Addr: "127.0.0.1:7437", Metrics: true},
		Trace:       TraceConfig{MaxSizeMB: 10, MaxFiles: 5},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "lore")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "lore")
}

// setDefaults registers every key so that LORE_* variables are picked up
// by Unmarshal even when the file does not mention the key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("archive_dir", d.ArchiveDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("tokens.counter", d.Tokens.Counter)
	v.SetDefault("tokens.encoding", d.Tokens.Encoding)
	v.SetDefault("tokens.cache_entries", d.Tokens.CacheEntries)
	v.SetDefault("retrieval.budget", d.Retrieval.Budget)
	v.SetDefault("retrieval.min_score", d.Retrieval.MinScore)
	v.SetDefault("retrieval.weights.lexical", d.Retrieval.Weights.Lexical)
	v.SetDefault("retrieval.weights.scope", d.Retrieval.Weights.Scope)
	v.SetDefault("retrieval.weights.recency", d.Retrieval.Weights.Recency)
	v.SetDefault("retrieval.weights.confidence", d.Retrieval.Weights.Confidence)
	v.SetDefault("retrieval.weights.task", d.Retrieval.Weights.Task)
	v.SetDefault("retrieval.shares.universal", d.Retrieval.Shares.Universal)
	v.SetDefault("retrieval.shares.language", d.Retrieval.Shares.Language)
	v.SetDefault("retrieval.shares.project", d.Retrieval.Shares.Project)
	v.SetDefault("retrieval.shares.reserve", d.Retrieval.Shares.Reserve)
	v.SetDefault("conflict.redundancy_threshold", d.Conflict.RedundancyThreshold)
	v.SetDefault("conflict.obsolescence_overlap", d.Conflict.ObsolescenceOverlap)
	v.SetDefault("conflict.supersession_overlap", d.Conflict.SupersessionOverlap)
	v.SetDefault("conflict.contradiction_overlap", d.Conflict.ContradictionOverlap)
	v.SetDefault("conflict.age_gap", d.Conflict.AgeGap)
	v.SetDefault("conflict.confidence_gap", d.Conflict.ConfidenceGap)
	v.SetDefault("session.stale_after", d.Session.StaleAfter)
	v.SetDefault("session.idle_after", d.Session.IdleAfter)
	v.SetDefault("session.idle_timeout", d.Session.IdleTimeout)
	v.SetDefault("session.promote_confidence", d.Session.PromoteConfidence)
	v.SetDefault("session.watch_interval", d.Session.WatchInterval)
	v.SetDefault("maintenance.stale_after_days", d.Maintenance.StaleAfterDays)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.metrics", d.Server.Metrics)
	v.SetDefault("trace.path", d.Trace.Path)
	v.SetDefault("trace.max_size_mb", d.Trace.MaxSizeMB)
	v.SetDefault("trace.max_files", d.Trace.MaxFiles)
}

// Load reads the configuration. An explicit path must exist; otherwise
// lore.yaml is looked up in the working directory and the user config
// directories, and a missing file means defaults. Environment variables
// such as LORE_RETRIEVAL_BUDGET override both.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "lore"))
		}
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".config", "lore"))
	}

	v.SetEnvPrefix("LORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: failed to read: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths() {
	c.DataDir = expandHome(c.DataDir)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "lore.db")
	}
	c.DBPath = expandHome(c.DBPath)
	c.ArchiveDir = expandHome(c.ArchiveDir)
	c.Trace.Path = expandHome(c.Trace.Path)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.DBPath == "" && c.DataDir == "" {
		return fmt.Errorf("config: data_dir or db_path is required")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("config: log.format %q must be text or json", c.Log.Format)
	}
	if c.Tokens.Counter != "heuristic" && c.Tokens.Counter != "tiktoken" {
		return fmt.Errorf("config: tokens.counter %q must be heuristic or tiktoken", c.Tokens.Counter)
	}

	r := c.Retrieval
	if r.Budget < 1 {
		return fmt.Errorf("config: retrieval.budget must be positive, got %d", r.Budget)
	}
	if !unit(r.MinScore) {
		return fmt.Errorf("config: retrieval.min_score must be within [0,1], got %v", r.MinScore)
	}
	for name, w := range map[string]float64{
		"lexical": r.Weights.Lexical, "scope": r.Weights.Scope, "recency": r.Weights.Recency,
		"confidence": r.Weights.Confidence, "task": r.Weights.Task,
	} {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("config: retrieval.weights.%s must not be negative, got %v", name, w)
		}
	}
	shares := []float64{r.Shares.Universal, r.Shares.Language, r.Shares.Project, r.Shares.Reserve}
	sum := 0.0
	for _, s := range shares {
		if s < 0 {
			return fmt.Errorf("config: retrieval.shares must not be negative")
		}
		sum += s
	}
	if sum > 1+1e-9 {
		return fmt.Errorf("config: retrieval.shares sum to %.2f, must be at most 1", sum)
	}

	k := c.Conflict
	for name, v := range map[string]float64{
		"redundancy_threshold": k.RedundancyThreshold, "obsolescence_overlap": k.ObsolescenceOverlap,
		"supersession_overlap": k.SupersessionOverlap, "contradiction_overlap": k.ContradictionOverlap,
		"confidence_gap": k.ConfidenceGap,
	} {
		if !unit(v) {
			return fmt.Errorf("config: conflict.%s must be within [0,1], got %v", name, v)
		}
	}
	if k.AgeGap < 0 {
		return fmt.Errorf("config: conflict.age_gap must not be negative")
	}

	s := c.Session
	if s.StaleAfter <= 0 || s.IdleAfter <= 0 || s.IdleTimeout <= 0 {
		return fmt.Errorf("config: session thresholds must be positive")
	}
	if s.IdleAfter >= s.IdleTimeout {
		return fmt.Errorf("config: session.idle_after (%s) must be below session.idle_timeout (%s)", s.IdleAfter, s.IdleTimeout)
	}
	if !unit(s.PromoteConfidence) {
		return fmt.Errorf("config: session.promote_confidence must be within [0,1], got %v", s.PromoteConfidence)
	}
	if s.WatchInterval <= 0 {
		c.Session.WatchInterval = time.Minute
	}
	if c.Trace.MaxSizeMB < 1 || c.Trace.MaxFiles < 1 {
		return fmt.Errorf("config: trace.max_size_mb and trace.max_files must be positive")
	}
	if c.Maintenance.StaleAfterDays < 1 {
		c.Maintenance.StaleAfterDays = 180
	}
	return nil
}

func unit(v float64) bool { return v >= 0 && v <= 1 }

// SlogLevel parses log.level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level %q is not a slog level", c.Log.Level)
	}
	return level, nil
}

// RetrievalSettings returns the retriever configuration.
func (c *Config) RetrievalSettings() retrieval.Config {
	rc := retrieval.DefaultConfig()
	rc.Weights = c.Retrieval.Weights
	rc.Shares = c.Retrieval.Shares
	rc.MinScore = c.Retrieval.MinScore
	return rc
}
