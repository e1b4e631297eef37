// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Crawler      CrawlerConfig      `mapstructure:"crawler"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Storage      StorageConfig      `mapstructure:"storage"`
	DB           DBConfig           `mapstructure:"db"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs BFS discovery behavior.
type CrawlerConfig struct {
	Concurrency       int    `mapstructure:"concurrency"`
	MaxDepth          int    `mapstructure:"max_depth"`
	UserAgent         string `mapstructure:"user_agent"`
	DefaultPageBudget int    `mapstructure:"default_page_budget"`
	MaxPageBudget     int    `mapstructure:"max_page_budget"`
}

// OrchestratorConfig bounds batch execution.
type OrchestratorConfig struct {
	BatchBudgetSeconds int    `mapstructure:"batch_budget_seconds"`
	CheckConcurrency   int    `mapstructure:"check_concurrency"`
	EventTopic         string `mapstructure:"event_topic"`
}

// HTTPConfig configures the outbound HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures headless render promotion.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig selects and parameterizes the page archive backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DBConfig selects and parameterizes the audit store backend.
type DBConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for lifecycle event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Storage and DB backend names accepted by Validate.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.user_agent", "siteaudit-bot/1.0")
	v.SetDefault("crawler.default_page_budget", 25)
	v.SetDefault("crawler.max_page_budget", 100)
	v.SetDefault("orchestrator.batch_budget_seconds", 50)
	v.SetDefault("orchestrator.check_concurrency", 4)
	v.SetDefault("orchestrator.event_topic", "siteaudit.events")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("db.backend", BackendMemory)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.DefaultPageBudget <= 0 || c.Crawler.DefaultPageBudget > c.Crawler.MaxPageBudget {
		return fmt.Errorf("crawler.default_page_budget must be in 1..crawler.max_page_budget")
	}
	if c.Orchestrator.BatchBudgetSeconds <= 0 {
		return fmt.Errorf("orchestrator.batch_budget_seconds must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	switch c.DB.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("db.backend must be one of memory, postgres")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	return nil
}

// BatchBudget returns the orchestrator wall-clock budget as a duration.
func (c Config) BatchBudget() time.Duration {
	return time.Duration(c.Orchestrator.BatchBudgetSeconds) * time.Second
}

// HTTPTimeout returns the outbound client timeout as a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
