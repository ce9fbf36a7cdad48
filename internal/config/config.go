package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Log         LogConfig
	Database    DatabaseConfig
	Retention   RetentionConfig
	Metrics     MetricsConfig
	Cache       CacheConfig
	Notify      NotifyConfig
	Status      StatusConfig
	Credentials Credentials
}

type LogConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	URL          string
	PoolSize     int
	MaxIdle      int
	QueryTimeout time.Duration
}

type RetentionConfig struct {
	Days     int
	Interval time.Duration
}

type MetricsConfig struct {
	Enabled        bool
	Port           int
	PersistTimeout time.Duration
}

type CacheConfig struct {
	RedisURL string
}

type NotifyConfig struct {
	WebhookURL string
}

type StatusConfig struct {
	APIToken string
}

// Credentials for the chat platform and downstream services. Only their
// presence is checked here; the values are consumed by the command layer.
type Credentials struct {
	SlackBotToken      string
	SlackSigningSecret string
	SlackAppToken      string
	OpenAIAPIKey       string
	DatabricksHost     string
	DatabricksToken    string
}

func defaults() Config {
	return Config{
		Environment: "production",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			PoolSize:     10,
			MaxIdle:      5,
			QueryTimeout: 5 * time.Second,
		},
		Retention: RetentionConfig{
			Days:     365,
			Interval: 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Port:           9090,
			PersistTimeout: 2 * time.Second,
		},
	}
}

// Load reads configuration in increasing order of precedence: built-in
// defaults, the JSON file at $XDG_CONFIG_HOME/launchdesk/config.json, a .env
// file in the working directory, and the process environment.
//
// Secrets (database URL, tokens, API keys) are never read from the JSON file.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return loadWith(newFileBackend(configFilePath()))
}

// loadDotEnv populates unset environment variables from path. A missing file
// is not an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Features summarizes which optional subsystems are configured.
type Features struct {
	DatabaseConfigured   bool `json:"database_configured"`
	CacheConfigured      bool `json:"cache_configured"`
	NotificationsEnabled bool `json:"notifications_enabled"`
	MetricsEnabled       bool `json:"metrics_enabled"`
	StatusAuthEnabled    bool `json:"status_auth_enabled"`
}

func (c Config) Features() Features {
	return Features{
		DatabaseConfigured:   c.Database.URL != "",
		CacheConfigured:      c.Cache.RedisURL != "",
		NotificationsEnabled: c.Notify.WebhookURL != "",
		MetricsEnabled:       c.Metrics.Enabled,
		StatusAuthEnabled:    c.Status.APIToken != "",
	}
}
