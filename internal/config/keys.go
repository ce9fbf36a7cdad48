package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "environment", typ: kString, env: "ENVIRONMENT",
		apply:   func(cfg *Config, v any) { cfg.Environment = v.(string) },
		extract: func(cfg Config) any { return cfg.Environment },
	},
	{
		key: "log.level", typ: kString, env: "LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "database.url", typ: kString, env: "DATABASE_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Database.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.URL },
	},
	{
		key: "database.pool_size", typ: kInt, env: "DATABASE_POOL_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Database.PoolSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Database.PoolSize },
	},
	{
		key: "database.max_idle", typ: kInt, env: "DATABASE_MAX_IDLE",
		apply:   func(cfg *Config, v any) { cfg.Database.MaxIdle = v.(int) },
		extract: func(cfg Config) any { return cfg.Database.MaxIdle },
	},
	{
		key: "database.query_timeout", typ: kDuration, env: "DATABASE_QUERY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Database.QueryTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Database.QueryTimeout },
	},
	{
		key: "retention.days", typ: kInt, env: "DATA_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Retention.Days = v.(int) },
		extract: func(cfg Config) any { return cfg.Retention.Days },
	},
	{
		key: "retention.interval", typ: kDuration, env: "RETENTION_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Retention.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retention.Interval },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "ENABLE_METRICS",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
	{
		key: "metrics.port", typ: kInt, env: "METRICS_PORT",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Metrics.Port },
	},
	{
		key: "metrics.persist_timeout", typ: kDuration, env: "METRICS_PERSIST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Metrics.PersistTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Metrics.PersistTimeout },
	},
	{
		key: "cache.redis_url", typ: kString, env: "REDIS_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisURL },
	},
	{
		key: "notify.webhook_url", typ: kString, env: "ERROR_NOTIFICATION_WEBHOOK",
		apply:   func(cfg *Config, v any) { cfg.Notify.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.WebhookURL },
	},
	{
		key: "status.api_token", typ: kString, env: "STATUS_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Status.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Status.APIToken },
	},
	{
		key: "slack.bot_token", typ: kString, env: "SLACK_BOT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Credentials.SlackBotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.SlackBotToken },
	},
	{
		key: "slack.signing_secret", typ: kString, env: "SLACK_SIGNING_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Credentials.SlackSigningSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.SlackSigningSecret },
	},
	{
		key: "slack.app_token", typ: kString, env: "SLACK_APP_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Credentials.SlackAppToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.SlackAppToken },
	},
	{
		key: "openai.api_key", typ: kString, env: "OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Credentials.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.OpenAIAPIKey },
	},
	{
		key: "databricks.host", typ: kString, env: "DATABRICKS_HOST",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Credentials.DatabricksHost = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.DatabricksHost },
	},
	{
		key: "databricks.token", typ: kString, env: "DATABRICKS_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Credentials.DatabricksToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.DatabricksToken },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
