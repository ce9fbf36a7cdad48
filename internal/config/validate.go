package config

import (
	"fmt"
	"strings"
)

// Validation is the outcome of Validate. Errors make the configuration
// invalid; warnings do not.
type Validation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// MaxRetentionDays is the largest retention horizon storage accepts.
const MaxRetentionDays = 3650

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks required credentials and value ranges.
func (c Config) Validate() Validation {
	v := Validation{Errors: []string{}, Warnings: []string{}}

	required := []struct{ env, val string }{
		{"SLACK_BOT_TOKEN", c.Credentials.SlackBotToken},
		{"SLACK_SIGNING_SECRET", c.Credentials.SlackSigningSecret},
		{"SLACK_APP_TOKEN", c.Credentials.SlackAppToken},
		{"OPENAI_API_KEY", c.Credentials.OpenAIAPIKey},
		{"DATABRICKS_HOST", c.Credentials.DatabricksHost},
		{"DATABRICKS_TOKEN", c.Credentials.DatabricksToken},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			v.Errors = append(v.Errors, fmt.Sprintf("Missing required environment variable: %s", r.env))
		}
	}

	recommended := []struct{ env, val string }{
		{"DATABASE_URL", c.Database.URL},
		{"REDIS_URL", c.Cache.RedisURL},
	}
	for _, r := range recommended {
		if strings.TrimSpace(r.val) == "" {
			v.Warnings = append(v.Warnings, fmt.Sprintf("Missing recommended environment variable: %s", r.env))
		}
	}

	if c.Retention.Days < 1 {
		v.Errors = append(v.Errors, fmt.Sprintf("retention.days must be at least 1, got %d", c.Retention.Days))
	}
	if c.Retention.Days > MaxRetentionDays {
		v.Errors = append(v.Errors, fmt.Sprintf("retention.days must be at most %d, got %d", MaxRetentionDays, c.Retention.Days))
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		v.Errors = append(v.Errors, fmt.Sprintf("metrics.port out of range: %d", c.Metrics.Port))
	}
	if c.Database.PoolSize < 1 {
		v.Errors = append(v.Errors, fmt.Sprintf("database.pool_size must be at least 1, got %d", c.Database.PoolSize))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		v.Warnings = append(v.Warnings, fmt.Sprintf("unknown log level %q, using info", c.Log.Level))
	}

	v.Valid = len(v.Errors) == 0
	return v
}
