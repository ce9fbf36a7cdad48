// Package health assembles the health and status reports served on the
// monitoring endpoints.
package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/launchdesk/internal/config"
	"github.com/kalambet/launchdesk/internal/metrics"
	"github.com/kalambet/launchdesk/internal/storage"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	checkNotConfigured = "not_configured"

	defaultCheckTimeout = 5 * time.Second
	statusWindowDays    = 7
)

// Database is the storage health probe. *storage.Gateway satisfies it.
type Database interface {
	HealthCheck(ctx context.Context) storage.HealthResult
}

// Summarizer aggregates durable metric records. *storage.Gateway satisfies it.
type Summarizer interface {
	SummarizeMetrics(ctx context.Context, windowDays int) (storage.MetricSummary, error)
}

// Pinger is a cache liveness probe. *RedisProbe satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is the outcome of one sub-check.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type Report struct {
	Status        string           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Uptime        string           `json:"uptime"`
	Environment   string           `json:"environment"`
	Version       string           `json:"version"`
	Checks        map[string]Check `json:"checks"`
}

// Healthy reports whether the overall status is healthy.
func (r Report) Healthy() bool { return r.Status == StatusHealthy }

type StatusPayload struct {
	Status        string                 `json:"status"`
	Timestamp     time.Time              `json:"timestamp"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Environment   string                 `json:"environment"`
	Version       string                 `json:"version"`
	Summary       *storage.MetricSummary `json:"summary,omitempty"`
	Live          *metrics.Snapshot      `json:"live,omitempty"`
	Config        config.Features        `json:"config"`
}

type Options struct {
	Database   Database
	Summarizer Summarizer
	Cache      Pinger // nil when no cache is configured
	Live       *metrics.Store
	Config     config.Config
	Version    string

	StartedAt    time.Time
	CheckTimeout time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

// Reporter produces health and status reports. It never panics and never
// returns an error: failures are folded into the report.
type Reporter struct {
	db           Database
	summarizer   Summarizer
	cache        Pinger
	live         *metrics.Store
	cfg          config.Config
	version      string
	startedAt    time.Time
	checkTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

func NewReporter(opts Options) *Reporter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = opts.Now()
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = defaultCheckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reporter{
		db:           opts.Database,
		summarizer:   opts.Summarizer,
		cache:        opts.Cache,
		live:         opts.Live,
		cfg:          opts.Config,
		version:      opts.Version,
		startedAt:    opts.StartedAt,
		checkTimeout: opts.CheckTimeout,
		now:          opts.Now,
		logger:       opts.Logger.Named("health"),
	}
}

// Report runs every sub-check. The overall status is healthy only when the
// configuration is valid and the database is healthy; the cache is
// informational.
func (r *Reporter) Report(ctx context.Context) Report {
	now := r.now()
	uptime := now.Sub(r.startedAt)

	checks := map[string]Check{
		"database":      r.run(ctx, "database", r.checkDatabase),
		"configuration": r.run(ctx, "configuration", r.checkConfiguration),
		"cache":         r.run(ctx, "cache", r.checkCache),
	}

	status := StatusHealthy
	if checks["database"].Status != StatusHealthy || checks["configuration"].Status != StatusHealthy {
		status = StatusUnhealthy
	}

	return Report{
		Status:        status,
		Timestamp:     now,
		UptimeSeconds: uptime.Seconds(),
		Uptime:        uptime.Truncate(time.Second).String(),
		Environment:   r.cfg.Environment,
		Version:       r.version,
		Checks:        checks,
	}
}

// Status returns the operational summary: uptime, the last seven days of
// durable metrics when storage is reachable, live counters, and which
// optional subsystems are configured.
func (r *Reporter) Status(ctx context.Context) StatusPayload {
	now := r.now()
	p := StatusPayload{
		Status:        "running",
		Timestamp:     now,
		UptimeSeconds: now.Sub(r.startedAt).Seconds(),
		Environment:   r.cfg.Environment,
		Version:       r.version,
		Config:        r.cfg.Features(),
	}

	if r.summarizer != nil {
		sctx, cancel := context.WithTimeout(ctx, r.checkTimeout)
		summary, err := r.summarizer.SummarizeMetrics(sctx, statusWindowDays)
		cancel()
		if err == nil {
			p.Summary = &summary
		} else {
			r.logger.Debug("metric summary unavailable", zap.Error(err))
		}
	}
	if r.live != nil {
		snap := r.live.Snapshot()
		p.Live = &snap
	}
	return p
}

func (r *Reporter) checkDatabase(ctx context.Context) Check {
	if r.db == nil {
		return Check{Status: string(storage.StatusUnavailable), Message: "database not configured"}
	}
	res := r.db.HealthCheck(ctx)
	return Check{Status: string(res.Status), Message: res.Message}
}

func (r *Reporter) checkConfiguration(context.Context) Check {
	v := r.cfg.Validate()
	c := Check{Status: StatusHealthy, Message: "configuration valid", Details: v}
	if !v.Valid {
		c.Status = StatusUnhealthy
		c.Message = fmt.Sprintf("configuration has %d error(s)", len(v.Errors))
	}
	return c
}

func (r *Reporter) checkCache(ctx context.Context) Check {
	if r.cache == nil {
		return Check{Status: checkNotConfigured, Message: "cache not configured"}
	}
	if err := r.cache.Ping(ctx); err != nil {
		r.logger.Warn("cache ping failed", zap.Error(err))
		return Check{Status: StatusUnhealthy, Message: "cache ping failed"}
	}
	return Check{Status: StatusHealthy, Message: "cache connection successful"}
}

// run executes fn under the check timeout and converts panics and timeouts
// into unhealthy results.
func (r *Reporter) run(ctx context.Context, name string, fn func(context.Context) Check) Check {
	cctx, cancel := context.WithTimeout(ctx, r.checkTimeout)
	defer cancel()

	ch := make(chan Check, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("health check panicked", zap.String("check", name), zap.Any("panic", p))
				ch <- Check{Status: StatusUnhealthy, Message: name + " check failed"}
			}
		}()
		ch <- fn(cctx)
	}()

	select {
	case c := <-ch:
		return c
	case <-cctx.Done():
		return Check{Status: StatusUnhealthy, Message: name + " check timed out"}
	}
}
