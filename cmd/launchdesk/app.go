package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/kalambet/launchdesk/internal/config"
	"github.com/kalambet/launchdesk/internal/health"
	"github.com/kalambet/launchdesk/internal/instrument"
	"github.com/kalambet/launchdesk/internal/logging"
	"github.com/kalambet/launchdesk/internal/metrics"
	"github.com/kalambet/launchdesk/internal/notify"
	"github.com/kalambet/launchdesk/internal/storage"
)

// app holds every long-lived component, built once per command from config.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	live     *metrics.Store
	exporter *metrics.Exporter
	registry *prometheus.Registry
	gateway  *storage.Gateway
	instr    *instrument.Instrumenter
	reporter *health.Reporter
	cache    *health.RedisProbe
	started  time.Time
}

var loadConfig = config.Load

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return buildApp(ctx, cfg)
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logging.New(cfg.Log.Level, cfg.Log.Format),
		live:    metrics.NewStore(),
		started: time.Now(),
	}
	a.logger = a.logger.With(zap.String("environment", cfg.Environment))

	a.gateway = storage.Open(ctx, storage.Options{
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.PoolSize,
		MaxIdleConns: cfg.Database.MaxIdle,
		QueryTimeout: cfg.Database.QueryTimeout,
		Logger:       a.logger,
	})

	a.exporter = metrics.NewExporter(a.gateway.Stats, a.logger)
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := a.exporter.Register(a.registry, a.live); err != nil {
		a.gateway.Close()
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	opts := instrument.Options{
		Recorder:       a.live,
		Observer:       a.exporter,
		Logger:         a.logger,
		PersistTimeout: cfg.Metrics.PersistTimeout,
		Environment:    cfg.Environment,
		Sink:           a.gateway,
	}
	if cfg.Notify.WebhookURL != "" {
		opts.Notifier = notify.NewWebhook(cfg.Notify.WebhookURL, nil)
	}
	a.instr = instrument.New(opts)

	hopts := health.Options{
		Database:   a.gateway,
		Summarizer: a.gateway,
		Live:       a.live,
		Config:     cfg,
		Version:    version,
		StartedAt:  a.started,
		Logger:     a.logger,
	}
	if cfg.Cache.RedisURL != "" {
		probe, err := health.NewRedisProbe(cfg.Cache.RedisURL)
		if err != nil {
			a.logger.Warn("invalid redis url, cache check disabled", zap.Error(err))
		} else {
			a.cache = probe
			hopts.Cache = probe
		}
	}
	a.reporter = health.NewReporter(hopts)

	if v := cfg.Validate(); !v.Valid {
		a.logger.Warn("configuration has errors", zap.Strings("errors", v.Errors))
	}
	return a, nil
}

func (a *app) Close() {
	a.instr.Wait()
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("closing redis client", zap.Error(err))
		}
	}
	if err := a.gateway.Close(); err != nil {
		a.logger.Warn("closing storage", zap.Error(err))
	}
	_ = a.logger.Sync()
}
