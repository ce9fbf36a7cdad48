package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const namespace = "launchdesk"

var (
	commandsDesc = prometheus.NewDesc(
		namespace+"_commands_total",
		"Total number of commands by outcome",
		[]string{"command", "status"}, nil,
	)
	latencySumDesc = prometheus.NewDesc(
		namespace+"_command_latency_ms_sum",
		"Sum of command latencies in milliseconds",
		[]string{"command"}, nil,
	)
	samplesDesc = prometheus.NewDesc(
		namespace+"_command_samples_total",
		"Number of latency samples per command",
		[]string{"command"}, nil,
	)
	errorsDesc = prometheus.NewDesc(
		namespace+"_errors_total",
		"Total number of tracked errors by type",
		[]string{"error_type"}, nil,
	)
)

// Describe implements prometheus.Collector.
func (s *Store) Describe(ch chan<- *prometheus.Desc) {
	ch <- commandsDesc
	ch <- latencySumDesc
	ch <- samplesDesc
	ch <- errorsDesc
}

// Collect implements prometheus.Collector from a fresh snapshot.
func (s *Store) Collect(ch chan<- prometheus.Metric) {
	snap := s.Snapshot()
	for cmd, c := range snap.Commands {
		ch <- prometheus.MustNewConstMetric(commandsDesc, prometheus.CounterValue, float64(c.SuccessCount), cmd, "success")
		ch <- prometheus.MustNewConstMetric(commandsDesc, prometheus.CounterValue, float64(c.FailureCount), cmd, "error")
		ch <- prometheus.MustNewConstMetric(latencySumDesc, prometheus.CounterValue, float64(c.TotalLatencyMillis), cmd)
		ch <- prometheus.MustNewConstMetric(samplesDesc, prometheus.CounterValue, float64(c.SampleCount), cmd)
	}
	for errType, e := range snap.Errors {
		ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(e.Count), errType)
	}
}

// PoolStatsFunc reports connection pool statistics; ok is false when there is
// no pool.
type PoolStatsFunc func() (stats sql.DBStats, ok bool)

// ActiveUserCounter counts users with an active session.
type ActiveUserCounter interface {
	CountActiveUsers(ctx context.Context) (int64, error)
}

// Exporter owns the Prometheus metrics that are not derived from the Store:
// the command duration histogram, the active-user gauge, and pool gauges.
type Exporter struct {
	CommandDuration *prometheus.HistogramVec
	ActiveUsers     prometheus.Gauge

	openConns  prometheus.Gauge
	idleConns  prometheus.Gauge
	inUseConns prometheus.Gauge
	poolStats  PoolStatsFunc

	logger *zap.Logger
}

func NewExporter(poolStats PoolStatsFunc, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Command duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		ActiveUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_users",
			Help:      "Number of users with an active session",
		}),
		openConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_open_connections",
			Help:      "Number of open connections in the DB pool",
		}),
		idleConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_idle_connections",
			Help:      "Number of idle connections in the DB pool",
		}),
		inUseConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_in_use_connections",
			Help:      "Number of in-use connections in the DB pool",
		}),
		poolStats: poolStats,
		logger:    logger.Named("metrics"),
	}
}

// Register adds the Store and the exporter's metrics to reg.
func (e *Exporter) Register(reg prometheus.Registerer, store *Store) error {
	collectors := []prometheus.Collector{
		e.CommandDuration, e.ActiveUsers, e.openConns, e.idleConns, e.inUseConns,
	}
	if store != nil {
		collectors = append(collectors, store)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveDuration records a command duration in the histogram.
func (e *Exporter) ObserveDuration(command string, d time.Duration) {
	e.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// Refresh updates the gauges that need a query or a pool read.
func (e *Exporter) Refresh(ctx context.Context, users ActiveUserCounter) {
	if e.poolStats != nil {
		if st, ok := e.poolStats(); ok {
			e.openConns.Set(float64(st.OpenConnections))
			e.idleConns.Set(float64(st.Idle))
			e.inUseConns.Set(float64(st.InUse))
		}
	}
	if users == nil {
		return
	}
	n, err := users.CountActiveUsers(ctx)
	if err != nil {
		e.logger.Debug("active user count unavailable", zap.Error(err))
		return
	}
	e.ActiveUsers.Set(float64(n))
}

// Run refreshes the gauges every interval until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context, users ActiveUserCounter, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.Refresh(ctx, users)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Refresh(ctx, users)
		}
	}
}
