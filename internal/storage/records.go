package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const day = 24 * time.Hour

// MaxWindowDays bounds summary windows and retention horizons. Larger values
// would overflow the cutoff arithmetic.
const MaxWindowDays = 3650

// RecordMetric inserts one MetricRecord. ID, UserID and RecordedAt are filled
// in when empty.
func (g *Gateway) RecordMetric(ctx context.Context, m MetricRecord) error {
	if strings.TrimSpace(m.OperationName) == "" {
		return invalid("operation_name", "must not be empty")
	}
	if m.LatencyMillis != nil && *m.LatencyMillis < 0 {
		return invalid("latency_ms", "must not be negative")
	}
	if m.Succeeded && m.ErrorDetail != "" {
		return invalid("error_detail", "only allowed on failed operations")
	}
	if m.ID == "" {
		m.ID = g.newID()
	}
	if m.UserID == "" {
		m.UserID = SystemUser
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = g.now()
	}

	var latency sql.NullInt64
	if m.LatencyMillis != nil {
		latency = sql.NullInt64{Int64: *m.LatencyMillis, Valid: true}
	}
	contextDate := sql.NullString{String: m.ContextDate, Valid: m.ContextDate != ""}
	errorDetail := sql.NullString{String: m.ErrorDetail, Valid: m.ErrorDetail != ""}

	return g.WithUnitOfWork(ctx, func(tx *Tx) error {
		_, err := tx.Exec(`
			INSERT INTO metric_records (id, user_id, operation_name, context_date, latency_ms, succeeded, error_detail, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.UserID, m.OperationName, contextDate, latency, m.Succeeded, errorDetail, formatTime(m.RecordedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting metric record: %w", err)
		}
		return nil
	})
}

// SummarizeMetrics aggregates the metric records of the last windowDays days.
// An empty window yields a zeroed summary.
func (g *Gateway) SummarizeMetrics(ctx context.Context, windowDays int) (MetricSummary, error) {
	if windowDays < 0 {
		return MetricSummary{}, invalid("window_days", "must not be negative")
	}
	if windowDays > MaxWindowDays {
		return MetricSummary{}, invalid("window_days", fmt.Sprintf("must be at most %d", MaxWindowDays))
	}
	summary := MetricSummary{
		WindowDays:           windowDays,
		BreakdownByOperation: make(map[string]int64),
	}
	cutoff := formatTime(g.now().Add(-time.Duration(windowDays) * day))

	var avgLatency sql.NullFloat64
	err := g.WithUnitOfWork(ctx, func(tx *Tx) error {
		err := tx.QueryRow(`
			SELECT COUNT(*),
			       COALESCE(SUM(CASE WHEN succeeded = ? THEN 1 ELSE 0 END), 0),
			       AVG(CAST(latency_ms AS DOUBLE PRECISION))
			FROM metric_records WHERE recorded_at >= ?`, true, cutoff,
		).Scan(&summary.TotalCount, &summary.SuccessCount, &avgLatency)
		if err != nil {
			return fmt.Errorf("aggregating metrics: %w", classify(err))
		}

		rows, err := tx.Query(`
			SELECT operation_name, COUNT(*) FROM metric_records
			WHERE recorded_at >= ? GROUP BY operation_name`, cutoff)
		if err != nil {
			return fmt.Errorf("grouping metrics: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var op string
			var n int64
			if err := rows.Scan(&op, &n); err != nil {
				return err
			}
			summary.BreakdownByOperation[op] = n
		}
		return rows.Err()
	})
	if err != nil {
		return MetricSummary{}, err
	}

	summary.FailureCount = summary.TotalCount - summary.SuccessCount
	if summary.TotalCount > 0 {
		summary.SuccessRatePercent = float64(summary.SuccessCount) / float64(summary.TotalCount) * 100
	}
	if avgLatency.Valid && avgLatency.Float64 > 0 {
		summary.AverageLatencyMillis = avgLatency.Float64
	}
	return summary, nil
}
