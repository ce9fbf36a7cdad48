package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func latency(ms int64) *int64 { return &ms }

func TestSummarizeMetricsEmpty(t *testing.T) {
	g, _ := openTestGateway(t)

	s, err := g.SummarizeMetrics(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 30, s.WindowDays)
	assert.Zero(t, s.TotalCount)
	assert.Zero(t, s.SuccessRatePercent)
	assert.Zero(t, s.AverageLatencyMillis)
	assert.NotNil(t, s.BreakdownByOperation)
	assert.Empty(t, s.BreakdownByOperation)
}

// TestSummarizeMetricsAllSucceeded records three successful vehicle queries.
func TestSummarizeMetricsAllSucceeded(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	for _, ms := range []int64{100, 200, 300} {
		require.NoError(t, g.RecordMetric(ctx, MetricRecord{
			OperationName: "vehicle_query",
			LatencyMillis: latency(ms),
			Succeeded:     true,
		}))
	}

	s, err := g.SummarizeMetrics(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.TotalCount)
	assert.Equal(t, int64(3), s.SuccessCount)
	assert.Zero(t, s.FailureCount)
	assert.InDelta(t, 100.0, s.SuccessRatePercent, 1e-9)
	assert.InDelta(t, 200.0, s.AverageLatencyMillis, 1e-9)
	assert.Equal(t, map[string]int64{"vehicle_query": 3}, s.BreakdownByOperation)
}

// TestSummarizeMetricsMixedOutcomes records one success and one failure for upload.
func TestSummarizeMetricsMixedOutcomes(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.RecordMetric(ctx, MetricRecord{OperationName: "upload", Succeeded: true}))
	require.NoError(t, g.RecordMetric(ctx, MetricRecord{OperationName: "upload", Succeeded: false, ErrorDetail: "bad sheet"}))

	s, err := g.SummarizeMetrics(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.BreakdownByOperation["upload"])
	assert.InDelta(t, 50.0, s.SuccessRatePercent, 1e-9)
	assert.Equal(t, int64(1), s.FailureCount)
	assert.Zero(t, s.AverageLatencyMillis, "no latencies recorded")
}

// TestSummarizeMetricsIgnoresNullLatency checks the average only covers records with latency.
func TestSummarizeMetricsIgnoresNullLatency(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.RecordMetric(ctx, MetricRecord{OperationName: "status", LatencyMillis: latency(40), Succeeded: true}))
	require.NoError(t, g.RecordMetric(ctx, MetricRecord{OperationName: "status", Succeeded: true}))
	require.NoError(t, g.RecordMetric(ctx, MetricRecord{OperationName: "dashboard", LatencyMillis: latency(0), Succeeded: true}))

	s, err := g.SummarizeMetrics(ctx, 7)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, s.AverageLatencyMillis, 1e-9)
	assert.Equal(t, map[string]int64{"status": 2, "dashboard": 1}, s.BreakdownByOperation)
}

// TestSummarizeMetricsWindow verifies records older than the window are excluded.
func TestSummarizeMetricsWindow(t *testing.T) {
	g, clock := openTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.RecordMetric(ctx, MetricRecord{OperationName: "old", Succeeded: false, ErrorDetail: "x"}))
	clock.Advance(10 * day)
	require.NoError(t, g.RecordMetric(ctx, MetricRecord{OperationName: "new", Succeeded: true}))

	s, err := g.SummarizeMetrics(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.TotalCount)
	assert.Equal(t, map[string]int64{"new": 1}, s.BreakdownByOperation)

	s, err = g.SummarizeMetrics(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.TotalCount)
}

// TestSummaryBounds checks success rate stays within [0,100] and latency is non-negative
// across a range of record mixes and windows.
func TestSummaryBounds(t *testing.T) {
	g, clock := openTestGateway(t)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		rec := MetricRecord{OperationName: []string{"a", "b", "c"}[i%3], Succeeded: i%4 != 0}
		if !rec.Succeeded {
			rec.ErrorDetail = "failed"
		}
		if i%5 != 0 {
			rec.LatencyMillis = latency(int64(i * 7))
		}
		require.NoError(t, g.RecordMetric(ctx, rec))
		clock.Advance(12 * time.Hour)

		for _, window := range []int{0, 1, 3, 30} {
			s, err := g.SummarizeMetrics(ctx, window)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, s.SuccessRatePercent, 0.0)
			assert.LessOrEqual(t, s.SuccessRatePercent, 100.0)
			assert.GreaterOrEqual(t, s.AverageLatencyMillis, 0.0)
			assert.Equal(t, s.TotalCount, s.SuccessCount+s.FailureCount)
		}
	}
}

func TestSummarizeMetricsNegativeWindow(t *testing.T) {
	g, _ := openTestGateway(t)
	_, err := g.SummarizeMetrics(context.Background(), -1)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRecordMetricValidation(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rec  MetricRecord
	}{
		{name: "missing operation", rec: MetricRecord{Succeeded: true}},
		{name: "negative latency", rec: MetricRecord{OperationName: "x", LatencyMillis: latency(-1), Succeeded: true}},
		{name: "error detail on success", rec: MetricRecord{OperationName: "x", Succeeded: true, ErrorDetail: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, g.RecordMetric(ctx, tt.rec), ErrInvalid)
		})
	}

	s, err := g.SummarizeMetrics(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, s.TotalCount)
}

func TestRecordMetricDefaults(t *testing.T) {
	g, clock := openTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.RecordMetric(ctx, MetricRecord{OperationName: "status", Succeeded: true, ContextDate: "2024-03-15"}))

	var userID, recordedAt string
	var contextDate *string
	err := g.db.QueryRow("SELECT user_id, context_date, recorded_at FROM metric_records").Scan(&userID, &contextDate, &recordedAt)
	require.NoError(t, err)
	assert.Equal(t, SystemUser, userID)
	require.NotNil(t, contextDate)
	assert.Equal(t, "2024-03-15", *contextDate)
	assert.Equal(t, formatTime(clock.Now()), recordedAt)
}

func TestSummarizeMetricsRejectsOversizedWindow(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()
	require.NoError(t, g.RecordMetric(ctx, MetricRecord{OperationName: "status", Succeeded: true}))

	_, err := g.SummarizeMetrics(ctx, 200000)
	assert.ErrorIs(t, err, ErrInvalid)

	s, err := g.SummarizeMetrics(ctx, MaxWindowDays)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.TotalCount)
}
