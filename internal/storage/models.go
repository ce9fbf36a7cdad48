package storage

import (
	"encoding/json"
	"time"
)

// SystemUser is recorded as the user of metrics that have no initiating user.
const SystemUser = "system"

// Session is the latest interaction context for one user.
type Session struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	ContextDate          string          `json:"context_date"`
	PrimaryPayload       json.RawMessage `json:"primary_payload"`
	SupplementaryPayload json.RawMessage `json:"supplementary_payload,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	IsActive             bool            `json:"is_active"`
}

// SessionUpdate is a partial update of the active session. Nil fields are
// left untouched.
type SessionUpdate struct {
	ContextDate          *string
	PrimaryPayload       any
	SupplementaryPayload any
}

func (u SessionUpdate) empty() bool {
	return u.ContextDate == nil && u.PrimaryPayload == nil && u.SupplementaryPayload == nil
}

// MetricRecord is one durable observation of an operation's outcome.
type MetricRecord struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	OperationName string    `json:"operation_name"`
	ContextDate   string    `json:"context_date,omitempty"`
	LatencyMillis *int64    `json:"latency_ms,omitempty"`
	Succeeded     bool      `json:"succeeded"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// MetricSummary aggregates MetricRecords recorded within the last WindowDays.
type MetricSummary struct {
	WindowDays           int              `json:"window_days"`
	TotalCount           int64            `json:"total_count"`
	SuccessCount         int64            `json:"success_count"`
	FailureCount         int64            `json:"failure_count"`
	SuccessRatePercent   float64          `json:"success_rate_percent"`
	AverageLatencyMillis float64          `json:"average_latency_ms"`
	BreakdownByOperation map[string]int64 `json:"breakdown_by_operation"`
}

// PurgeResult counts rows deleted by PurgeExpired.
type PurgeResult struct {
	Sessions int64 `json:"sessions"`
	Metrics  int64 `json:"metrics"`
}

// Total returns the number of rows deleted across both tables.
func (r PurgeResult) Total() int64 { return r.Sessions + r.Metrics }

// HealthStatus is the outcome of a storage round-trip probe.
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "healthy"
	StatusUnhealthy   HealthStatus = "unhealthy"
	StatusUnavailable HealthStatus = "unavailable"
)

type HealthResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message"`
}
