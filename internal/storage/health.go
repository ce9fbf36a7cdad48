package storage

import (
	"context"

	"go.uber.org/zap"
)

// HealthCheck probes the database with a trivial round-trip. It is always a
// fresh probe; nothing is cached between calls. Messages never carry driver
// error text.
func (g *Gateway) HealthCheck(ctx context.Context) HealthResult {
	if g.db == nil {
		if g.reason == ReasonInitFailed {
			return HealthResult{Status: StatusUnhealthy, Message: "database configured but initialization failed"}
		}
		return HealthResult{Status: StatusUnavailable, Message: "database not configured"}
	}

	var one int
	err := g.WithUnitOfWork(ctx, func(tx *Tx) error {
		return tx.QueryRow("SELECT 1").Scan(&one)
	})
	return g.roundTripResult(one, err)
}

func (g *Gateway) roundTripResult(one int, err error) HealthResult {
	switch {
	case err == nil && one == 1:
		return HealthResult{Status: StatusHealthy, Message: "database connection successful"}
	case err == nil:
		g.logger.Warn("health check returned unexpected round-trip result", zap.Int("result", one))
		return HealthResult{Status: StatusUnhealthy, Message: "unexpected round-trip result"}
	case isTimeout(err):
		g.logger.Warn("health check timed out", zap.Error(err))
		return HealthResult{Status: StatusUnhealthy, Message: "database round-trip timed out"}
	default:
		g.logger.Warn("health check failed", zap.Error(err))
		return HealthResult{Status: StatusUnhealthy, Message: "database round-trip failed"}
	}
}
