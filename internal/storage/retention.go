package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PurgeExpired deletes sessions created and metric records recorded more than
// retentionDays ago. Each table is purged in its own unit of work and retried
// independently on connection faults, so a failure on metrics leaves the
// session purge committed.
func (g *Gateway) PurgeExpired(ctx context.Context, retentionDays int) (PurgeResult, error) {
	if retentionDays < 0 {
		return PurgeResult{}, invalid("retention_days", "must not be negative")
	}
	if retentionDays > MaxWindowDays {
		return PurgeResult{}, invalid("retention_days", fmt.Sprintf("must be at most %d", MaxWindowDays))
	}
	if g.db == nil {
		return PurgeResult{}, ErrUnavailable
	}
	cutoff := formatTime(g.now().Add(-time.Duration(retentionDays) * day))

	var res PurgeResult
	err := g.withRetry(ctx, "purge sessions", func() error {
		n, err := g.deleteBefore(ctx, "user_sessions", "created_at", cutoff)
		res.Sessions = n
		return err
	})
	if err != nil {
		return res, fmt.Errorf("purging sessions: %w", err)
	}

	err = g.withRetry(ctx, "purge metrics", func() error {
		n, err := g.deleteBefore(ctx, "metric_records", "recorded_at", cutoff)
		res.Metrics = n
		return err
	})
	if err != nil {
		return res, fmt.Errorf("purging metric records: %w", err)
	}

	g.logger.Info("purged expired data",
		zap.Int("retention_days", retentionDays),
		zap.Int64("sessions", res.Sessions),
		zap.Int64("metrics", res.Metrics),
	)
	return res, nil
}

// deleteBefore only ever receives table and column names from PurgeExpired.
func (g *Gateway) deleteBefore(ctx context.Context, table, column, cutoff string) (int64, error) {
	var n int64
	err := g.WithUnitOfWork(ctx, func(tx *Tx) error {
		res, err := tx.Exec(`DELETE FROM `+table+` WHERE `+column+` < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
