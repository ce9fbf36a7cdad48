// Package retention periodically deletes sessions and metric records older
// than the configured retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/launchdesk/internal/storage"
)

const defaultInterval = 24 * time.Hour

// Purger abstracts the storage purge. *storage.Gateway satisfies it.
type Purger interface {
	PurgeExpired(ctx context.Context, retentionDays int) (storage.PurgeResult, error)
}

// Sweeper runs PurgeExpired on a fixed interval.
type Sweeper struct {
	purger        Purger
	retentionDays int
	interval      time.Duration
	logger        *zap.Logger
}

// NewSweeper creates a Sweeper. If interval is <= 0, it defaults to 24h.
func NewSweeper(purger Purger, retentionDays int, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		purger:        purger,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logger.Named("retention"),
	}
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("retention sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce purges expired data a single time. An unavailable store is not an
// error: there is nothing to purge.
func (s *Sweeper) RunOnce(ctx context.Context) (storage.PurgeResult, error) {
	res, err := s.purger.PurgeExpired(ctx, s.retentionDays)
	if errors.Is(err, storage.ErrUnavailable) {
		s.logger.Debug("storage unavailable, skipping retention sweep")
		return storage.PurgeResult{}, nil
	}
	if err != nil {
		return res, fmt.Errorf("purging data older than %d days: %w", s.retentionDays, err)
	}
	return res, nil
}
