package aggregator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// RetentionCleaner runs once per day at a configured UTC hour, deleting
// rows older than the configured retention window.
type RetentionCleaner struct {
	store         *Store
	retentionDays atomic.Int64 // reloadable via SetRetentionDays
	cleanupHour   int
}

// NewRetentionCleaner creates a RetentionCleaner.
func NewRetentionCleaner(store *Store, retentionDays, cleanupHour int) *RetentionCleaner {
	r := &RetentionCleaner{store: store, cleanupHour: cleanupHour}
	r.retentionDays.Store(int64(retentionDays))
	return r
}

// SetRetentionDays changes the retention window applied by the next
// cleanup run; applied on config reload.
func (r *RetentionCleaner) SetRetentionDays(days int) {
	r.retentionDays.Store(int64(days))
}

const retentionRetryDelay = 1 * time.Hour

// Run sleeps until the next occurrence of the configured cleanup hour,
// purges aged rows, and repeats until ctx is cancelled.
func (r *RetentionCleaner) Run(ctx context.Context) {
	for {
		wait := nextDailyBoundary(time.Now().UTC(), r.cleanupHour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		days := int(r.retentionDays.Load())
		if err := r.store.CleanupOldData(ctx, days); err != nil {
			slog.Error("retention cleanup failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retentionRetryDelay):
			}
			continue
		}
		slog.Info("retention cleanup complete", "retention_days", days)
	}
}

func nextDailyBoundary(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
