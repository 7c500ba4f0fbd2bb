// Package janitor evicts cache records nobody has asked for in a while.
//
// Every request for a novel refreshes its record within a day, so a record
// older than the retention period belongs to a feed with no subscribers left.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Purger deletes records fetched before cutoff. *storage.Store satisfies it.
type Purger interface {
	PurgeNovels(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor periodically purges stale records.
type Janitor struct {
	store     Purger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Janitor. If interval is <= 0 it defaults to one hour.
func New(store Purger, retention, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		logger:    logger.With("component", "janitor"),
	}
}

// Run purges once immediately and then on every interval until ctx is
// cancelled. It returns at once when retention is not positive.
func (j *Janitor) Run(ctx context.Context) {
	if j.retention <= 0 {
		j.logger.Debug("cache eviction disabled")
		return
	}
	for {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("purge failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(j.interval):
		}
	}
}

// RunOnce deletes every record fetched more than the retention period ago
// and returns how many were removed.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	cutoff := j.now().Add(-j.retention)
	n, err := j.store.PurgeNovels(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging records before %s: %w", cutoff.UTC().Format(time.RFC3339), err)
	}
	if n > 0 {
		j.logger.Info("purged stale records", "count", n, "cutoff", cutoff.UTC())
	}
	return n, nil
}
