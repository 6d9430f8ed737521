package db

import (
	"context"
	"fmt"
	"time"
)

// CleanupResult contains statistics about a retention pass.
type CleanupResult struct {
	RunsDeleted int64
	Duration    time.Duration
}

// PruneRuns deletes generation_runs rows older than retentionDays. Cache
// entries and profiles are never pruned here; the cache bounds itself.
func (d *Database) PruneRuns(ctx context.Context, retentionDays int) (CleanupResult, error) {
	start := time.Now()
	result := CleanupResult{}

	if retentionDays < 0 {
		return result, fmt.Errorf("retentionDays must be non-negative, got %d", retentionDays)
	}
	conn, err := d.conn()
	if err != nil {
		return result, err
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := conn.ExecContext(ctx, `DELETE FROM generation_runs WHERE created_at < ?`, cutoff)
	if err != nil {
		return result, fmt.Errorf("failed to prune generation runs: %w", err)
	}
	result.RunsDeleted, err = res.RowsAffected()
	if err != nil {
		return result, fmt.Errorf("failed to get rows affected: %w", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

// CleanupSchedulerConfig holds configuration for the cleanup scheduler.
type CleanupSchedulerConfig struct {
	RetentionDays int
	Interval      time.Duration
	// OnCleanup is called after each pass (optional).
	OnCleanup func(result CleanupResult, err error)
}

// DefaultCleanupSchedulerConfig keeps 30 days of runs and prunes daily.
func DefaultCleanupSchedulerConfig() CleanupSchedulerConfig {
	return CleanupSchedulerConfig{
		RetentionDays: 30,
		Interval:      24 * time.Hour,
	}
}

// StartCleanupScheduler prunes once immediately and then on every interval
// until ctx is cancelled.
func (d *Database) StartCleanupScheduler(ctx context.Context, config CleanupSchedulerConfig) {
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	go func() {
		run := func() {
			result, err := d.PruneRuns(ctx, config.RetentionDays)
			if config.OnCleanup != nil {
				config.OnCleanup(result, err)
			}
		}
		run()

		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}
