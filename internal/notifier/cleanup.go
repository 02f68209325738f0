package notifier

import (
	"context"
	"fmt"
	"time"
)

type CleanupResult struct {
	LogsRemoved    int
	RetriesReset   int64
	VacuumDuration time.Duration
}

// DailyCleanup prunes the notification log by age, resets every retry
// counter and optionally vacuums the local database.
func (n *Notifier) DailyCleanup(ctx context.Context, vacuum bool) (CleanupResult, error) {
	var res CleanupResult

	removed, err := n.log.Cleanup(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to clean notification log: %w", err)
	}
	res.LogsRemoved = removed
	if removed > 0 {
		n.logger.Info("Cleaned up old notification log entries", "count", removed)
	}

	reset, err := n.state.ResetRetries(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to reset retry counters: %w", err)
	}
	res.RetriesReset = reset
	if reset > 0 {
		n.logger.Info("Reset retry counters", "count", reset)
	}

	if vacuum && n.vacuumer != nil {
		n.logger.Info("Performing database vacuum...")
		d, err := n.vacuumer.Vacuum()
		if err != nil {
			return res, fmt.Errorf("failed to vacuum database: %w", err)
		}
		res.VacuumDuration = d
		n.logger.Info("Database vacuum completed", "duration", d.String())
	}

	return res, nil
}
