package notifier

import (
	"context"
	"time"

	"github.com/voicetel/order-notifier/internal/notifylog"
)

// Stats summarizes flags and the notification log for the stats output.
func (n *Notifier) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	flags, err := n.state.CountFlags(ctx)
	if err != nil {
		return nil, err
	}
	total := 0
	byType := make(map[string]int, len(flags))
	for t, c := range flags {
		byType[string(t)] = c
		total += c
	}
	stats["total_notifications"] = total
	stats["by_type"] = byType

	entries, err := n.log.List(ctx, notifylog.Filter{})
	if err != nil {
		return nil, err
	}

	byStatus := make(map[string]int)
	since := n.now().Add(-24 * time.Hour)
	sent24h, failed24h := 0, 0
	for _, e := range entries {
		if e.Type != notifylog.TypeNotification {
			continue
		}
		byStatus[string(e.Status)]++
		if e.Time.Before(since) {
			continue
		}
		switch e.Status {
		case notifylog.StatusSuccess:
			sent24h++
		case notifylog.StatusError:
			failed24h++
		}
	}
	stats["by_status"] = byStatus
	stats["sent_last_24h"] = sent24h
	stats["failed_last_24h"] = failed24h
	stats["log_entries"] = len(entries)
	stats["emergency_stop"] = n.safety.IsEmergencyActive(ctx, true)

	if last, ok, err := n.state.LastRun(ctx); err == nil && ok {
		stats["last_run"] = last.UTC().Format(time.RFC3339)
	}

	return stats, nil
}
