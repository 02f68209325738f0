// Package notifylog is the bounded notification log: every send attempt and
// every significant safety or cron event, pruned by age and count.
package notifylog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/voicetel/order-notifier/internal/kvstore"
	"github.com/voicetel/order-notifier/internal/state"
)

const (
	MaxAge     = 7 * 24 * time.Hour
	MaxEntries = 1000
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusWarning Status = "warning"
	StatusInfo    Status = "info"
	StatusSkipped Status = "skipped"
)

// Entry types used across the notifier.
const (
	TypeNotification = "notification"
	TypeEmergency    = "emergency"
	TypeCron         = "cron"
	TypeTest         = "test"
	TypeError        = "error"
	TypeWarning      = "warning"
	TypeBatch        = "batch"
	TypeAdmin        = "admin"
)

type Entry struct {
	Time     time.Time      `json:"time"`
	Type     string         `json:"type"`
	Phone    string         `json:"phone"`
	Template string         `json:"template"`
	Status   Status         `json:"status"`
	Details  map[string]any `json:"details,omitempty"`
}

type Filter struct {
	Type   string
	Status Status
	Limit  int
}

// Log stores all entries as one JSON document. The mutex serializes writers
// inside a process; across processes the last writer wins.
type Log struct {
	kv  kvstore.Store
	now func() time.Time
	mu  sync.Mutex
}

func New(kv kvstore.Store) *Log {
	return &Log{kv: kv, now: time.Now}
}

func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

func (l *Log) Append(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = l.now()
	}
	if e.Status == "" {
		e.Status = StatusInfo
	}

	entries, err := l.load(ctx)
	if err != nil {
		return err
	}
	entries = append(entries, e)
	entries = pruneAge(entries, l.now().Add(-MaxAge))
	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}
	return l.save(ctx, entries)
}

// Cleanup drops entries older than MaxAge and returns how many were removed.
func (l *Log) Cleanup(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	kept := pruneAge(entries, l.now().Add(-MaxAge))
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, l.save(ctx, kept)
}

// List returns entries newest first.
func (l *Log) List(ctx context.Context, f Filter) ([]Entry, error) {
	l.mu.Lock()
	entries, err := l.load(ctx)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kv.Delete(ctx, state.KeyNotificationLogs)
}

func (l *Log) load(ctx context.Context) ([]Entry, error) {
	raw, ok, err := l.kv.Get(ctx, state.KeyNotificationLogs)
	if err != nil {
		return nil, fmt.Errorf("failed to read notification log: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		// Corrupt documents are discarded.
		return nil, nil
	}
	return entries, nil
}

func (l *Log) save(ctx context.Context, entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal notification log: %w", err)
	}
	if err := l.kv.Set(ctx, state.KeyNotificationLogs, string(data)); err != nil {
		return fmt.Errorf("failed to write notification log: %w", err)
	}
	return nil
}

func pruneAge(entries []Entry, cutoff time.Time) []Entry {
	kept := entries[:0]
	for _, e := range entries {
		if !e.Time.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}
