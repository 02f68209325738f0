// Package state keeps per-entity notification flags, retry counters and the
// rate-limit timestamp in the shared key-value store.
package state

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/voicetel/order-notifier/internal/kvstore"
	"github.com/voicetel/order-notifier/internal/models"
)

const (
	KeySettings           = "settings"
	KeyIntegrationActive  = "integration_active"
	KeyEmergencyStop      = "emergency_stop"
	KeyEmergencyTransient = "emergency_stop_transient"
	KeyStopSignal         = "stop_signal"
	KeyProcessing         = "processing"
	KeyLastRun            = "last_run"
	KeyNotificationLogs   = "notification_logs"

	PrefixNotified = "notified:"
	PrefixRetry    = "retry:"
	PrefixClaim    = "claim:"
	PrefixWorker   = "worker:"

	// MaxRetries is the number of failed attempts after which a
	// (contact, template) pair is refused.
	MaxRetries = 3
)

var ErrAlreadyFlagged = errors.New("notification flag already set")

type Store struct {
	kv  kvstore.Store
	now func() time.Time
}

func New(kv kvstore.Store) *Store {
	return &Store{kv: kv, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) KV() kvstore.Store {
	return s.kv
}

func FlagKey(t models.NotificationType, id int64) string {
	return PrefixNotified + string(t) + ":" + strconv.FormatInt(id, 10)
}

func RetryKey(phone, template string) string {
	sum := md5.Sum([]byte(phone + template))
	return PrefixRetry + hex.EncodeToString(sum[:])
}

func claimKey(t models.NotificationType, id int64) string {
	return PrefixClaim + string(t) + ":" + strconv.FormatInt(id, 10)
}

func (s *Store) HasFlag(ctx context.Context, t models.NotificationType, id int64) (bool, error) {
	_, ok, err := s.kv.Get(ctx, FlagKey(t, id))
	return ok, err
}

// SetFlag records a successful send. The write is a conditional insert so a
// concurrent writer cannot overwrite the first timestamp.
func (s *Store) SetFlag(ctx context.Context, t models.NotificationType, id int64) error {
	ok, err := s.kv.SetNX(ctx, FlagKey(t, id), s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set %s flag for %d: %w", t, id, err)
	}
	if !ok {
		return ErrAlreadyFlagged
	}
	return nil
}

func (s *Store) FlagTime(ctx context.Context, t models.NotificationType, id int64) (time.Time, bool, error) {
	v, ok, err := s.kv.Get(ctx, FlagKey(t, id))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, true, nil
	}
	return ts, true, nil
}

// ClearFlags removes every notification flag of the given types for one entity.
func (s *Store) ClearFlags(ctx context.Context, id int64, types ...models.NotificationType) error {
	keys := make([]string, 0, len(types))
	for _, t := range types {
		keys = append(keys, FlagKey(t, id))
	}
	return s.kv.Delete(ctx, keys...)
}

// ClearAllFlags removes every notification flag of every type.
func (s *Store) ClearAllFlags(ctx context.Context) (int64, error) {
	return s.kv.DeletePrefix(ctx, PrefixNotified)
}

func (s *Store) CountFlags(ctx context.Context) (map[models.NotificationType]int, error) {
	keys, err := s.kv.Keys(ctx, PrefixNotified)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.NotificationType]int)
	for _, k := range keys {
		rest := k[len(PrefixNotified):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == ':' {
				counts[models.NotificationType(rest[:i])]++
				break
			}
		}
	}
	return counts, nil
}

func (s *Store) RetryCount(ctx context.Context, phone, template string) (int, error) {
	v, ok, err := s.kv.Get(ctx, RetryKey(phone, template))
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// IncrementRetry bumps the counter, saturating at MaxRetries.
func (s *Store) IncrementRetry(ctx context.Context, phone, template string) (int, error) {
	n, err := s.RetryCount(ctx, phone, template)
	if err != nil {
		return 0, err
	}
	if n < MaxRetries {
		n++
	}
	if err := s.kv.Set(ctx, RetryKey(phone, template), strconv.Itoa(n)); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ClearRetry(ctx context.Context, phone, template string) error {
	return s.kv.Delete(ctx, RetryKey(phone, template))
}

func (s *Store) ResetRetries(ctx context.Context) (int64, error) {
	return s.kv.DeletePrefix(ctx, PrefixRetry)
}

// Claim marks (type, id) as in flight. A claim older than staleAfter is
// treated as abandoned by a crashed worker and taken over.
func (s *Store) Claim(ctx context.Context, t models.NotificationType, id int64, owner string, staleAfter time.Duration) (bool, error) {
	key := claimKey(t, id)
	value := owner + "|" + s.now().UTC().Format(time.RFC3339)

	ok, err := s.kv.SetNX(ctx, key, value)
	if err != nil || ok {
		return ok, err
	}

	current, exists, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return s.kv.SetNX(ctx, key, value)
	}
	if ts, ok := claimTime(current); ok && s.now().Sub(ts) > staleAfter {
		if err := s.kv.Delete(ctx, key); err != nil {
			return false, err
		}
		return s.kv.SetNX(ctx, key, value)
	}
	return false, nil
}

func (s *Store) Release(ctx context.Context, t models.NotificationType, id int64) error {
	return s.kv.Delete(ctx, claimKey(t, id))
}

func claimTime(v string) (time.Time, bool) {
	for i := len(v) - 1; i >= 0; i-- {
		if v[i] == '|' {
			ts, err := time.Parse(time.RFC3339, v[i+1:])
			return ts, err == nil
		}
	}
	return time.Time{}, false
}

func (s *Store) LastRun(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := s.kv.Get(ctx, KeyLastRun)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	unix, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(unix, 0), true, nil
}

func (s *Store) SetLastRun(ctx context.Context, t time.Time) error {
	return s.kv.Set(ctx, KeyLastRun, strconv.FormatInt(t.Unix(), 10))
}
