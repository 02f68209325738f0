// Package safety owns the emergency stop, the short-lived stop signal, the
// run rate limit and the host integration liveness flag. Every long running
// loop in the notifier polls it through Checkpoint.
package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/voicetel/order-notifier/internal/kvstore"
	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/notifylog"
	"github.com/voicetel/order-notifier/internal/procctl"
	"github.com/voicetel/order-notifier/internal/state"
)

const (
	StopSignalWindow  = 300 * time.Second
	RateLimitInterval = 60 * time.Second
	TransientTTL      = 12 * time.Hour

	defaultCacheTTL     = 2 * time.Second
	defaultPollInterval = time.Second
)

var (
	ErrHostInactive  = errors.New("integration is not active")
	ErrEmergencyStop = errors.New("emergency stop is active")
	ErrStopSignal    = errors.New("stop signal is fresh")
)

// IsStop reports whether err is one of the coordinator's abort reasons.
func IsStop(err error) bool {
	return errors.Is(err, ErrHostInactive) || errors.Is(err, ErrEmergencyStop) || errors.Is(err, ErrStopSignal)
}

type Options struct {
	Host         string
	ProcessID    int
	Terminator   procctl.Terminator
	Now          func() time.Time
	CacheTTL     time.Duration
	PollInterval time.Duration
}

type Coordinator struct {
	kv     kvstore.Store
	state  *state.Store
	log    *notifylog.Log
	term   procctl.Terminator
	logger *slog.Logger

	host         string
	pid          int
	now          func() time.Time
	cacheTTL     time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	cached   bool
	cachedAt time.Time
}

type transient struct {
	Data      models.EmergencyStop `json:"data"`
	ExpiresAt time.Time            `json:"expires_at"`
}

func New(kv kvstore.Store, st *state.Store, nlog *notifylog.Log, logger *slog.Logger, opts Options) *Coordinator {
	c := &Coordinator{
		kv:           kv,
		state:        st,
		log:          nlog,
		term:         opts.Terminator,
		logger:       logger,
		host:         opts.Host,
		pid:          opts.ProcessID,
		now:          opts.Now,
		cacheTTL:     opts.CacheTTL,
		pollInterval: opts.PollInterval,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.pid == 0 {
		c.pid = os.Getpid()
	}
	if c.host == "" {
		c.host, _ = os.Hostname()
	}
	if c.cacheTTL <= 0 {
		c.cacheTTL = defaultCacheTTL
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	return c
}

// IsIntegrationActive reports the host integration flag. Only an explicit
// deactivation turns it off.
func (c *Coordinator) IsIntegrationActive(ctx context.Context) bool {
	v, ok, err := c.kv.Get(ctx, state.KeyIntegrationActive)
	if err != nil {
		c.logger.Warn("Failed to read integration flag, treating as inactive", "error", err)
		return false
	}
	return !ok || v != "0"
}

// IsEmergencyActive reports whether the emergency stop is set. With
// bypassCache the durable key is authoritative and the transient copy only
// confirms; otherwise the in-process cache and the transient copy are
// consulted first. Read errors count as active.
func (c *Coordinator) IsEmergencyActive(ctx context.Context, bypassCache bool) bool {
	if !bypassCache {
		c.mu.Lock()
		if !c.cachedAt.IsZero() && c.now().Sub(c.cachedAt) < c.cacheTTL {
			active := c.cached
			c.mu.Unlock()
			return active
		}
		c.mu.Unlock()

		if active, err := c.transientActive(ctx); err != nil || active {
			if err != nil {
				c.logger.Warn("Failed to read emergency transient, treating as active", "error", err)
			}
			return true
		}
	}

	active, err := c.durableActive(ctx)
	if err != nil {
		c.logger.Warn("Failed to read emergency stop, treating as active", "error", err)
		return true
	}
	if !active && bypassCache {
		if t, err := c.transientActive(ctx); err != nil || t {
			active = true
		}
	}

	c.mu.Lock()
	c.cached = active
	c.cachedAt = c.now()
	c.mu.Unlock()
	return active
}

func (c *Coordinator) durableActive(ctx context.Context) (bool, error) {
	v, ok, err := c.kv.Get(ctx, state.KeyEmergencyStop)
	if err != nil || !ok {
		return false, err
	}
	var es models.EmergencyStop
	if err := json.Unmarshal([]byte(v), &es); err != nil {
		// An unreadable flag still means someone set it.
		return true, nil
	}
	return es.Active, nil
}

func (c *Coordinator) transientActive(ctx context.Context) (bool, error) {
	v, ok, err := c.kv.Get(ctx, state.KeyEmergencyTransient)
	if err != nil || !ok {
		return false, err
	}
	var t transient
	if err := json.Unmarshal([]byte(v), &t); err != nil {
		return false, nil
	}
	if c.now().After(t.ExpiresAt) {
		return false, nil
	}
	return t.Data.Active, nil
}

func (c *Coordinator) IsStopSignalFresh(ctx context.Context) bool {
	v, ok, err := c.kv.Get(ctx, state.KeyStopSignal)
	if err != nil {
		c.logger.Warn("Failed to read stop signal, treating as fresh", "error", err)
		return true
	}
	if !ok {
		return false
	}
	unix, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false
	}
	return c.now().Sub(time.Unix(unix, 0)) < StopSignalWindow
}

func (c *Coordinator) ActivateEmergencyStop(ctx context.Context) error {
	now := c.now()
	es := models.EmergencyStop{Active: true, Timestamp: now.UTC(), ProcessID: c.pid, Host: c.host}

	data, err := json.Marshal(es)
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, state.KeyEmergencyStop, string(data)); err != nil {
		return fmt.Errorf("failed to write emergency stop: %w", err)
	}

	tdata, err := json.Marshal(transient{Data: es, ExpiresAt: now.Add(TransientTTL)})
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, state.KeyEmergencyTransient, string(tdata)); err != nil {
		c.logger.Warn("Failed to write emergency transient", "error", err)
	}
	if err := c.kv.Set(ctx, state.KeyStopSignal, strconv.FormatInt(now.Unix(), 10)); err != nil {
		c.logger.Warn("Failed to write stop signal", "error", err)
	}

	c.mu.Lock()
	c.cached = true
	c.cachedAt = now
	c.mu.Unlock()

	signalled := 0
	if c.term != nil {
		n, err := c.term.TerminateOthers(ctx)
		if err != nil {
			c.logger.Warn("Could not signal other workers", "error", err)
		}
		signalled = n
	}

	if err := c.ClearProcessing(ctx); err != nil {
		c.logger.Warn("Failed to clear processing state", "error", err)
	}
	if _, err := c.state.ResetRetries(ctx); err != nil {
		c.logger.Warn("Failed to reset retry counters", "error", err)
	}

	c.logger.Warn("Emergency stop activated", "process_id", c.pid, "host", c.host, "workers_signalled", signalled)
	c.appendLog(ctx, notifylog.Entry{
		Type:   notifylog.TypeEmergency,
		Status: notifylog.StatusWarning,
		Details: map[string]any{
			"action":            "activated",
			"process_id":        c.pid,
			"host":              c.host,
			"workers_signalled": signalled,
		},
	})
	return nil
}

func (c *Coordinator) DeactivateEmergencyStop(ctx context.Context) error {
	var duration time.Duration
	if v, ok, err := c.kv.Get(ctx, state.KeyEmergencyStop); err == nil && ok {
		var es models.EmergencyStop
		if json.Unmarshal([]byte(v), &es) == nil && !es.Timestamp.IsZero() {
			duration = c.now().Sub(es.Timestamp)
		}
	}

	if err := c.kv.Delete(ctx, state.KeyEmergencyStop, state.KeyEmergencyTransient, state.KeyStopSignal); err != nil {
		return fmt.Errorf("failed to clear emergency stop: %w", err)
	}

	c.mu.Lock()
	c.cached = false
	c.cachedAt = time.Time{}
	c.mu.Unlock()

	if err := c.ClearProcessing(ctx); err != nil {
		c.logger.Warn("Failed to clear processing state", "error", err)
	}
	if _, err := c.state.ResetRetries(ctx); err != nil {
		c.logger.Warn("Failed to reset retry counters", "error", err)
	}

	c.logger.Info("Emergency stop deactivated", "duration", duration.Round(time.Second).String())
	c.appendLog(ctx, notifylog.Entry{
		Type:   notifylog.TypeEmergency,
		Status: notifylog.StatusInfo,
		Details: map[string]any{
			"action":           "deactivated",
			"duration_seconds": int64(duration.Seconds()),
			"process_id":       c.pid,
		},
	})
	return nil
}

// CheckRateLimit accepts at most one run per RateLimitInterval. It is a soft
// guard: two callers racing inside the same instant can both pass.
func (c *Coordinator) CheckRateLimit(ctx context.Context) bool {
	last, ok, err := c.state.LastRun(ctx)
	if err != nil {
		c.logger.Warn("Failed to read last run, skipping", "error", err)
		return false
	}
	now := c.now()
	if ok && now.Sub(last) < RateLimitInterval {
		return false
	}
	if err := c.state.SetLastRun(ctx, now); err != nil {
		c.logger.Warn("Failed to record last run", "error", err)
	}
	return true
}

// Checkpoint is the cooperative cancellation check run before every unit of
// work. It returns nil only when work may continue.
func (c *Coordinator) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsIntegrationActive(ctx) {
		return ErrHostInactive
	}
	if c.IsEmergencyActive(ctx, true) {
		return ErrEmergencyStop
	}
	if c.IsStopSignalFresh(ctx) {
		return ErrStopSignal
	}
	return nil
}

// Sleep waits for d while polling the stop flags, so an emergency stop
// interrupts the wait itself.
func (c *Coordinator) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-ticker.C:
			if err := c.Checkpoint(ctx); err != nil {
				return err
			}
		}
	}
}

// BeginProcessing writes the processing marker. The returned release func
// clears it and must run on every exit path.
func (c *Coordinator) BeginProcessing(ctx context.Context, runID string) (func(), error) {
	ps := models.ProcessingState{StartTime: c.now().UTC(), ProcessID: c.pid, RunID: runID}
	data, err := json.Marshal(ps)
	if err != nil {
		return nil, err
	}
	if err := c.kv.Set(ctx, state.KeyProcessing, string(data)); err != nil {
		return nil, fmt.Errorf("failed to write processing state: %w", err)
	}
	return func() {
		if err := c.ClearProcessing(context.Background()); err != nil {
			c.logger.Warn("Failed to clear processing state", "run_id", runID, "error", err)
		}
	}, nil
}

func (c *Coordinator) ClearProcessing(ctx context.Context) error {
	return c.kv.Delete(ctx, state.KeyProcessing)
}

// ActivateIntegration marks the host integration live.
func (c *Coordinator) ActivateIntegration(ctx context.Context) error {
	if err := c.kv.Set(ctx, state.KeyIntegrationActive, "1"); err != nil {
		return fmt.Errorf("failed to activate integration: %w", err)
	}
	c.appendLog(ctx, notifylog.Entry{Type: notifylog.TypeAdmin, Status: notifylog.StatusInfo,
		Details: map[string]any{"action": "integration_activated"}})
	return nil
}

// DeactivateIntegration mirrors a plugin deactivation: raise the emergency
// stop so in-flight workers abort, then drop the durable flag again. The
// stop signal stays and expires on its own.
func (c *Coordinator) DeactivateIntegration(ctx context.Context) error {
	if err := c.ActivateEmergencyStop(ctx); err != nil {
		return err
	}
	if err := c.kv.Delete(ctx, state.KeyEmergencyStop, state.KeyEmergencyTransient); err != nil {
		return fmt.Errorf("failed to clear emergency stop: %w", err)
	}
	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()

	if err := c.ClearProcessing(ctx); err != nil {
		c.logger.Warn("Failed to clear processing state", "error", err)
	}
	if err := c.kv.Set(ctx, state.KeyIntegrationActive, "0"); err != nil {
		return fmt.Errorf("failed to deactivate integration: %w", err)
	}
	c.appendLog(ctx, notifylog.Entry{Type: notifylog.TypeAdmin, Status: notifylog.StatusInfo,
		Details: map[string]any{"action": "integration_deactivated"}})
	return nil
}

type Status struct {
	IntegrationActive bool                    `json:"integration_active"`
	EmergencyStop     *models.EmergencyStop   `json:"emergency_stop,omitempty"`
	StopSignalFresh   bool                    `json:"stop_signal_fresh"`
	Processing        *models.ProcessingState `json:"processing,omitempty"`
	LastRun           *time.Time              `json:"last_run,omitempty"`
}

func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	st := Status{
		IntegrationActive: c.IsIntegrationActive(ctx),
		StopSignalFresh:   c.IsStopSignalFresh(ctx),
	}

	v, ok, err := c.kv.Get(ctx, state.KeyEmergencyStop)
	if err != nil {
		return st, err
	}
	if ok {
		var es models.EmergencyStop
		if err := json.Unmarshal([]byte(v), &es); err == nil {
			st.EmergencyStop = &es
		}
	}

	v, ok, err = c.kv.Get(ctx, state.KeyProcessing)
	if err != nil {
		return st, err
	}
	if ok {
		var ps models.ProcessingState
		if err := json.Unmarshal([]byte(v), &ps); err == nil {
			st.Processing = &ps
		}
	}

	last, ok, err := c.state.LastRun(ctx)
	if err != nil {
		return st, err
	}
	if ok {
		st.LastRun = &last
	}
	return st, nil
}

func (c *Coordinator) appendLog(ctx context.Context, e notifylog.Entry) {
	if c.log == nil {
		return
	}
	if err := c.log.Append(ctx, e); err != nil {
		c.logger.Warn("Failed to append notification log", "type", e.Type, "error", err)
	}
}
