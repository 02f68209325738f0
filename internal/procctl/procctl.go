// Package procctl registers notifier worker processes in the shared store and
// signals them during an emergency stop. Signalling is best effort; workers
// still observe the stop flags on their own.
package procctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/voicetel/order-notifier/internal/kvstore"
	"github.com/voicetel/order-notifier/internal/state"
)

var ErrUnsupported = errors.New("process signalling is not supported on this platform")

type Mode string

const (
	ModeOnce   Mode = "once"
	ModeDaemon Mode = "daemon"
)

// Worker is one registration. CreateTime (unix ms) and Exe identify the
// process, so a reused pid is never signalled.
type Worker struct {
	Host       string    `json:"host"`
	PID        int       `json:"pid"`
	Mode       Mode      `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	CreateTime int64     `json:"create_time,omitempty"`
	Exe        string    `json:"exe,omitempty"`
}

// Identity is what the process table reports for a live pid.
type Identity struct {
	CreateTime int64
	Exe        string
}

func (w Worker) matches(id Identity) bool {
	return w.CreateTime != 0 && w.Exe != "" && w.CreateTime == id.CreateTime && w.Exe == id.Exe
}

// Terminator is the narrow capability the safety coordinator depends on.
type Terminator interface {
	TerminateOthers(ctx context.Context) (int, error)
}

type Registry struct {
	kv       kvstore.Store
	host     string
	pid      int
	logger   *slog.Logger
	identify func(ctx context.Context, pid int) (Identity, error)
	signal   func(ctx context.Context, pid int, mode Mode) error
}

func NewRegistry(kv kvstore.Store, logger *slog.Logger) *Registry {
	host, _ := os.Hostname()
	return &Registry{
		kv:       kv,
		host:     host,
		pid:      os.Getpid(),
		logger:   logger,
		identify: lookupProcess,
		signal:   signalWorker,
	}
}

func (r *Registry) Host() string { return r.host }
func (r *Registry) PID() int     { return r.pid }

func (r *Registry) key(host string, pid int) string {
	return state.PrefixWorker + host + ":" + strconv.Itoa(pid)
}

// Register records this process and returns a func that removes the record.
func (r *Registry) Register(ctx context.Context, mode Mode) (func(), error) {
	w := Worker{Host: r.host, PID: r.pid, Mode: mode, StartedAt: time.Now().UTC()}
	if id, err := r.identify(ctx, r.pid); err != nil {
		r.logger.Warn("Failed to read own process identity, peers will not signal this worker", "error", err)
	} else {
		w.CreateTime, w.Exe = id.CreateTime, id.Exe
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	key := r.key(r.host, r.pid)
	if err := r.kv.Set(ctx, key, string(data)); err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}
	return func() {
		if err := r.kv.Delete(context.Background(), key); err != nil {
			r.logger.Warn("Failed to unregister worker", "key", key, "error", err)
		}
	}, nil
}

func (r *Registry) Workers(ctx context.Context) ([]Worker, error) {
	keys, err := r.kv.Keys(ctx, state.PrefixWorker)
	if err != nil {
		return nil, err
	}
	workers := make([]Worker, 0, len(keys))
	for _, k := range keys {
		v, ok, err := r.kv.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var w Worker
		if err := json.Unmarshal([]byte(v), &w); err != nil {
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// TerminateOthers signals every registered worker on this host except the
// caller. Run-once workers get SIGTERM, daemons get SIGUSR1 and only abort
// their current cycle. A pid is signalled only while its start time and
// executable still match the registration; registrations whose process is
// gone or was replaced are removed.
func (r *Registry) TerminateOthers(ctx context.Context) (int, error) {
	workers, err := r.Workers(ctx)
	if err != nil {
		return 0, err
	}

	signalled := 0
	for _, w := range workers {
		if w.Host != r.host || w.PID == r.pid {
			continue
		}
		logger := r.logger.With("pid", w.PID, "mode", w.Mode)

		id, err := r.identify(ctx, w.PID)
		switch {
		case errors.Is(err, process.ErrorProcessNotRunning):
			logger.Debug("Removing stale worker registration")
			r.remove(ctx, w)
			continue
		case err != nil:
			logger.Warn("Failed to inspect worker process, not signalling", "error", err)
			continue
		case !w.matches(id):
			logger.Warn("Process no longer matches worker registration, not signalling",
				"exe", id.Exe, "registered_exe", w.Exe)
			r.remove(ctx, w)
			continue
		}

		err = r.signal(ctx, w.PID, w.Mode)
		switch {
		case err == nil:
			signalled++
			logger.Info("Signalled notifier worker")
		case errors.Is(err, ErrUnsupported):
			return signalled, err
		default:
			logger.Debug("Removing stale worker registration", "error", err)
			r.remove(ctx, w)
		}
	}
	return signalled, nil
}

func (r *Registry) remove(ctx context.Context, w Worker) {
	if err := r.kv.Delete(ctx, r.key(w.Host, w.PID)); err != nil {
		r.logger.Warn("Failed to remove stale worker", "pid", w.PID, "error", err)
	}
}

func lookupProcess(ctx context.Context, pid int) (Identity, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Identity{}, err
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to read start time of pid %d: %w", pid, err)
	}
	exe, err := p.ExeWithContext(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to read executable of pid %d: %w", pid, err)
	}
	return Identity{CreateTime: created, Exe: exe}, nil
}
