package procctl

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/voicetel/order-notifier/internal/kvstore"
)

const workerExe = "/usr/local/bin/order-notifier"

// fakeProcesses is a process table keyed by pid.
type fakeProcesses map[int]Identity

func (f fakeProcesses) identify(ctx context.Context, pid int) (Identity, error) {
	id, ok := f[pid]
	if !ok {
		return Identity{}, process.ErrorProcessNotRunning
	}
	return id, nil
}

func newRegistry(kv kvstore.Store, host string, pid int, procs fakeProcesses) *Registry {
	return &Registry{
		kv:       kv,
		host:     host,
		pid:      pid,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		identify: procs.identify,
		signal:   func(context.Context, int, Mode) error { return nil },
	}
}

func register(t *testing.T, kv kvstore.Store, w Worker) {
	t.Helper()
	w.StartedAt = time.Now()
	data, _ := json.Marshal(w)
	if err := kv.Set(context.Background(), "worker:"+w.Host+":"+strconv.Itoa(w.PID), string(data)); err != nil {
		t.Fatal(err)
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	r := newRegistry(kv, "web-1", 100, fakeProcesses{100: {CreateTime: 1700000000000, Exe: workerExe}})

	unregister, err := r.Register(ctx, ModeDaemon)
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	workers, _ := r.Workers(ctx)
	if len(workers) != 1 || workers[0].PID != 100 || workers[0].Mode != ModeDaemon {
		t.Fatalf("Workers = %+v", workers)
	}
	if workers[0].CreateTime != 1700000000000 || workers[0].Exe != workerExe {
		t.Fatalf("identity = %d %q, want recorded", workers[0].CreateTime, workers[0].Exe)
	}

	unregister()
	if workers, _ := r.Workers(ctx); len(workers) != 0 {
		t.Fatalf("Workers after unregister = %+v", workers)
	}
}

func TestTerminateOthers(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	live := Identity{CreateTime: 1700000000000, Exe: workerExe}
	procs := fakeProcesses{
		100: live,
		200: live,
		300: live,
		600: {CreateTime: 1700000999000, Exe: workerExe}, // pid reused by a later process
		700: {CreateTime: 1700000000000, Exe: "/usr/bin/sleep"},
		800: live,
	}
	r := newRegistry(kv, "web-1", 100, procs)

	register(t, kv, Worker{Host: "web-1", PID: 100, Mode: ModeOnce, CreateTime: live.CreateTime, Exe: live.Exe})   // self
	register(t, kv, Worker{Host: "web-1", PID: 200, Mode: ModeOnce, CreateTime: live.CreateTime, Exe: live.Exe})   // SIGTERM
	register(t, kv, Worker{Host: "web-1", PID: 300, Mode: ModeDaemon, CreateTime: live.CreateTime, Exe: live.Exe}) // SIGUSR1
	register(t, kv, Worker{Host: "web-1", PID: 400, Mode: ModeOnce, CreateTime: live.CreateTime, Exe: live.Exe})   // gone
	register(t, kv, Worker{Host: "web-2", PID: 500, Mode: ModeOnce, CreateTime: live.CreateTime, Exe: live.Exe})   // other host
	register(t, kv, Worker{Host: "web-1", PID: 600, Mode: ModeOnce, CreateTime: live.CreateTime, Exe: live.Exe})
	register(t, kv, Worker{Host: "web-1", PID: 700, Mode: ModeDaemon, CreateTime: live.CreateTime, Exe: live.Exe})
	register(t, kv, Worker{Host: "web-1", PID: 800, Mode: ModeOnce}) // no identity recorded

	signalled := map[int]Mode{}
	r.signal = func(_ context.Context, pid int, mode Mode) error {
		signalled[pid] = mode
		return nil
	}

	n, err := r.TerminateOthers(ctx)
	if err != nil {
		t.Fatalf("TerminateOthers error: %v", err)
	}
	if n != 2 {
		t.Fatalf("signalled = %d, want 2", n)
	}
	if len(signalled) != 2 || signalled[200] != ModeOnce || signalled[300] != ModeDaemon {
		t.Fatalf("signals = %v, want only 200 and 300", signalled)
	}

	for _, pid := range []int{400, 600, 700, 800} {
		if _, ok, _ := kv.Get(ctx, "worker:web-1:"+strconv.Itoa(pid)); ok {
			t.Errorf("registration for pid %d not removed", pid)
		}
	}
	if _, ok, _ := kv.Get(ctx, "worker:web-2:500"); !ok {
		t.Error("registration on another host removed")
	}
}

func TestTerminateOthersInspectionError(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	r := newRegistry(kv, "web-1", 100, nil)
	r.identify = func(context.Context, int) (Identity, error) { return Identity{}, errors.New("permission denied") }
	r.signal = func(context.Context, int, Mode) error {
		t.Fatal("signalled a process that could not be inspected")
		return nil
	}
	register(t, kv, Worker{Host: "web-1", PID: 200, Mode: ModeOnce, CreateTime: 1, Exe: workerExe})

	if n, err := r.TerminateOthers(ctx); err != nil || n != 0 {
		t.Fatalf("TerminateOthers = %d, %v, want 0, nil", n, err)
	}
	if _, ok, _ := kv.Get(ctx, "worker:web-1:200"); !ok {
		t.Fatal("registration removed after an inspection error")
	}
}

func TestTerminateOthersUnsupported(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	id := Identity{CreateTime: 1, Exe: workerExe}
	r := newRegistry(kv, "web-1", 100, fakeProcesses{200: id})
	register(t, kv, Worker{Host: "web-1", PID: 200, Mode: ModeOnce, CreateTime: id.CreateTime, Exe: id.Exe})
	r.signal = func(context.Context, int, Mode) error { return ErrUnsupported }

	if _, err := r.TerminateOthers(ctx); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("error = %v, want ErrUnsupported", err)
	}
	if _, ok, _ := kv.Get(ctx, "worker:web-1:200"); !ok {
		t.Fatal("registration removed on unsupported platform")
	}
}
