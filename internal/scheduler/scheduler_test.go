package scheduler

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestScheduler() *Scheduler {
	return New(time.UTC, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestScheduleAndReplace(t *testing.T) {
	s := newTestScheduler()

	if err := s.Schedule("check-cycle", "@every 5m", func() {}); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	s.Start()
	defer s.Stop()

	first, ok := s.Next("check-cycle")
	if !ok || first.IsZero() {
		t.Fatalf("Next = %v, %v", first, ok)
	}

	if err := s.Schedule("check-cycle", "@every 2h", func() {}); err != nil {
		t.Fatalf("reschedule error: %v", err)
	}
	second, ok := s.Next("check-cycle")
	if !ok || !second.After(first) {
		t.Fatalf("Next after reschedule = %v, want later than %v", second, first)
	}
	if n := len(s.c.Entries()); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}

	s.Remove("check-cycle")
	if _, ok := s.Next("check-cycle"); ok {
		t.Fatal("removed job still scheduled")
	}
}

func TestScheduleInvalidSpec(t *testing.T) {
	s := newTestScheduler()
	if err := s.Schedule("bad", "every five minutes", func() {}); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	if _, ok := s.Next("bad"); ok {
		t.Fatal("invalid job registered")
	}
}

func TestDailySpec(t *testing.T) {
	s := newTestScheduler()
	spec := DailySpec(3, 30)
	if spec != "30 3 * * *" {
		t.Fatalf("DailySpec = %q", spec)
	}
	if err := s.Schedule("daily-cleanup", spec, func() {}); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	s.Start()
	defer s.Stop()

	next, _ := s.Next("daily-cleanup")
	if next.Hour() != 3 || next.Minute() != 30 {
		t.Fatalf("next run = %v, want 03:30", next)
	}
}

func TestJobsRunAndPanicsRecover(t *testing.T) {
	s := newTestScheduler()
	var runs atomic.Int32
	s.Schedule("panics", "@every 1s", func() { panic("boom") })
	s.Schedule("counts", "@every 1s", func() { runs.Add(1) })
	s.Start()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	<-s.Stop().Done()

	if runs.Load() == 0 {
		t.Fatal("job did not run")
	}
}
