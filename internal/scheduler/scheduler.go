// Package scheduler runs the periodic check cycle and the daily cleanup when
// the notifier runs as a daemon.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type Scheduler struct {
	parser cron.Parser
	c      *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func New(loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	return &Scheduler{
		parser: parser,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule registers fn under name, replacing any job with the same name.
func (s *Scheduler) Schedule(name, spec string, fn func()) error {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.c.Remove(id)
	}
	id := s.c.Schedule(sched, cron.FuncJob(fn))
	s.entries[name] = id
	s.logger.Info("Job scheduled", "job", name, "spec", spec)
	return nil
}

func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.c.Remove(id)
		delete(s.entries, name)
	}
}

// Next returns the next activation of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.c.Entry(id)
	if !e.Valid() {
		return time.Time{}, false
	}
	return e.Next, true
}

func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop stops scheduling and returns a context done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.c.Stop()
}

// DailySpec is a cron spec firing once a day at hour:minute.
func DailySpec(hour, minute int) string {
	return fmt.Sprintf("%d %d * * *", minute, hour)
}
