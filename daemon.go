package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/voicetel/order-notifier/internal/admin"
	"github.com/voicetel/order-notifier/internal/events"
	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/procctl"
	"github.com/voicetel/order-notifier/internal/scheduler"
	"github.com/voicetel/order-notifier/internal/settings"
)

const (
	jobCheckCycle = "check-cycle"
	jobCleanup    = "daily-cleanup"
)

// cycleRunner runs scheduled check cycles and lets a signal abort the one in
// flight without stopping the daemon.
type cycleRunner struct {
	a *app

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *cycleRunner) run(ctx context.Context) {
	cycleCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
	}()

	stats, err := c.a.notifier.Run(cycleCtx)
	if err != nil {
		c.a.logger.LogError("Notification run failed", err)
		return
	}
	if stats.Skipped == "" || c.a.cfg.Verbose {
		c.a.logger.LogRunStats(stats)
	}
}

func (c *cycleRunner) abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

func runDaemon(ctx context.Context, a *app) error {
	logger := a.logger

	unregister, err := a.registry.Register(ctx, procctl.ModeDaemon)
	if err != nil {
		logger.Warn("Failed to register worker", "error", err)
	} else {
		defer unregister()
	}

	if a.cfg.SettingsFile != "" {
		if _, err := a.settings.Import(ctx, a.cfg.SettingsFile); err != nil {
			return err
		}
	}
	st, err := a.settings.Load(ctx)
	if err != nil {
		return err
	}

	sched := scheduler.New(time.Local, logger.Logger)
	cycles := &cycleRunner{a: a}
	reschedule := func(s models.Settings) {
		if err := sched.Schedule(jobCheckCycle, settings.CronSchedule(s), func() { cycles.run(ctx) }); err != nil {
			logger.LogError("Failed to schedule check cycle", err)
		}
	}
	reschedule(st)

	hour, minute, _ := a.cfg.CleanupTime()
	if err := sched.Schedule(jobCleanup, scheduler.DailySpec(hour, minute), func() {
		if _, err := a.notifier.DailyCleanup(ctx, a.cfg.AutoVacuum); err != nil {
			logger.LogError("Daily cleanup failed", err)
		}
	}); err != nil {
		return err
	}
	sched.Start()

	var wg sync.WaitGroup

	var srv *http.Server
	var api *admin.Server
	if a.cfg.Admin.Addr != "" {
		api = admin.New(admin.Deps{
			Notifier:        a.notifier,
			Safety:          a.safety,
			Settings:        a.settings,
			Logs:            a.log,
			Templates:       a.wati,
			Logger:          logger.Logger,
			Token:           a.cfg.Admin.Token,
			OnSettingsSaved: reschedule,
		})
		srv = &http.Server{
			Addr:              a.cfg.Admin.Addr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Admin API listening", "addr", a.cfg.Admin.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.LogError("Admin API stopped", err)
			}
		}()
	}

	if a.cfg.AMQP.URL != "" {
		consumer := events.NewConsumer(a.cfg.AMQP.URL, a.cfg.AMQP.Queue, a.notifier, logger.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.LogError("Event consumer stopped", err)
			}
		}()
	}

	if a.cfg.SettingsFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.settings.Watch(ctx, a.cfg.SettingsFile, logger.Logger, reschedule); err != nil {
				logger.LogError("Settings watcher stopped", err)
			}
		}()
	}

	abortCh := make(chan os.Signal, 1)
	if len(abortCycleSignals) > 0 {
		signal.Notify(abortCh, abortCycleSignals...)
		defer signal.Stop(abortCh)
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("Failed to notify systemd", "error", err)
	} else if ok {
		logger.Debug("Notified systemd of readiness")
	}
	if next, ok := sched.Next(jobCheckCycle); ok {
		logger.Info("Daemon started", "next_run", next, "schedule", settings.CronSchedule(st))
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-abortCh:
			if cycles.abort() {
				logger.Warn("Abort signal received, cancelling current check cycle")
			}
		}
	}

	logger.Info("Shutting down...")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin API shutdown failed", "error", err)
		}
	}

	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("Timed out waiting for running jobs")
	}

	wg.Wait()
	if api != nil {
		api.Wait()
	}
	logger.Info("Daemon stopped")
	return nil
}
