package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicetel/order-notifier/internal/config"
	"github.com/voicetel/order-notifier/internal/database"
	"github.com/voicetel/order-notifier/internal/kvstore"
	"github.com/voicetel/order-notifier/internal/logging"
	"github.com/voicetel/order-notifier/internal/notifier"
	"github.com/voicetel/order-notifier/internal/notifylog"
	"github.com/voicetel/order-notifier/internal/procctl"
	"github.com/voicetel/order-notifier/internal/safety"
	"github.com/voicetel/order-notifier/internal/settings"
	"github.com/voicetel/order-notifier/internal/state"
	"github.com/voicetel/order-notifier/internal/wati"
)

// app holds the wired components shared by every mode.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	db       *database.DB
	kv       kvstore.Store
	state    *state.Store
	log      *notifylog.Log
	registry *procctl.Registry
	safety   *safety.Coordinator
	settings *settings.Store
	wati     *wati.Client

	wc       *sql.DB
	notifier *notifier.Notifier
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.state = state.New(a.kv)
	a.log = notifylog.New(a.kv)
	a.registry = procctl.NewRegistry(a.kv, logger.Logger)
	a.safety = safety.New(a.kv, a.state, a.log, logger.Logger, safety.Options{
		Host:       a.registry.Host(),
		ProcessID:  a.registry.PID(),
		Terminator: a.registry,
	})
	a.settings = settings.NewStore(a.kv)
	a.wati = wati.NewClient(wati.Config{Timeout: cfg.WATI.Timeout, RetryAttempts: cfg.WATI.RetryAttempts})

	a.notifier = a.buildNotifier(nil)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case "memory":
		a.kv = kvstore.NewMemory()
	case "redis":
		rs, err := kvstore.NewRedis(ctx, kvstore.RedisConfig{
			Addr:      a.cfg.Store.Redis.Addr,
			Password:  a.cfg.Store.Redis.Password,
			DB:        a.cfg.Store.Redis.DB,
			Namespace: a.cfg.Store.Redis.Namespace,
			Timeout:   a.cfg.DBTimeout,
		})
		if err != nil {
			return err
		}
		a.kv = rs
	default:
		db, err := database.InitSQLite(a.cfg.DBPath, a.cfg.DBTimeout)
		if err != nil {
			return fmt.Errorf("failed to initialize SQLite: %w", err)
		}
		if err := database.InitSchema(db); err != nil {
			db.Close()
			return err
		}
		a.db = db
		a.kv = kvstore.NewSQLite(db)
	}
	return nil
}

// connectSource opens the WooCommerce database and rebuilds the notifier
// around it.
func (a *app) connectSource(ctx context.Context) error {
	wc, err := database.ConnectWooCommerce(ctx, a.cfg.WooCommerce)
	if err != nil {
		return err
	}
	a.wc = wc
	a.notifier = a.buildNotifier(database.NewWooCommerce(wc, a.cfg.WooCommerce.TablePrefix, a.cfg.Tracking.MetaKey))
	return nil
}

func (a *app) buildNotifier(source notifier.Source) *notifier.Notifier {
	deps := notifier.Deps{
		State:     a.state,
		Log:       a.log,
		Safety:    a.safety,
		Settings:  a.settings,
		Source:    source,
		Messenger: a.wati,
		Logger:    a.logger.Logger,
	}
	if a.db != nil {
		deps.Vacuumer = a.db
	}
	return notifier.New(deps, a.cfg)
}

func (a *app) Close() {
	if a.wc != nil {
		a.wc.Close()
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("Failed to close state store", "error", err)
		}
	}
}
