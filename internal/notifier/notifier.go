package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/voicetel/order-notifier/internal/config"
	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/notifylog"
	"github.com/voicetel/order-notifier/internal/state"
)

// SettingsLoader supplies the current settings bundle.
type SettingsLoader interface {
	Load(ctx context.Context) (models.Settings, error)
}

// Coordinator is the safety surface the cycle needs beyond the send path.
type Coordinator interface {
	Safety
	CheckRateLimit(ctx context.Context) bool
	BeginProcessing(ctx context.Context, runID string) (func(), error)
}

// Vacuumer is implemented by stores that can reclaim disk space.
type Vacuumer interface {
	Vacuum() (time.Duration, error)
}

type Deps struct {
	State     *state.Store
	Log       *notifylog.Log
	Safety    Coordinator
	Settings  SettingsLoader
	Source    Source
	Messenger Messenger
	Vacuumer  Vacuumer
	Pacer     Pacer
	Logger    *slog.Logger
	Now       func() time.Time
}

type Notifier struct {
	state      *state.Store
	log        *notifylog.Log
	safety     Coordinator
	settings   SettingsLoader
	source     Source
	vacuumer   Vacuumer
	window     *SendWindow
	config     *config.Config
	logger     *slog.Logger
	now        func() time.Time
	eng        *engine
	evaluators map[models.NotificationType]Evaluator
}

func New(deps Deps, cfg *config.Config) *Notifier {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pacer := deps.Pacer
	if pacer == nil {
		rp := NewRandomPacer(deps.Safety)
		if cfg.Pacing.MinSendDelay > 0 {
			rp.Min = cfg.Pacing.MinSendDelay
		}
		if cfg.Pacing.MaxSendDelay > 0 {
			rp.Max = cfg.Pacing.MaxSendDelay
		}
		pacer = rp
	}

	trackingURL := cfg.Tracking.URL
	if trackingURL == "" {
		trackingURL = DefaultTrackingURL
	}
	metaKey := cfg.Tracking.MetaKey
	if metaKey == "" {
		metaKey = DefaultTrackingMetaKey
	}

	dispatcher := NewDispatcher(deps.Safety, deps.State, deps.Log, deps.Messenger, logger)
	dispatcher.now = now

	eng := &engine{
		state:       deps.State,
		safety:      deps.Safety,
		dispatcher:  dispatcher,
		batch:       NewBatchRunner(deps.Safety, deps.Log, logger, cfg.Pacing.BatchSize, cfg.Pacing.EntityDelay),
		pacer:       pacer,
		logger:      logger,
		now:         now,
		trackingURL: trackingURL,
		owner:       uuid.NewString(),
		claimTTL:    defaultClaimTTL,
	}

	n := &Notifier{
		state:    deps.State,
		log:      deps.Log,
		safety:   deps.Safety,
		settings: deps.Settings,
		source:   deps.Source,
		vacuumer: deps.Vacuumer,
		window:   NewSendWindow(cfg.SendWindow, logger),
		config:   cfg,
		logger:   logger,
		now:      now,
		eng:      eng,
	}

	n.evaluators = map[models.NotificationType]Evaluator{
		models.Abandoned:  newAbandonedEvaluator(eng, deps.Source),
		models.Discount:   newDiscountEvaluator(eng, deps.Source),
		models.Processing: newProcessingEvaluator(eng, deps.Source),
		models.Shipped:    newShippedEvaluator(eng, deps.Source),
		models.Tracking:   newTrackingEvaluator(eng, deps.Source, metaKey),
	}
	return n
}

func (n *Notifier) Evaluator(t models.NotificationType) (Evaluator, bool) {
	e, ok := n.evaluators[t]
	return e, ok
}

// Run performs one scheduled check cycle. Gates that fail end the cycle
// without error and are reported in RunStats.Skipped.
func (n *Notifier) Run(ctx context.Context) (*models.RunStats, error) {
	start := n.now()
	stats := &models.RunStats{RunID: uuid.NewString(), Reports: make(map[models.NotificationType]*models.Report)}
	logger := n.logger.With("run_id", stats.RunID)
	defer func() { stats.Duration = n.now().Sub(start) }()

	if !n.safety.IsIntegrationActive(ctx) {
		stats.Skipped = "integration_inactive"
		logger.Info("Integration inactive, skipping run")
		return stats, nil
	}

	if n.safety.IsEmergencyActive(ctx, true) || n.safety.IsStopSignalFresh(ctx) {
		stats.Skipped = "emergency_stop"
		logger.Warn("Emergency stop active, skipping run")
		n.cronLog(ctx, notifylog.StatusWarning, map[string]any{"run_id": stats.RunID, "message": "skipped: emergency stop active"})
		return stats, nil
	}

	if !n.safety.CheckRateLimit(ctx) {
		stats.Skipped = "rate_limited"
		logger.Info("Rate limited, skipping run")
		return stats, nil
	}

	n.cronLog(ctx, notifylog.StatusInfo, map[string]any{"run_id": stats.RunID, "message": "check cycle started"})

	settings, err := n.settings.Load(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to load settings: %w", err)
	}

	if !settings.Enabled {
		stats.Skipped = "feature_disabled"
		logger.Info("Notifications disabled, skipping run")
		return stats, nil
	}

	if now := n.now(); !n.window.IsOpen(now) {
		stats.Skipped = "outside_send_window"
		stats.DeferredUntil = n.window.NextOpen(now)
		logger.Info("Outside send window, deferring run", "next_open", stats.DeferredUntil)
		return stats, nil
	}

	release, err := n.safety.BeginProcessing(ctx, stats.RunID)
	if err != nil {
		return stats, err
	}
	defer release()

	for _, t := range models.CheckOrder {
		if err := n.safety.Checkpoint(ctx); err != nil {
			n.abortRun(ctx, stats, err)
			break
		}

		cond := settings.Condition(t)
		if !cond.Enabled {
			logger.Debug("Notification type disabled", "type", t)
			continue
		}

		report, err := n.runEvaluator(ctx, t, settings, false)
		stats.TypesChecked++
		if err != nil {
			stats.Errors++
			logger.Error("Notification check failed", "type", t, "error", err)
			n.cronLog(ctx, notifylog.StatusError, map[string]any{"run_id": stats.RunID, "type": t, "error": err.Error()})
		}
		if report == nil {
			continue
		}

		stats.Reports[t] = report
		stats.EntitiesChecked += report.Total
		stats.NotificationsSent += report.Sent
		stats.Failed += report.Failed

		n.cronLog(ctx, notifylog.StatusSuccess, map[string]any{
			"run_id":           stats.RunID,
			"type":             t,
			"total":            report.Total,
			"eligible":         report.Eligible,
			"already_notified": report.AlreadyNotified,
			"no_phone":         report.NoPhone,
			"old":              report.Old,
			"not_ready":        report.NotReady,
			"filtered":         report.Filtered,
			"sent":             report.Sent,
			"failed":           report.Failed,
			"aborted":          report.Aborted,
		})

		if report.Aborted {
			n.abortRun(ctx, stats, errors.New(report.AbortReason))
			break
		}
	}

	return stats, nil
}

func (n *Notifier) abortRun(ctx context.Context, stats *models.RunStats, reason error) {
	stats.Aborted = true
	stats.AbortReason = reason.Error()
	n.logger.Warn("Check cycle aborted", "run_id", stats.RunID, "reason", reason)
	n.cronLog(ctx, notifylog.StatusWarning, map[string]any{"run_id": stats.RunID, "message": "check cycle aborted", "reason": reason.Error()})
}

// runEvaluator isolates one evaluator: a panic becomes an error.
func (n *Notifier) runEvaluator(ctx context.Context, t models.NotificationType, settings models.Settings, isTest bool) (report *models.Report, err error) {
	ev, ok := n.evaluators[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNotification, t)
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Evaluator panicked", "type", t, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s evaluator panicked: %v", t, r)
		}
	}()
	return ev.Evaluate(ctx, settings, isTest)
}

// Test runs every enabled evaluator without sending.
func (n *Notifier) Test(ctx context.Context) (map[models.NotificationType]*models.Report, error) {
	settings, err := n.settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if !settings.Enabled {
		return nil, ErrFeatureDisabled
	}

	reports := make(map[models.NotificationType]*models.Report)
	for _, t := range models.CheckOrder {
		if !settings.Condition(t).Enabled {
			continue
		}
		report, err := n.runEvaluator(ctx, t, settings, true)
		if err != nil {
			n.logger.Error("Test evaluation failed", "type", t, "error", err)
		}
		if report != nil {
			reports[t] = report
		}
	}

	summary := make(map[string]any, len(reports))
	for t, r := range reports {
		summary[string(t)] = map[string]int{
			"total":            r.Total,
			"eligible":         r.Eligible,
			"already_notified": r.AlreadyNotified,
			"no_phone":         r.NoPhone,
			"old":              r.Old,
			"not_ready":        r.NotReady,
			"filtered":         r.Filtered,
		}
	}
	n.append(ctx, notifylog.Entry{Type: notifylog.TypeTest, Status: notifylog.StatusInfo, Details: summary})
	return reports, nil
}

// RunType runs a single evaluator outside the scheduled cadence, behind the
// same gates as the cycle.
func (n *Notifier) RunType(ctx context.Context, t models.NotificationType) (*models.Report, error) {
	if err := n.safety.Checkpoint(ctx); err != nil {
		return nil, err
	}
	settings, err := n.settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if !settings.Enabled {
		return nil, ErrFeatureDisabled
	}
	if !settings.Condition(t).Enabled {
		return nil, nil
	}
	if now := n.now(); !n.window.IsOpen(now) {
		n.logger.Info("Outside send window, deferring triggered check to the scheduled cycle",
			"type", t, "next_open", n.window.NextOpen(now))
		return nil, nil
	}
	return n.runEvaluator(ctx, t, settings, false)
}

// ResetOrders removes the order notification flags so the orders can be
// notified again.
func (n *Notifier) ResetOrders(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if err := n.state.ClearFlags(ctx, id, models.Shipped, models.Processing, models.Tracking); err != nil {
			return fmt.Errorf("failed to reset order %d: %w", id, err)
		}
	}
	n.logger.Info("Order notification flags reset", "orders", ids)
	n.append(ctx, notifylog.Entry{
		Type:    notifylog.TypeAdmin,
		Status:  notifylog.StatusInfo,
		Details: map[string]any{"action": "reset_orders", "order_ids": ids},
	})
	return nil
}

func (n *Notifier) cronLog(ctx context.Context, status notifylog.Status, details map[string]any) {
	n.append(ctx, notifylog.Entry{Type: notifylog.TypeCron, Status: status, Details: details})
}

func (n *Notifier) append(ctx context.Context, e notifylog.Entry) {
	if err := n.log.Append(context.WithoutCancel(ctx), e); err != nil {
		n.logger.Warn("Failed to append notification log", "type", e.Type, "error", err)
	}
}
