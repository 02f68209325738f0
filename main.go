package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/voicetel/order-notifier/internal/config"
	"github.com/voicetel/order-notifier/internal/logging"
	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/procctl"
	"github.com/voicetel/order-notifier/internal/wati"
)

// Version information - these will be set at build time via ldflags
var (
	Version   = "dev"     // Version number
	GitCommit = "unknown" // Git commit hash
	BuildDate = "unknown" // Build date
	GoVersion = "unknown" // Go version used to build
)

func main() {
	// Parse command line flags
	cfg := config.ParseFlags()

	// Check for version flag before other validation
	if cfg.ShowVersion {
		printVersion()
		os.Exit(0)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Set up logging
	logger := logging.NewLogger(cfg.LogFormat, cfg.Verbose, nil, logging.BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
	})
	logger.SetAsDefault()

	logger.Verbose("Starting Order Notifier",
		"store", cfg.Store.Backend,
		"send_window_enabled", cfg.SendWindow.Enabled,
		"dry_run", cfg.DryRun,
		"daemon", cfg.Daemon,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.LogError("Failed to initialize", err)
		os.Exit(1)
	}

	code := run(ctx, a)
	a.Close()
	os.Exit(code)
}

func run(ctx context.Context, a *app) int {
	cfg, logger := a.cfg, a.logger

	// Check connections mode
	if cfg.CheckConnections {
		if err := checkConnections(ctx, a); err != nil {
			logger.LogError("Connection check failed", err)
			return 1
		}
		fmt.Println("All connections successful!")
		return 0
	}

	// Initialize store and mark the integration active
	if cfg.InitDB {
		if err := initStore(ctx, a); err != nil {
			logger.LogError("Failed to initialize state store", err)
			return 1
		}
		fmt.Println("State store initialized successfully!")
		return 0
	}

	switch {
	case cfg.Activate:
		return report(logger, a.safety.ActivateIntegration(ctx), "Integration activated")
	case cfg.Deactivate:
		return report(logger, a.safety.DeactivateIntegration(ctx), "Integration deactivated, emergency stop engaged")
	case cfg.EmergencyStop:
		return report(logger, a.safety.ActivateEmergencyStop(ctx), "Emergency stop activated")
	case cfg.EmergencyClear:
		return report(logger, a.safety.DeactivateEmergencyStop(ctx), "Emergency stop cleared")
	case cfg.ResetOrders != "":
		ids, _ := cfg.ResetOrderIDs()
		return report(logger, a.notifier.ResetOrders(ctx, ids), fmt.Sprintf("Reset notification flags for %d order(s)", len(ids)))
	case cfg.ImportSettings != "":
		_, err := a.settings.Import(ctx, cfg.ImportSettings)
		return report(logger, err, "Settings imported from "+cfg.ImportSettings)
	}

	// Cleanup mode
	if cfg.Cleanup {
		res, err := a.notifier.DailyCleanup(ctx, cfg.AutoVacuum)
		if err != nil {
			logger.LogError("Failed to perform cleanup", err)
			return 1
		}
		fmt.Printf("Cleanup completed successfully! (%d log entries removed, %d retry counters reset)\n", res.LogsRemoved, res.RetriesReset)
		return 0
	}

	// Stats only mode
	if cfg.StatsOnly {
		stats, err := a.notifier.Stats(ctx)
		if err != nil {
			logger.LogError("Failed to print stats", err)
			return 1
		}
		printHumanReadableStats(stats)
		return 0
	}

	// Initialize WooCommerce connection
	if err := a.connectSource(ctx); err != nil {
		logger.LogError("Failed to connect to WooCommerce", err)
		return 1
	}

	if cfg.Test || cfg.DryRun {
		reports, err := a.notifier.Test(ctx)
		if err != nil {
			logger.LogError("Test run failed", err)
			return 1
		}
		printReports(reports)
		return 0
	}

	if cfg.Daemon {
		if err := runDaemon(ctx, a); err != nil {
			logger.LogError("Daemon stopped with error", err)
			return 1
		}
		return 0
	}

	unregister, err := a.registry.Register(ctx, procctl.ModeOnce)
	if err != nil {
		logger.Warn("Failed to register worker", "error", err)
	} else {
		defer unregister()
	}

	// Run notification check
	stats, err := a.notifier.Run(ctx)
	if err != nil {
		logger.LogError("Notification run failed", err)
		return 1
	}

	// Print statistics if requested
	if cfg.Stats || cfg.Verbose {
		printRunStats(stats, logger)
	}
	return 0
}

func report(logger *logging.Logger, err error, success string) int {
	if err != nil {
		logger.LogError("Command failed", err)
		return 1
	}
	fmt.Println(success)
	return 0
}

func printVersion() {
	fmt.Printf("Order Notifier\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Go Version: %s\n", GoVersion)
}

func initStore(ctx context.Context, a *app) error {
	st, err := a.settings.Load(ctx)
	if err != nil {
		return err
	}
	if err := a.settings.Save(ctx, st); err != nil {
		return fmt.Errorf("failed to store default settings: %w", err)
	}
	return a.safety.ActivateIntegration(ctx)
}

func checkConnections(ctx context.Context, a *app) error {
	logger := a.logger
	logger.Info("Checking connections...")

	logger.Info("Testing WooCommerce database connection...", "dsn", a.cfg.GetDSNInfo())
	if err := a.connectSource(ctx); err != nil {
		return fmt.Errorf("WooCommerce connection failed: %w", err)
	}
	logger.Info("WooCommerce database connection successful")

	st, err := a.settings.Load(ctx)
	if err != nil {
		return fmt.Errorf("state store check failed: %w", err)
	}
	logger.Info("State store reachable", "backend", a.cfg.Store.Backend)

	if st.APIURL == "" || st.BearerToken == "" {
		logger.Info("Messaging API credentials not configured, skipping API check")
		return nil
	}
	ep, err := wati.ParseEndpoint(st.APIURL)
	if err != nil {
		return err
	}
	logger.Info("Testing messaging API...", "host", ep.Host)
	templates, err := a.wati.Templates(ctx, ep, st.BearerToken)
	if err != nil {
		return fmt.Errorf("messaging API check failed: %w", err)
	}
	logger.Info("Messaging API check successful", "templates", len(templates))
	return nil
}

func printHumanReadableStats(stats map[string]interface{}) {
	fmt.Printf("\n=== Order Notifier Statistics ===\n\n")

	// Total notifications
	if total, ok := stats["total_notifications"].(int); ok {
		fmt.Printf("Total Notifications: %d\n\n", total)
	}

	// By type
	if typeMap, ok := stats["by_type"].(map[string]int); ok {
		fmt.Printf("By Type:\n")
		for _, k := range sortedKeys(typeMap) {
			fmt.Printf("  %s: %d\n", k, typeMap[k])
		}
		fmt.Println()
	}

	// By status
	if statusMap, ok := stats["by_status"].(map[string]int); ok {
		fmt.Printf("Log Entries By Status:\n")
		for _, k := range sortedKeys(statusMap) {
			fmt.Printf("  %s: %d\n", k, statusMap[k])
		}
		fmt.Println()
	}

	// Recent activity
	if sent24h, ok := stats["sent_last_24h"].(int); ok {
		fmt.Printf("Sent in Last 24 Hours: %d\n", sent24h)
	}
	if failed24h, ok := stats["failed_last_24h"].(int); ok {
		fmt.Printf("Failed in Last 24 Hours: %d\n", failed24h)
	}
	if active, ok := stats["emergency_stop"].(bool); ok {
		fmt.Printf("Emergency Stop: %t\n", active)
	}
	if last, ok := stats["last_run"].(string); ok {
		fmt.Printf("Last Run: %s\n", last)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printReports(reports map[models.NotificationType]*models.Report) {
	fmt.Printf("\n=== Evaluation Report (no messages sent) ===\n")
	for _, t := range models.CheckOrder {
		r, ok := reports[t]
		if !ok {
			continue
		}
		fmt.Printf("\n%s (template %q):\n", t, r.Condition.TemplateName)
		fmt.Printf("  Total: %d  Eligible: %d  Already notified: %d  No phone: %d  Old: %d  Not ready: %d  Filtered: %d\n",
			r.Total, r.Eligible, r.AlreadyNotified, r.NoPhone, r.Old, r.NotReady, r.Filtered)
		for _, e := range r.Entities {
			if e.Status != models.ClassEligible {
				continue
			}
			fmt.Printf("    #%d %s %s\n", e.ID, e.Phone, e.Customer)
		}
	}
}

func printRunStats(stats *models.RunStats, logger *logging.Logger) {
	// Use the logger's structured logging capability
	logger.LogRunStats(stats)

	// Also print human-readable format for console output
	fmt.Printf("\n=== Run Statistics ===\n")
	if stats.Skipped != "" {
		fmt.Printf("Skipped: %s\n", stats.Skipped)
	}
	if !stats.DeferredUntil.IsZero() {
		fmt.Printf("Deferred until: %s\n", stats.DeferredUntil.Format(time.RFC3339))
	}
	fmt.Printf("Types checked: %d\n", stats.TypesChecked)
	fmt.Printf("Entities checked: %d\n", stats.EntitiesChecked)
	fmt.Printf("Notifications sent: %d\n", stats.NotificationsSent)
	fmt.Printf("Failed: %d\n", stats.Failed)
	fmt.Printf("Errors: %d\n", stats.Errors)
	if stats.Aborted {
		fmt.Printf("Aborted: %s\n", stats.AbortReason)
	}
	fmt.Printf("Duration: %s\n", stats.Duration)
}
