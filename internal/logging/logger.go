package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/voicetel/order-notifier/internal/models"
)

type Logger struct {
	*slog.Logger
	verbose bool
}

// BuildInfo is attached to every record.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// NewLogger creates a new logger based on the configuration
func NewLogger(format string, verbose bool, output io.Writer, build BuildInfo) *Logger {
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler

	var level slog.Level
	if verbose {
		level = slog.LevelDebug
	} else {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// journald stamps records itself
			if a.Key == slog.TimeKey && format != "json" {
				return slog.Attr{}
			}
			return a
		},
	}

	switch format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	var application string
	if len(os.Args) > 0 {
		application = filepath.Base(os.Args[0])
	}

	logger := slog.New(handler).With(
		slog.String("service", application),
		slog.String("version", build.Version),
		slog.String("commit", build.Commit),
		slog.String("build_date", build.BuildDate),
	)

	return &Logger{
		Logger:  logger,
		verbose: verbose,
	}
}

// SetAsDefault sets this logger as the default slog logger
func (l *Logger) SetAsDefault() {
	slog.SetDefault(l.Logger)
	if l.verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	} else {
		slog.SetLogLoggerLevel(slog.LevelInfo)
	}
}

// Verbose logs a message only if verbose logging is enabled
func (l *Logger) Verbose(msg string, args ...any) {
	if l.verbose {
		l.Debug(msg, args...)
	}
}

// LogRunStats logs the outcome of one check cycle.
func (l *Logger) LogRunStats(stats *models.RunStats) {
	attrs := []any{
		slog.String("run_id", stats.RunID),
		slog.Int("types_checked", stats.TypesChecked),
		slog.Int("entities_checked", stats.EntitiesChecked),
		slog.Int("notifications_sent", stats.NotificationsSent),
		slog.Int("failed", stats.Failed),
		slog.Int("errors", stats.Errors),
		slog.String("duration", stats.Duration.String()),
	}
	if stats.Skipped != "" {
		attrs = append(attrs, slog.String("skipped", stats.Skipped))
	}
	if !stats.DeferredUntil.IsZero() {
		attrs = append(attrs, slog.Time("deferred_until", stats.DeferredUntil))
	}
	if stats.Aborted {
		attrs = append(attrs, slog.String("abort_reason", stats.AbortReason))
		l.Warn("run_aborted", attrs...)
		return
	}
	l.Info("run_completed", attrs...)
}

// LogError logs an error with context
func (l *Logger) LogError(msg string, err error, args ...any) {
	allArgs := append([]any{slog.String("error", err.Error())}, args...)
	l.Error(msg, allArgs...)
}
