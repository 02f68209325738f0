package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "ORDER_NOTIFIER"

type Config struct {
	// Local state store
	DBPath    string        `json:"db_path"`
	DBTimeout time.Duration `json:"db_timeout"`
	Store     StoreConfig   `json:"store"`

	// WooCommerce
	WooCommerce WooCommerceConfig `json:"woocommerce"`

	// Messaging API
	WATI WATIConfig `json:"wati"`

	Tracking TrackingConfig `json:"tracking"`

	// Send window
	SendWindow SendWindowConfig `json:"send_window"`

	Pacing PacingConfig `json:"pacing"`

	// Daemon mode
	Admin        AdminConfig `json:"admin"`
	AMQP         AMQPConfig  `json:"amqp"`
	SettingsFile string      `json:"settings_file"`
	CleanupAt    string      `json:"cleanup_at"`

	// Cleanup
	AutoVacuum bool `json:"auto_vacuum"`

	// Operational
	DryRun    bool   `json:"dry_run"`
	Verbose   bool   `json:"verbose"`
	LogFormat string `json:"log_format"`
	Stats     bool   `json:"stats"`

	Daemon           bool   `json:"-"`
	CheckConnections bool   `json:"-"`
	InitDB           bool   `json:"-"`
	StatsOnly        bool   `json:"-"`
	Cleanup          bool   `json:"-"`
	Test             bool   `json:"-"`
	EmergencyStop    bool   `json:"-"`
	EmergencyClear   bool   `json:"-"`
	Activate         bool   `json:"-"`
	Deactivate       bool   `json:"-"`
	ResetOrders      string `json:"-"`
	ImportSettings   string `json:"-"`
	ShowVersion      bool   `json:"-"`
}

type StoreConfig struct {
	Backend string      `json:"backend"` // sqlite, redis or memory
	Redis   RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Namespace string `json:"namespace"`
}

type WooCommerceConfig struct {
	DSN         string        `json:"dsn"`          // Database connection string
	Timeout     time.Duration `json:"timeout"`      // Connection timeout
	TablePrefix string        `json:"table_prefix"` // WordPress table prefix
}

type WATIConfig struct {
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
}

type TrackingConfig struct {
	MetaKey string `json:"meta_key"`
	URL     string `json:"url"`
}

type SendWindowConfig struct {
	Enabled      bool           `json:"enabled"`
	StartHour    int            `json:"start_hour"`
	EndHour      int            `json:"end_hour"`
	Timezone     string         `json:"timezone"`
	WorkDays     []time.Weekday `json:"work_days"`
	HolidaysFile string         `json:"holidays_file"`
}

type PacingConfig struct {
	BatchSize    int           `json:"batch_size"`
	EntityDelay  time.Duration `json:"entity_delay"`
	MinSendDelay time.Duration `json:"min_send_delay"`
	MaxSendDelay time.Duration `json:"max_send_delay"`
}

type AdminConfig struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`
}

type AMQPConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

func ParseFlags() *Config {
	return parse(flag.CommandLine, os.Args[1:])
}

func parse(fset *flag.FlagSet, args []string) *Config {
	cfg := &Config{}

	// Config file flag
	configFile := fset.String("config-file", "", "Path to JSON, YAML or TOML configuration file")
	envFile := fset.String("env-file", ".env", "Path to .env file (ignored when missing)")

	// Local store flags
	fset.StringVar(&cfg.DBPath, "db-path", "./order-notifier.db", "Path to SQLite database")
	fset.DurationVar(&cfg.DBTimeout, "db-timeout", 5*time.Second, "SQLite busy timeout")
	fset.StringVar(&cfg.Store.Backend, "store", "sqlite", "State store backend (sqlite, redis or memory)")
	fset.StringVar(&cfg.Store.Redis.Addr, "redis-addr", "localhost:6379", "Redis address")
	fset.IntVar(&cfg.Store.Redis.DB, "redis-db", 0, "Redis database number")
	fset.StringVar(&cfg.Store.Redis.Namespace, "redis-namespace", "order-notifier:", "Redis key prefix")

	// WooCommerce flags
	fset.StringVar(&cfg.WooCommerce.DSN, "woocommerce-dsn", "user:password@tcp(localhost:3306)/wordpress?parseTime=true&timeout=30s", "WooCommerce database DSN (required)")
	fset.DurationVar(&cfg.WooCommerce.Timeout, "woocommerce-timeout", 30*time.Second, "WooCommerce connection timeout")
	fset.StringVar(&cfg.WooCommerce.TablePrefix, "table-prefix", "wp_", "WordPress table prefix")

	// Messaging API flags
	fset.DurationVar(&cfg.WATI.Timeout, "wati-timeout", 30*time.Second, "Messaging API request timeout")
	fset.IntVar(&cfg.WATI.RetryAttempts, "wati-retry-attempts", 3, "Template listing retry attempts")

	fset.StringVar(&cfg.Tracking.MetaKey, "tracking-meta-key", "smsa_awb_no", "Order meta key holding the tracking number")
	fset.StringVar(&cfg.Tracking.URL, "tracking-url", "https://www.smsaexpress.com/sa/ar/trackingdetails?tracknumbers=", "Tracking URL prefix")

	// Send window flags
	fset.BoolVar(&cfg.SendWindow.Enabled, "send-window-enabled", false, "Only send inside the configured window")
	fset.IntVar(&cfg.SendWindow.StartHour, "send-window-start", 9, "Send window start (0-23)")
	fset.IntVar(&cfg.SendWindow.EndHour, "send-window-end", 22, "Send window end (0-23)")
	fset.StringVar(&cfg.SendWindow.Timezone, "send-window-timezone", "Asia/Riyadh", "Send window timezone")
	workDaysStr := fset.String("send-window-days", "1,2,3,4,5,6,7", "Send days (1=Mon, 7=Sun)")
	fset.StringVar(&cfg.SendWindow.HolidaysFile, "holidays-file", "", "Path to holidays JSON file")

	// Pacing flags
	fset.IntVar(&cfg.Pacing.BatchSize, "batch-size", 50, "Entities per batch chunk")
	fset.DurationVar(&cfg.Pacing.EntityDelay, "entity-delay", 100*time.Millisecond, "Delay between entities in a batch")
	fset.DurationVar(&cfg.Pacing.MinSendDelay, "min-send-delay", 5*time.Second, "Minimum delay between sends")
	fset.DurationVar(&cfg.Pacing.MaxSendDelay, "max-send-delay", 10*time.Second, "Maximum delay between sends")

	// Daemon flags
	fset.BoolVar(&cfg.Daemon, "daemon", false, "Run the scheduler, admin API and event consumer")
	fset.StringVar(&cfg.Admin.Addr, "admin-addr", ":8080", "Admin API listen address (empty disables)")
	fset.StringVar(&cfg.AMQP.URL, "amqp-url", "", "AMQP URL for order events (empty disables)")
	fset.StringVar(&cfg.AMQP.Queue, "amqp-queue", "order-events", "AMQP queue for order events")
	fset.StringVar(&cfg.SettingsFile, "settings-file", "", "Settings file to import and watch in daemon mode")
	fset.StringVar(&cfg.CleanupAt, "cleanup-at", "03:00", "Daily cleanup time (HH:MM)")

	// Cleanup flags
	fset.BoolVar(&cfg.AutoVacuum, "auto-vacuum", false, "Automatically vacuum database after cleanup")

	// Operational flags
	fset.BoolVar(&cfg.DryRun, "dry-run", false, "Evaluate without sending (report only)")
	fset.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose logging")
	fset.StringVar(&cfg.LogFormat, "log-format", "text", "Log format (text or json)")
	fset.BoolVar(&cfg.Stats, "stats", false, "Print statistics at end")
	fset.BoolVar(&cfg.CheckConnections, "check-connections", false, "Test connections and exit")
	fset.BoolVar(&cfg.InitDB, "init-db", false, "Initialize database and exit")
	fset.BoolVar(&cfg.StatsOnly, "stats-only", false, "Print statistics and exit")
	fset.BoolVar(&cfg.Cleanup, "cleanup", false, "Run daily maintenance and exit")
	fset.BoolVar(&cfg.Test, "test", false, "Print the evaluator report without sending and exit")
	fset.BoolVar(&cfg.EmergencyStop, "emergency-stop", false, "Activate the emergency stop and exit")
	fset.BoolVar(&cfg.EmergencyClear, "emergency-clear", false, "Clear the emergency stop and exit")
	fset.BoolVar(&cfg.Activate, "activate", false, "Mark the integration active and exit")
	fset.BoolVar(&cfg.Deactivate, "deactivate", false, "Mark the integration inactive and exit")
	fset.StringVar(&cfg.ResetOrders, "reset-orders", "", "Comma separated order ids whose order flags are cleared")
	fset.StringVar(&cfg.ImportSettings, "import-settings", "", "Import notification settings from file and exit")
	fset.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")

	fset.Parse(args)

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", *envFile, err)
	}

	// Load config file if specified
	if *configFile != "" {
		if err := cfg.LoadFromFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file: %v\n", err)
			os.Exit(1)
		}
	}

	cfg.applyEnv()

	// Parse work days
	if len(cfg.SendWindow.WorkDays) == 0 {
		cfg.SendWindow.WorkDays = parseWorkDays(*workDaysStr)
	}

	return cfg
}

// LoadFromFile reads a JSON, YAML or TOML file; keys follow the json tags.
func (c *Config) LoadFromFile(filename string) error {
	v := viper.New()
	v.SetConfigFile(filename)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(c, viper.DecoderConfigOption(func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	})); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (c *Config) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnv lets secrets come from ORDER_NOTIFIER_* variables (or .env).
func (c *Config) applyEnv() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if s := v.GetString("woocommerce_dsn"); s != "" {
		c.WooCommerce.DSN = s
	}
	if s := v.GetString("redis_addr"); s != "" {
		c.Store.Redis.Addr = s
	}
	if s := v.GetString("redis_password"); s != "" {
		c.Store.Redis.Password = s
	}
	if s := v.GetString("admin_token"); s != "" {
		c.Admin.Token = s
	}
	if s := v.GetString("amqp_url"); s != "" {
		c.AMQP.URL = s
	}
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("--store must be sqlite, redis or memory")
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("--redis-addr is required for the redis store")
	}

	if c.needsWooCommerce() {
		if c.WooCommerce.DSN == "" {
			return fmt.Errorf("--woocommerce-dsn is required")
		}
		if err := c.validateDSN(); err != nil {
			return fmt.Errorf("invalid DSN: %w", err)
		}
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("--log-format must be text or json")
	}

	// Validate send window
	if c.SendWindow.StartHour < 0 || c.SendWindow.StartHour > 23 {
		return fmt.Errorf("--send-window-start must be 0-23")
	}
	if c.SendWindow.EndHour < 0 || c.SendWindow.EndHour > 23 {
		return fmt.Errorf("--send-window-end must be 0-23")
	}
	if c.SendWindow.Enabled && c.SendWindow.StartHour >= c.SendWindow.EndHour {
		return fmt.Errorf("--send-window-start must be before --send-window-end")
	}

	if c.Pacing.MinSendDelay > c.Pacing.MaxSendDelay {
		return fmt.Errorf("--min-send-delay must not exceed --max-send-delay")
	}

	if c.Daemon && c.Admin.Addr != "" && c.Admin.Token == "" {
		return fmt.Errorf("admin token is required when the admin API is enabled (set %s_ADMIN_TOKEN)", EnvPrefix)
	}

	if _, err := c.ResetOrderIDs(); err != nil {
		return err
	}
	if _, _, err := c.CleanupTime(); err != nil {
		return err
	}

	return nil
}

func (c *Config) needsWooCommerce() bool {
	return !(c.InitDB || c.StatsOnly || c.Cleanup || c.EmergencyStop || c.EmergencyClear ||
		c.Activate || c.Deactivate || c.ResetOrders != "" || c.ImportSettings != "")
}

// validateDSN performs basic validation on the MySQL DSN format
func (c *Config) validateDSN() error {
	dsn := c.WooCommerce.DSN

	// Basic format check: should contain @ and /
	if !strings.Contains(dsn, "@") || !strings.Contains(dsn, "/") {
		return fmt.Errorf("DSN must be in format 'user:password@tcp(host:port)/database?options'")
	}

	if strings.HasPrefix(dsn, "tcp://") {
		return fmt.Errorf("DSN should not include 'tcp://' scheme, use format: 'user:password@tcp(host:port)/database'")
	}

	return nil
}

// ResetOrderIDs parses --reset-orders.
func (c *Config) ResetOrderIDs() ([]int64, error) {
	if strings.TrimSpace(c.ResetOrders) == "" {
		return nil, nil
	}
	parts := strings.Split(c.ResetOrders, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("--reset-orders: invalid order id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CleanupTime parses --cleanup-at as hour and minute.
func (c *Config) CleanupTime() (int, int, error) {
	if c.CleanupAt == "" {
		return 3, 0, nil
	}
	t, err := time.Parse("15:04", c.CleanupAt)
	if err != nil {
		return 0, 0, fmt.Errorf("--cleanup-at must be HH:MM")
	}
	return t.Hour(), t.Minute(), nil
}

// GetDSNInfo returns parsed information from the DSN for display purposes
func (c *Config) GetDSNInfo() map[string]string {
	info := make(map[string]string)
	dsn := c.WooCommerce.DSN

	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return info
	}
	if user, _, _ := strings.Cut(dsn[:at], ":"); user != "" {
		info["user"] = user
	}

	remaining := dsn[at+1:]
	if strings.HasPrefix(remaining, "tcp(") {
		end := strings.Index(remaining, ")")
		if end > 4 {
			hostPort := remaining[4:end]
			info["host_port"] = hostPort
			if host, port, ok := strings.Cut(hostPort, ":"); ok {
				info["host"] = host
				info["port"] = port
			}
			remaining = remaining[end+1:]
		}
	}
	if db, ok := strings.CutPrefix(remaining, "/"); ok {
		db, _, _ = strings.Cut(db, "?")
		info["database"] = db
	}

	return info
}

func parseWorkDays(s string) []time.Weekday {
	parts := strings.Split(s, ",")
	days := make([]time.Weekday, 0, len(parts))

	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 1 || n > 7 {
			continue
		}
		days = append(days, time.Weekday(n%7))
	}

	return days
}
