package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mescon/Pollarr/internal/logger"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Poll error policies.
const (
	PolicyContinue = "continue"
	PolicyHalt     = "halt"
)

// Config holds all application configuration loaded from environment variables.
// Every field has a default when its variable is unset.
type Config struct {
	// Port is the HTTP server listen port (default: 3095)
	Port string

	// LogLevel is one of debug, info, warn, error (default: info)
	LogLevel string

	// DataDir holds the database, logs and backups (default: ./data)
	DataDir string

	// DatabasePath is the SQLite database file (default: <DataDir>/pollarr.db)
	DatabasePath string

	// LogDir is the directory for rotated log files (default: <DataDir>/logs)
	LogDir string

	// ServicesFile is the YAML file listing the services registered at startup.
	// Empty means start with no services.
	ServicesFile string

	// PollErrorPolicy is "continue" (log and keep polling) or "halt" (stop the
	// reactor on the first poll failure).
	PollErrorPolicy string

	// FailureThreshold is the number of consecutive failed polls after which a
	// service is reported degraded (default: 3)
	FailureThreshold int

	// NotificationURLs are shoutrrr URLs that receive degraded/recovered alerts.
	NotificationURLs []string

	// NotifyThrottle is the minimum gap between two alerts for one service (default: 5m)
	NotifyThrottle time.Duration

	// APIKey, when set, replaces the stored API key hash on startup.
	APIKey string

	// RetentionDays is how long poll events are kept (default: 30, 0 disables pruning)
	RetentionDays int

	// MaintenanceInterval is the poll interval of the built-in maintenance service (default: 1h)
	MaintenanceInterval time.Duration

	// BackupSchedule is a cron expression for database backups; empty disables them.
	BackupSchedule string

	// BackupKeep is the number of backups retained (default: 5)
	BackupKeep int

	// OTLPEndpoint enables trace export over OTLP/HTTP when set (host:port).
	OTLPEndpoint string
}

var cfg *Config

// Load reads configuration from POLLARR_* environment variables.
// Should be called once at startup, before ApplyFlags.
func Load() *Config {
	dataDir := getEnvOrDefault("POLLARR_DATA_DIR", "./data")
	if abs, err := filepath.Abs(dataDir); err == nil {
		dataDir = abs
	}

	dbPath := getEnvOrDefault("POLLARR_DATABASE_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "pollarr.db")
	}

	cfg = &Config{
		Port:                getEnvOrDefault("POLLARR_PORT", "3095"),
		LogLevel:            strings.ToLower(getEnvOrDefault("POLLARR_LOG_LEVEL", "info")),
		DataDir:             dataDir,
		DatabasePath:        dbPath,
		LogDir:              getEnvOrDefault("POLLARR_LOG_DIR", filepath.Join(dataDir, "logs")),
		ServicesFile:        getEnvOrDefault("POLLARR_SERVICES_FILE", ""),
		PollErrorPolicy:     strings.ToLower(getEnvOrDefault("POLLARR_POLL_ERROR_POLICY", PolicyContinue)),
		FailureThreshold:    getEnvIntOrDefault("POLLARR_FAILURE_THRESHOLD", 3),
		NotificationURLs:    getEnvListOrDefault("POLLARR_NOTIFY_URLS", nil),
		NotifyThrottle:      getEnvDurationOrDefault("POLLARR_NOTIFY_THROTTLE", 5*time.Minute),
		APIKey:              os.Getenv("POLLARR_API_KEY"),
		RetentionDays:       getEnvIntOrDefault("POLLARR_RETENTION_DAYS", 30),
		MaintenanceInterval: getEnvDurationOrDefault("POLLARR_MAINTENANCE_INTERVAL", time.Hour),
		BackupSchedule:      getEnvOrDefault("POLLARR_BACKUP_SCHEDULE", "0 3 * * *"),
		BackupKeep:          getEnvIntOrDefault("POLLARR_BACKUP_KEEP", 5),
		OTLPEndpoint:        getEnvOrDefault("POLLARR_OTLP_ENDPOINT", ""),
	}
	return cfg
}

// Validate checks the scalar settings. Service definitions are checked by
// ValidateServices.
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	switch c.PollErrorPolicy {
	case PolicyContinue, PolicyHalt:
	default:
		return fmt.Errorf("invalid poll error policy %q (want %s or %s)", c.PollErrorPolicy, PolicyContinue, PolicyHalt)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention days cannot be negative, got %d", c.RetentionDays)
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance interval must be positive, got %s", c.MaintenanceInterval)
	}
	return nil
}

// HaltOnPollError reports whether the reactor should stop on a poll failure.
func (c *Config) HaltOnPollError() bool {
	return c.PollErrorPolicy == PolicyHalt
}

// BackupDir is where scheduled backups are written.
func (c *Config) BackupDir() string {
	return filepath.Join(filepath.Dir(c.DatabasePath), "backups")
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting replaces the global config. Test code only.
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:                "8080",
		LogLevel:            "debug",
		DataDir:             "/tmp/pollarr-test",
		DatabasePath:        "/tmp/pollarr-test/pollarr.db",
		LogDir:              "/tmp/pollarr-test/logs",
		PollErrorPolicy:     PolicyContinue,
		FailureThreshold:    3,
		NotifyThrottle:      5 * time.Minute,
		RetentionDays:       30,
		MaintenanceInterval: time.Hour,
		BackupKeep:          5,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault accepts Go duration strings like "30s" or "72h".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvListOrDefault splits a comma-separated value, dropping empty items.
func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// FlagOverrides holds command-line flag values that override the environment.
type FlagOverrides struct {
	Port            *string
	LogLevel        *string
	DataDir         *string
	DatabasePath    *string
	ServicesFile    *string
	PollErrorPolicy *string
	RetentionDays   *int
	OTLPEndpoint    *string
}

// ApplyFlags applies non-empty flag values on top of the loaded config.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.Port != nil && *flags.Port != "" {
		cfg.Port = *flags.Port
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		cfg.DataDir = *flags.DataDir
		// Paths derived from the data dir follow it unless set explicitly.
		if flags.DatabasePath == nil || *flags.DatabasePath == "" {
			cfg.DatabasePath = filepath.Join(cfg.DataDir, "pollarr.db")
		}
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.ServicesFile != nil && *flags.ServicesFile != "" {
		cfg.ServicesFile = *flags.ServicesFile
	}
	if flags.PollErrorPolicy != nil && *flags.PollErrorPolicy != "" {
		cfg.PollErrorPolicy = strings.ToLower(*flags.PollErrorPolicy)
	}
	if flags.RetentionDays != nil && *flags.RetentionDays >= 0 {
		cfg.RetentionDays = *flags.RetentionDays
	}
	if flags.OTLPEndpoint != nil && *flags.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = *flags.OTLPEndpoint
	}
}
