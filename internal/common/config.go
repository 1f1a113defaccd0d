package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the primary coordinator configuration
type Config struct {
	Environment string            `toml:"environment"`
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Content     ContentConfig     `toml:"content"`
	Logs        LogStoreConfig    `toml:"logs"`
	Registry    RegistryConfig    `toml:"registry"`
	Dispatcher  DispatcherConfig  `toml:"dispatcher"`
	Auth        AuthConfig        `toml:"auth"`
	Completion  CompletionConfig  `toml:"completion"`
	WebSocket   WebSocketConfig   `toml:"websocket"`
	Logging     LoggingConfig     `toml:"logging"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// ContentConfig locates the authoritative playbook bundle
type ContentConfig struct {
	Dir string `toml:"dir" validate:"required"`
}

// LogStoreConfig locates partial and final job logs
type LogStoreConfig struct {
	Dir string `toml:"dir" validate:"required"`
}

// RegistryConfig drives worker registration and staleness
type RegistryConfig struct {
	RegistrationToken string   `toml:"registration_token" validate:"required"`
	CheckinInterval   string   `toml:"checkin_interval"` // e.g. "60s"
	SweepInterval     string   `toml:"sweep_interval"`   // <= checkin_interval/2
	LocalWorkerTags   []string `toml:"local_worker_tags"`
}

// DispatcherConfig drives the assignment loop
type DispatcherConfig struct {
	PollInterval string `toml:"poll_interval"` // safety-net scan cadence
}

// AuthConfig drives sessions and the login lockout tracker
type AuthConfig struct {
	MaxAttempts   int    `toml:"max_attempts" validate:"min=1"`
	LockoutWindow string `toml:"lockout_window"` // e.g. "15m"
	SessionTTL    string `toml:"session_ttl"`
	AdminPassword string `toml:"admin_password"` // seeds the admin user on first start
}

// CompletionConfig names the external collaborators notified on completion
type CompletionConfig struct {
	CMDBURL        string `toml:"cmdb_url"`
	WebhookURL     string `toml:"webhook_url"`
	WebhookTimeout string `toml:"webhook_timeout"`
}

// WebSocketConfig contains configuration for WebSocket log streaming
type WebSocketConfig struct {
	MinLevel         string   `toml:"min_level"`
	ExcludePatterns  []string `toml:"exclude_patterns"`
	ThrottleInterval string   `toml:"throttle_interval"` // per-event-type broadcast floor
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// MaintenanceConfig drives the cron housekeeping schedules
type MaintenanceConfig struct {
	CleanupSchedule    string `toml:"cleanup_schedule"` // cron expression
	JobMaxAgeDays      int    `toml:"job_max_age_days"`
	JobKeepCount       int    `toml:"job_keep_count"`
	AuditRetentionDays int    `toml:"audit_retention_days"`
}

// NewDefaultConfig returns the baseline configuration
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/simpleweb",
				ResetOnStartup: false,
			},
		},
		Content: ContentConfig{
			Dir: "./content",
		},
		Logs: LogStoreConfig{
			Dir: "./joblogs",
		},
		Registry: RegistryConfig{
			RegistrationToken: "",
			CheckinInterval:   "60s",
			SweepInterval:     "30s",
			LocalWorkerTags:   []string{"local"},
		},
		Dispatcher: DispatcherConfig{
			PollInterval: "5s",
		},
		Auth: AuthConfig{
			MaxAttempts:   5,
			LockoutWindow: "15m",
			SessionTTL:    "12h",
		},
		Completion: CompletionConfig{
			WebhookTimeout: "5s",
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"Failed to send broadcast",
				"HTTP request",
				"HTTP response",
				"Publishing event",
			},
			ThrottleInterval: "500ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Maintenance: MaintenanceConfig{
			CleanupSchedule:    "0 3 * * *",
			JobMaxAgeDays:      30,
			JobKeepCount:       200,
			AuditRetentionDays: 90,
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> files -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies SIMPLEWEB_* environment variables to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SIMPLEWEB_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("SIMPLEWEB_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SIMPLEWEB_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("SIMPLEWEB_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if dir := os.Getenv("SIMPLEWEB_CONTENT_DIR"); dir != "" {
		config.Content.Dir = dir
	}
	if dir := os.Getenv("SIMPLEWEB_LOGS_DIR"); dir != "" {
		config.Logs.Dir = dir
	}

	if token := os.Getenv("SIMPLEWEB_REGISTRATION_TOKEN"); token != "" {
		config.Registry.RegistrationToken = token
	}
	if interval := os.Getenv("SIMPLEWEB_CHECKIN_INTERVAL"); interval != "" {
		config.Registry.CheckinInterval = interval
	}

	if pw := os.Getenv("SIMPLEWEB_ADMIN_PASSWORD"); pw != "" {
		config.Auth.AdminPassword = pw
	}
	if url := os.Getenv("SIMPLEWEB_CMDB_URL"); url != "" {
		config.Completion.CMDBURL = url
	}
	if url := os.Getenv("SIMPLEWEB_WEBHOOK_URL"); url != "" {
		config.Completion.WebhookURL = url
	}

	if level := os.Getenv("SIMPLEWEB_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies CLI flag values over the loaded config.
// Zero values leave the config untouched.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	checkin := c.Registry.CheckinIntervalDuration()
	if checkin < 10*time.Second {
		return fmt.Errorf("registry.checkin_interval must be at least 10s, got %s", checkin)
	}
	if sweep := c.Registry.SweepIntervalDuration(); sweep > checkin/2 {
		return fmt.Errorf("registry.sweep_interval %s exceeds half the checkin interval %s", sweep, checkin)
	}
	return nil
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// CheckinIntervalDuration parses the check-in interval with a 60s fallback
func (r *RegistryConfig) CheckinIntervalDuration() time.Duration {
	return ParseDurationOr(r.CheckinInterval, 60*time.Second)
}

// SweepIntervalDuration parses the sweep interval, defaulting to half the
// check-in interval.
func (r *RegistryConfig) SweepIntervalDuration() time.Duration {
	return ParseDurationOr(r.SweepInterval, r.CheckinIntervalDuration()/2)
}

// PollIntervalDuration parses the dispatcher safety-net cadence
func (d *DispatcherConfig) PollIntervalDuration() time.Duration {
	return ParseDurationOr(d.PollInterval, 5*time.Second)
}

// LockoutWindowDuration parses the login lockout window
func (a *AuthConfig) LockoutWindowDuration() time.Duration {
	return ParseDurationOr(a.LockoutWindow, 15*time.Minute)
}

// SessionTTLDuration parses the session lifetime
func (a *AuthConfig) SessionTTLDuration() time.Duration {
	return ParseDurationOr(a.SessionTTL, 12*time.Hour)
}

// WebhookTimeoutDuration parses the log-review webhook deadline
func (c *CompletionConfig) WebhookTimeoutDuration() time.Duration {
	return ParseDurationOr(c.WebhookTimeout, 5*time.Second)
}

// ThrottleIntervalDuration parses the websocket broadcast floor
func (w *WebSocketConfig) ThrottleIntervalDuration() time.Duration {
	return ParseDurationOr(w.ThrottleInterval, 500*time.Millisecond)
}

// ParseDurationOr parses s, returning def on empty or invalid input
func ParseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
