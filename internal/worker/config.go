package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
)

// Config is the worker's runtime configuration. Environment variables
// take priority over the optional YAML file; a bad value is fatal.
type Config struct {
	Name              string   `yaml:"name"`
	ServerURL         string   `yaml:"server_url" validate:"required,url"`
	RegistrationToken string   `yaml:"registration_token" validate:"required"`
	Tags              []string `yaml:"tags"`

	CheckinInterval      string `yaml:"checkin_interval"`       // >= 10s
	SyncInterval         string `yaml:"sync_interval"`          // manifest comparison cadence
	PollInterval         string `yaml:"poll_interval"`          // job poll cadence
	RevisionPollInterval string `yaml:"revision_poll_interval"` // fallback when the socket is down

	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs" validate:"min=1"`
	ContentDir        string `yaml:"content_dir" validate:"required"`
	LogsDir           string `yaml:"logs_dir" validate:"required"`

	// SSLVerify is "true", "false" or a path to a CA bundle
	SSLVerify string `yaml:"ssl_verify"`

	Logging common.LoggingConfig `yaml:"logging"`
}

// NewDefaultConfig returns the baseline worker configuration
func NewDefaultConfig() *Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "worker"
	}

	return &Config{
		Name:                 name,
		CheckinInterval:      "60s",
		SyncInterval:         "5m",
		PollInterval:         "5s",
		RevisionPollInterval: "60s",
		MaxConcurrentJobs:    1,
		ContentDir:           "./worker-content",
		LogsDir:              "./worker-logs",
		SSLVerify:            "true",
		Logging: common.LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadConfig loads the worker configuration: defaults, then the optional
// YAML file, then environment variables.
func LoadConfig(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies the worker environment contract to config
func applyEnvOverrides(config *Config) {
	if name := os.Getenv("WORKER_NAME"); name != "" {
		config.Name = name
	}
	if url := os.Getenv("SERVER_URL"); url != "" {
		config.ServerURL = url
	}
	if token := os.Getenv("REGISTRATION_TOKEN"); token != "" {
		config.RegistrationToken = token
	}
	if tags := os.Getenv("WORKER_TAGS"); tags != "" {
		config.Tags = splitTags(tags)
	}

	if v := os.Getenv("CHECKIN_INTERVAL"); v != "" {
		config.CheckinInterval = v
	}
	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		config.SyncInterval = v
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		config.PollInterval = v
	}

	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.MaxConcurrentJobs = n
		}
	}

	if dir := os.Getenv("CONTENT_DIR"); dir != "" {
		config.ContentDir = dir
	}
	if dir := os.Getenv("LOGS_DIR"); dir != "" {
		config.LogsDir = dir
	}
	if v := os.Getenv("SSL_VERIFY"); v != "" {
		config.SSLVerify = v
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// splitTags parses the comma-separated WORKER_TAGS value
func splitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Validate checks the configuration against its struct tags plus the
// interval floors the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid worker configuration: %w", err)
	}

	if c.CheckinIntervalDuration() < 10*time.Second {
		return fmt.Errorf("checkin_interval must be at least 10s, got %s", c.CheckinIntervalDuration())
	}

	// Intervals must parse as durations when set; silent fallbacks here
	// would hide an operator typo.
	for name, v := range map[string]string{
		"checkin_interval":       c.CheckinInterval,
		"sync_interval":          c.SyncInterval,
		"poll_interval":          c.PollInterval,
		"revision_poll_interval": c.RevisionPollInterval,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}

	switch c.SSLVerify {
	case "", "true", "false":
	default:
		if _, err := os.Stat(c.SSLVerify); err != nil {
			return fmt.Errorf("ssl_verify CA bundle %s: %w", c.SSLVerify, err)
		}
	}

	return nil
}

// CheckinIntervalDuration parses the check-in cadence with a 60s fallback
func (c *Config) CheckinIntervalDuration() time.Duration {
	return common.ParseDurationOr(c.CheckinInterval, 60*time.Second)
}

// SyncIntervalDuration parses the periodic sync-check cadence
func (c *Config) SyncIntervalDuration() time.Duration {
	return common.ParseDurationOr(c.SyncInterval, 5*time.Minute)
}

// PollIntervalDuration parses the job poll cadence
func (c *Config) PollIntervalDuration() time.Duration {
	return common.ParseDurationOr(c.PollInterval, 5*time.Second)
}

// RevisionPollIntervalDuration parses the notify-fallback poll cadence
func (c *Config) RevisionPollIntervalDuration() time.Duration {
	return common.ParseDurationOr(c.RevisionPollInterval, 60*time.Second)
}
