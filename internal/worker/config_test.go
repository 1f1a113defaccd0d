package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Name = "test-worker"
	cfg.ServerURL = "http://primary:8080"
	cfg.RegistrationToken = "secret"
	return cfg
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_NAME", "env-worker")
	t.Setenv("SERVER_URL", "https://primary.example.com")
	t.Setenv("REGISTRATION_TOKEN", "env-token")
	t.Setenv("WORKER_TAGS", "linux, web ,db")
	t.Setenv("CHECKIN_INTERVAL", "30s")
	t.Setenv("MAX_CONCURRENT_JOBS", "4")
	t.Setenv("CONTENT_DIR", "/var/lib/simpleweb/content")
	t.Setenv("LOGS_DIR", "/var/log/simpleweb")
	t.Setenv("SSL_VERIFY", "false")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "env-worker", cfg.Name)
	assert.Equal(t, "https://primary.example.com", cfg.ServerURL)
	assert.Equal(t, "env-token", cfg.RegistrationToken)
	assert.Equal(t, []string{"linux", "web", "db"}, cfg.Tags)
	assert.Equal(t, 30*time.Second, cfg.CheckinIntervalDuration())
	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, "/var/lib/simpleweb/content", cfg.ContentDir)
	assert.Equal(t, "/var/log/simpleweb", cfg.LogsDir)
	assert.Equal(t, "false", cfg.SSLVerify)
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("SERVER_URL", "")
	t.Setenv("REGISTRATION_TOKEN", "")

	path := filepath.Join(t.TempDir(), "worker.yaml")
	content := `name: file-worker
server_url: http://primary:8080
registration_token: file-token
tags:
  - web
max_concurrent_jobs: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "file-worker", cfg.Name)
	assert.Equal(t, "file-token", cfg.RegistrationToken)
	assert.Equal(t, []string{"web"}, cfg.Tags)
	assert.Equal(t, 2, cfg.MaxConcurrentJobs)
}

func TestValidateRejectsShortCheckin(t *testing.T) {
	cfg := validConfig()
	cfg.CheckinInterval = "5s"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkin_interval")
}

func TestValidateRejectsMissingServer(t *testing.T) {
	cfg := validConfig()
	cfg.ServerURL = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingToken(t *testing.T) {
	cfg := validConfig()
	cfg.RegistrationToken = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	cfg := validConfig()
	cfg.MaxConcurrentJobs = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadDuration(t *testing.T) {
	cfg := validConfig()
	cfg.SyncInterval = "whenever"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingCABundle(t *testing.T) {
	cfg := validConfig()
	cfg.SSLVerify = "/nonexistent/ca.pem"
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsCABundlePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("pem"), 0o644))

	cfg := validConfig()
	cfg.SSLVerify = path
	assert.NoError(t, cfg.Validate())
}

func TestDurationDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, 60*time.Second, cfg.CheckinIntervalDuration())
	assert.Equal(t, 5*time.Minute, cfg.SyncIntervalDuration())
	assert.Equal(t, 5*time.Second, cfg.PollIntervalDuration())
	assert.Equal(t, 60*time.Second, cfg.RevisionPollIntervalDuration())
}
