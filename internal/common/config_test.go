package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./content", cfg.Content.Dir)
	assert.Equal(t, 60*time.Second, cfg.Registry.CheckinIntervalDuration())
	assert.Equal(t, 30*time.Second, cfg.Registry.SweepIntervalDuration())
	assert.Equal(t, 5*time.Second, cfg.Dispatcher.PollIntervalDuration())
	assert.Equal(t, 5, cfg.Auth.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Auth.LockoutWindowDuration())
	assert.Equal(t, 12*time.Hour, cfg.Auth.SessionTTLDuration())
	assert.Equal(t, []string{"local"}, cfg.Registry.LocalWorkerTags)
}

func TestLoadFromFilesLaterFileWins(t *testing.T) {
	base := writeConfig(t, "base.toml", `
[server]
port = 9000

[registry]
registration_token = "base-token"
`)
	override := writeConfig(t, "override.toml", `
[server]
port = 9100
`)

	cfg, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "base-token", cfg.Registry.RegistrationToken)
	// untouched sections keep their defaults
	assert.Equal(t, "./data/simpleweb", cfg.Storage.Badger.Path)
}

func TestLoadFromFilesBadTOML(t *testing.T) {
	path := writeConfig(t, "broken.toml", `[server`)
	_, err := LoadFromFiles(path)
	require.Error(t, err)
}

func TestEnvOverridesWinOverFiles(t *testing.T) {
	path := writeConfig(t, "env.toml", `
[server]
port = 9000
`)
	t.Setenv("SIMPLEWEB_SERVER_PORT", "9200")
	t.Setenv("SIMPLEWEB_REGISTRATION_TOKEN", "env-token")

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "env-token", cfg.Registry.RegistrationToken)
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := NewDefaultConfig()

	ApplyFlagOverrides(cfg, 0, "")
	assert.Equal(t, 8080, cfg.Server.Port)

	ApplyFlagOverrides(cfg, 9300, "127.0.0.1")
	assert.Equal(t, 9300, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestValidateRequiresRegistrationToken(t *testing.T) {
	cfg := NewDefaultConfig()
	require.Error(t, cfg.Validate())

	cfg.Registry.RegistrationToken = "secret"
	require.NoError(t, cfg.Validate())
}

func TestValidateCrossFieldRules(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Registry.RegistrationToken = "secret"

	cfg.Registry.CheckinInterval = "5s"
	require.Error(t, cfg.Validate(), "checkin interval below 10s")

	cfg.Registry.CheckinInterval = "60s"
	cfg.Registry.SweepInterval = "45s"
	require.Error(t, cfg.Validate(), "sweep above half the checkin interval")

	cfg.Registry.SweepInterval = "30s"
	require.NoError(t, cfg.Validate())
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, time.Minute, ParseDurationOr("", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("nonsense", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("-5s", time.Minute))
	assert.Equal(t, 90*time.Second, ParseDurationOr("90s", time.Minute))
}
