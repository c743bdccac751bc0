package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KEYMINT_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "data/keymint.db", cfg.Database.Path)
	assert.Equal(t, time.Minute, cfg.Security.RateLimit.Window)
	assert.Equal(t, 60, cfg.Security.RateLimit.ValidatePerIP)
	assert.Equal(t, 10, cfg.Security.RateLimit.ActivatePerIP)
	assert.Equal(t, 5, cfg.Security.RateLimit.BatchPerIP)
	assert.Equal(t, 3, cfg.Licensing.DefaultMaxActivations)
	assert.Equal(t, 30*time.Second, cfg.Webhooks.ProcessTimeout)
	assert.Equal(t, 90*24*time.Hour, cfg.Webhooks.MarkerRetention)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("KEYMINT_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("KEYMINT_SERVER_PORT", "9090")
	t.Setenv("KEYMINT_SECURITY_RATE_LIMIT_ACTIVATE_PER_IP", "25")
	t.Setenv("KEYMINT_WEBHOOKS_STRIPE_ENDPOINT_SECRET", "whsec_test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 25, cfg.Security.RateLimit.ActivatePerIP)
	assert.Equal(t, "whsec_test", cfg.Webhooks.Stripe.EndpointSecret)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 7070
database:
  path: /tmp/test.db
security:
  rate_limit:
    validate_per_ip: 120
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	t.Setenv("KEYMINT_CONFIG_FILE", configPath)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 120, cfg.Security.RateLimit.ValidatePerIP)
	// untouched values still get defaults
	assert.Equal(t, 10, cfg.Security.RateLimit.ActivatePerIP)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Server.Port = -1

	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")
}

func TestValidateRejectsZeroWindow(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Security.RateLimit.Window = 0

	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window")
}
