package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
database:
  driver: sqlite
  path: relay.db
mail:
  inbound: imap
  outbound: smtp
  imap_user: support@example.com
  imap_password: secret
  smtp_host: smtp.example.com
ticketing:
  base_url: https://tickets.example.com/api
dispatch:
  supplier_channel: email
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "relay.db", cfg.Database.GetDSN())
	assert.Equal(t, "email", cfg.Dispatch.SupplierChannel)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 15*time.Minute, cfg.Dispatch.RetryInterval())
	assert.Equal(t, 15*time.Minute, cfg.Dispatch.SchedulerInterval)
	assert.True(t, cfg.Dispatch.RunAtStartup)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 120 * time.Second}, cfg.Resolver.PollSchedule)
	assert.Equal(t, 4, cfg.Resolver.PollMaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.RetryQueue.RetryDelay)
	assert.Equal(t, 5, cfg.RetryQueue.MaxAttempts)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 5, cfg.LLM.HistoryLimit)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DB_PATH", "override.db")
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("LLM_PROVIDER", "bedrock")

	cfg, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "override.db", cfg.Database.Path)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "bedrock", cfg.LLM.Provider)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unsupported driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"mysql without host", func(c *Config) { c.Database.Driver = "mysql"; c.Database.Host = "" }},
		{"missing imap credentials", func(c *Config) { c.Mail.IMAPPassword = "" }},
		{"gmail without oauth", func(c *Config) { c.Mail.Outbound = "gmail" }},
		{"missing ticketing url", func(c *Config) { c.Ticketing.BaseURL = "" }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "eliza" }},
		{"zero max retries", func(c *Config) { c.Dispatch.MaxRetries = 0 }},
		{"unknown supplier channel", func(c *Config) { c.Dispatch.SupplierChannel = "fax" }},
		{"attachments without endpoint", func(c *Config) { c.Attachments.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, testConfig))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
