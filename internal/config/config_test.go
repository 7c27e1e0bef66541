package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory", cfg.DB.Provider)
	require.Equal(t, 0.1, cfg.Health.Alpha)
	require.Equal(t, 2, cfg.Health.FailureThreshold)
	require.Equal(t, 30*time.Minute, cfg.Cooldown())
	require.Equal(t, 4*time.Hour, cfg.InterventionTTL())
	require.Equal(t, 30*time.Second, cfg.CoalesceDelay())
	require.Equal(t, "log", cfg.Notify.Provider)
	require.Equal(t, 4, cfg.Dispatcher.Concurrency)
	require.Equal(t, 64, cfg.Dispatcher.QueueDepth)
	require.Equal(t, "noop", cfg.Archive.Provider)
	require.Equal(t, "sessions", cfg.Archive.Prefix)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
server:
  port: 9090
db:
  provider: postgres
  dsn: postgres://coordinator@localhost:5432/coordinator
health:
  alpha: 0.2
  failure_threshold: 3
  cooldown_minutes: 45
engines:
  scholar:
    weight: 3
    daily_quota: 500
  websearch:
    weight: 1
notify:
  provider: pubsub
  project_id: deepscout-dev
  topic_name: operator-alerts
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "postgres", cfg.DB.Provider)
	require.Equal(t, 0.2, cfg.Health.Alpha)
	require.Equal(t, 45*time.Minute, cfg.Cooldown())
	require.Equal(t, 3.0, cfg.Engines["scholar"].Weight)
	require.Equal(t, int64(500), cfg.Engines["scholar"].DailyQuota)
	require.Equal(t, "operator-alerts", cfg.Notify.TopicName)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"postgres without dsn", func(c *Config) { c.DB.Provider = "postgres" }},
		{"alpha out of range", func(c *Config) { c.Health.Alpha = 1.5 }},
		{"zero failure threshold", func(c *Config) { c.Health.FailureThreshold = 0 }},
		{"zero cooldown", func(c *Config) { c.Health.CooldownMinutes = 0 }},
		{"zero ttl", func(c *Config) { c.Intervention.TTLHours = 0 }},
		{"pubsub without topic", func(c *Config) {
			c.Notify.Provider = "pubsub"
			c.Notify.ProjectID = "deepscout-dev"
		}},
		{"zero concurrency", func(c *Config) { c.Dispatcher.Concurrency = 0 }},
		{"gcs without bucket", func(c *Config) { c.Archive.Provider = "gcs" }},
		{"local without base dir", func(c *Config) { c.Archive.Provider = "local" }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("COORDINATOR_SERVER_PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}
