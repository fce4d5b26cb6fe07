package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Setenv("WALLEX_API_KEY", "")
	t.Setenv("DB_CONN_STR", "")
	t.Setenv("TELEGRAM_TOKEN", "")
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_CONN_STR", "postgres://localhost/oms")
	t.Setenv("TELEGRAM_TOKEN", "secret")

	cfg, err := Load([]string{"-telegram-chat", "42"})
	require.NoError(t, err)
	assert.Equal(t, ModeServe, cfg.Mode)
	assert.Equal(t, BrokerPaper, cfg.Broker)
	assert.Equal(t, "postgres://localhost/oms", cfg.DBConnStr)
	assert.Equal(t, "secret", cfg.TelegramToken)
	assert.Equal(t, 3, cfg.MaxSubmitAttempts)
	assert.Equal(t, 7*24*time.Hour, cfg.ReconcileLookback)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadFileThenFlags(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "oms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: reconcile
db_driver: sqlite
db_conn_str: "file:oms.db"
max_submit_attempts: 5
submit_retry_delay: 250ms
reconcile_lookback: 48h
kafka_brokers: ["k1:9092", "k2:9092"]
`), 0o600))

	cfg, err := Load([]string{"-config", path, "-max-submit-attempts", "2", "-kafka-brokers", "k3:9092, k4:9092"})
	require.NoError(t, err)
	assert.Equal(t, ModeReconcile, cfg.Mode)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 2, cfg.MaxSubmitAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.SubmitRetryDelay)
	assert.Equal(t, 48*time.Hour, cfg.ReconcileLookback)
	assert.Equal(t, []string{"k3:9092", "k4:9092"}, cfg.KafkaBrokers)
	// untouched keys keep their defaults
	assert.Equal(t, time.Minute, cfg.PollInterval)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load([]string{"-no-such-flag"})
	assert.ErrorContains(t, err, "failed to parse flags")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.DBConnStr = "postgres://localhost/oms"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"mode", func(c *Config) { c.Mode = "live" }, `unsupported mode "live"`},
		{"broker", func(c *Config) { c.Broker = "mt5" }, `unsupported broker "mt5"`},
		{"wallex key", func(c *Config) { c.Broker = BrokerWallex }, "requires WALLEX_API_KEY"},
		{"wallex key not needed to migrate", func(c *Config) { c.Broker = BrokerWallex; c.Mode = ModeMigrate }, ""},
		{"driver", func(c *Config) { c.DBDriver = "mysql" }, `unsupported database driver "mysql"`},
		{"conn str", func(c *Config) { c.DBConnStr = "" }, "connection string is required"},
		{"telegram chat", func(c *Config) { c.TelegramToken = "x" }, "without a chat ID"},
		{"attempts", func(c *Config) { c.MaxSubmitAttempts = 0 }, "max_submit_attempts"},
		{"interval", func(c *Config) { c.ReconcileInterval = 0 }, "reconcile_interval must be positive"},
		{"retry delay", func(c *Config) { c.SubmitRetryDelay = -time.Second }, "submit_retry_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
