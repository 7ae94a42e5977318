package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ProcessorSandbox, cfg.Processor.Mode)
	assert.Equal(t, int64(50), cfg.Processor.MinCharge)
	assert.Equal(t, 14*24*time.Hour, cfg.Ledger.PendingVoidWindow)
	assert.Equal(t, 3, cfg.Ledger.MaxReplanAttempts)
	assert.True(t, cfg.Sweeper.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9090

[database]
path = ":memory:"

[ledger]
pending_void_window = "48h"
code_secret = "s3cret"

[sweeper]
interval = "30s"
`)
	t.Setenv("LEDGER_PORT", "")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, 48*time.Hour, cfg.Ledger.PendingVoidWindow)
	assert.Equal(t, "s3cret", cfg.Ledger.CodeSecret)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout, "untouched keys keep defaults")
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, "[server]\nprot = 1\n")

	_, err := Load(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.prot")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LEDGER_PORT":             "7000",
		"LEDGER_DB":               "/var/lib/ledger.db",
		"LEDGER_CODE_SECRET":      "from-env",
		"LEDGER_SWEEPER_ENABLED":  "false",
		"LEDGER_SWEEPER_INTERVAL": "5m",
		"LEDGER_LOG_DEVELOPMENT":  "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := Default()

	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "/var/lib/ledger.db", cfg.Database.Path)
	assert.Equal(t, "from-env", cfg.Ledger.CodeSecret)
	assert.False(t, cfg.Sweeper.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Sweeper.Interval)
	assert.True(t, cfg.Log.Development)
}

func TestApplyEnv_Malformed(t *testing.T) {
	for _, key := range []string{"LEDGER_PORT", "LEDGER_SWEEPER_ENABLED", "LEDGER_SWEEPER_INTERVAL"} {
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			err := cfg.applyEnv(func(k string) (string, bool) {
				if k == key {
					return "not-valid", true
				}
				return "", false
			})
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"database", func(c *Config) { c.Database.Path = "" }},
		{"processor mode", func(c *Config) { c.Processor.Mode = "live" }},
		{"sandbox path", func(c *Config) { c.Processor.SandboxPath = "" }},
		{"void window", func(c *Config) { c.Ledger.MaxPendingVoidWindow = time.Hour }},
		{"replans", func(c *Config) { c.Ledger.MaxReplanAttempts = 0 }},
		{"sweeper interval", func(c *Config) { c.Sweeper.Interval = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
