/*
config.go - Process configuration

PURPOSE:
  One Config value drives ledgerd: HTTP server, SQLite path, card
  processor, ledger tunables, sweeper and logging.

LOADING ORDER:
  1. Default()
  2. TOML file, when a path is given (unknown keys are an error)
  3. LEDGER_* environment variables
  4. Validate()

EXAMPLE FILE:
  [server]
  port = 8080

  [database]
  path = "ledger.db"

  [processor]
  mode = "sandbox"
  sandbox_path = "sandbox.db"

  [ledger]
  pending_void_window = "336h"
  code_secret = "change-me"

  [sweeper]
  interval = "1m"

  [log]
  level = "info"

ENVIRONMENT:
  LEDGER_PORT, LEDGER_DB, LEDGER_PROCESSOR_MODE, LEDGER_SANDBOX_PATH,
  LEDGER_CODE_SECRET, LEDGER_LOG_LEVEL, LEDGER_LOG_DEVELOPMENT,
  LEDGER_SWEEPER_ENABLED, LEDGER_SWEEPER_INTERVAL

SEE ALSO:
  - cmd/ledgerd: wires a Config into the engine and server
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	ProcessorSandbox = "sandbox"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Processor ProcessorConfig `toml:"processor"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Sweeper   SweeperConfig   `toml:"sweeper"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Port            int           `toml:"port"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	AllowedOrigins  []string      `toml:"allowed_origins"`
}

type DatabaseConfig struct {
	// Path of the SQLite file; ":memory:" for a throwaway database.
	Path string `toml:"path"`
}

type ProcessorConfig struct {
	Mode        string        `toml:"mode"`
	SandboxPath string        `toml:"sandbox_path"`
	MinCharge   int64         `toml:"min_charge"`
	Breaker     BreakerConfig `toml:"breaker"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `toml:"max_requests"`
	Interval            time.Duration `toml:"interval"`
	Timeout             time.Duration `toml:"timeout"`
	ConsecutiveFailures uint32        `toml:"consecutive_failures"`
}

type LedgerConfig struct {
	PendingVoidWindow    time.Duration `toml:"pending_void_window"`
	MaxPendingVoidWindow time.Duration `toml:"max_pending_void_window"`
	MaxReplanAttempts    int           `toml:"max_replan_attempts"`
	// CodeSecret keys the HMAC used to look values up by code.
	CodeSecret string `toml:"code_secret"`
}

type SweeperConfig struct {
	Enabled   bool          `toml:"enabled"`
	Interval  time.Duration `toml:"interval"`
	BatchSize int           `toml:"batch_size"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{Path: "ledger.db"},
		Processor: ProcessorConfig{
			Mode:        ProcessorSandbox,
			SandboxPath: "sandbox.db",
			MinCharge:   50,
			Breaker: BreakerConfig{
				MaxRequests:         3,
				Interval:            time.Minute,
				Timeout:             30 * time.Second,
				ConsecutiveFailures: 5,
			},
		},
		Ledger: LedgerConfig{
			PendingVoidWindow:    14 * 24 * time.Hour,
			MaxPendingVoidWindow: 30 * 24 * time.Hour,
			MaxReplanAttempts:    3,
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Interval:  time.Minute,
			BatchSize: 100,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("LEDGER_DB", &c.Database.Path)
	str("LEDGER_PROCESSOR_MODE", &c.Processor.Mode)
	str("LEDGER_SANDBOX_PATH", &c.Processor.SandboxPath)
	str("LEDGER_CODE_SECRET", &c.Ledger.CodeSecret)
	str("LEDGER_LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("LEDGER_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_PORT: %w", err)
		}
		c.Server.Port = port
	}
	for key, dst := range map[string]*bool{
		"LEDGER_LOG_DEVELOPMENT": &c.Log.Development,
		"LEDGER_SWEEPER_ENABLED": &c.Sweeper.Enabled,
	} {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	if v, ok := lookup("LEDGER_SWEEPER_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LEDGER_SWEEPER_INTERVAL: %w", err)
		}
		c.Sweeper.Interval = d
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Database.Path == "":
		return fmt.Errorf("database.path is required")
	case c.Processor.Mode != ProcessorSandbox:
		return fmt.Errorf("processor.mode %q is not supported", c.Processor.Mode)
	case c.Processor.Mode == ProcessorSandbox && c.Processor.SandboxPath == "":
		return fmt.Errorf("processor.sandbox_path is required in sandbox mode")
	case c.Processor.MinCharge < 0:
		return fmt.Errorf("processor.min_charge must not be negative")
	case c.Ledger.PendingVoidWindow <= 0:
		return fmt.Errorf("ledger.pending_void_window must be positive")
	case c.Ledger.MaxPendingVoidWindow < c.Ledger.PendingVoidWindow:
		return fmt.Errorf("ledger.max_pending_void_window must be at least pending_void_window")
	case c.Ledger.MaxReplanAttempts < 1:
		return fmt.Errorf("ledger.max_replan_attempts must be at least 1")
	case c.Sweeper.Enabled && c.Sweeper.Interval <= 0:
		return fmt.Errorf("sweeper.interval must be positive")
	}
	return nil
}
