/*
main.go - ledgerd entry point

PURPOSE:
  Builds the value ledger from configuration and runs it: either the HTTP
  server with its background pending-void sweeper, or a single sweep.

COMMANDS:
  serve   Start the REST API (and the sweeper unless disabled)
  sweep   Void expired pending transactions once and exit

STARTUP SEQUENCE:
  1. Load config (file, then LEDGER_* environment)
  2. Build logger and metrics
  3. Open the SQLite ledger and the sandbox processor
  4. Wrap the processor in the circuit breaker
  5. Create the engine

EXAMPLES:
  ledgerd serve --config ledger.toml
  LEDGER_DB=":memory:" ledgerd serve --port 3000
  ledgerd sweep --config ledger.toml

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/value-ledger/config"
	"github.com/warp/value-ledger/engine"
	"github.com/warp/value-ledger/ledger"
	"github.com/warp/value-ledger/processor"
	"github.com/warp/value-ledger/processor/sandbox"
	"github.com/warp/value-ledger/store/sqlite"
	"github.com/warp/value-ledger/telemetry"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Value ledger transaction engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(sweepCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the wired process.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *telemetry.Metrics
	store   *sqlite.Store
	proc    *sandbox.Processor
	engine  *engine.Engine
}

func newApp(cfg config.Config) (*app, error) {
	log, _, err := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return nil, err
	}
	metrics := telemetry.NewMetrics()

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	proc, err := sandbox.Open(cfg.Processor.SandboxPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open sandbox processor: %w", err)
	}

	breakerCfg := processor.DefaultBreakerConfig()
	breakerCfg.MaxRequests = cfg.Processor.Breaker.MaxRequests
	breakerCfg.Interval = cfg.Processor.Breaker.Interval
	breakerCfg.Timeout = cfg.Processor.Breaker.Timeout
	breakerCfg.ConsecutiveFailures = cfg.Processor.Breaker.ConsecutiveFailures
	client := processor.NewBreaker(proc, breakerCfg, log, metrics)

	if cfg.Ledger.CodeSecret == "" {
		log.Warn("ledger.code_secret is empty; value codes are hashed with an empty key")
	}
	eng := engine.New(store, client,
		engine.WithLogger(log),
		engine.WithMetrics(metrics),
		engine.WithReporter(telemetry.NewLogReporter(log)),
		engine.WithCodeHasher(ledger.HMACCodeHasher{Secret: []byte(cfg.Ledger.CodeSecret)}),
		engine.WithConfig(engine.Config{
			MinProcessorCharge:       cfg.Processor.MinCharge,
			DefaultPendingVoidWindow: cfg.Ledger.PendingVoidWindow,
			MaxPendingVoidWindow:     cfg.Ledger.MaxPendingVoidWindow,
			MaxReplanAttempts:        cfg.Ledger.MaxReplanAttempts,
		}),
	)

	return &app{cfg: cfg, log: log, metrics: metrics, store: store, proc: proc, engine: eng}, nil
}

func (a *app) newSweeper() *engine.Sweeper {
	s := engine.NewSweeper(a.engine, a.log)
	s.Enabled = a.cfg.Sweeper.Enabled
	s.CheckInterval = a.cfg.Sweeper.Interval
	s.BatchSize = a.cfg.Sweeper.BatchSize
	return s
}

func (a *app) Close() {
	if err := a.proc.Close(); err != nil {
		a.log.Warn("failed to close sandbox processor", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close ledger database", zap.Error(err))
	}
	_ = a.log.Sync()
}
