// Package telemetry builds the process-wide logger, metrics and error
// reporter.
package telemetry

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects the logger profile.
type LogConfig struct {
	// Level is a zap level name; empty means info (debug in development).
	Level string
	// Development switches to a console encoder with caller and stack info.
	Development bool
}

// NewLogger creates a structured logger and returns it with a
// runtime-adjustable level handle.
func NewLogger(cfg LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	var base zap.Config
	if cfg.Development {
		base = zap.NewDevelopmentConfig()
	} else {
		base = zap.NewProductionConfig()
		base.EncoderConfig.TimeKey = "ts"
		base.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Development {
		level.SetLevel(zapcore.DebugLevel)
	}
	if strings.TrimSpace(cfg.Level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(cfg.Level); err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level.SetLevel(parsed)
	}
	base.Level = level
	base.DisableStacktrace = !cfg.Development

	logger, err := base.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, level, nil
}
