package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// ErrorReporter forwards unexpected errors to an external error tracker.
//
// Implementations must be safe for concurrent use and must not panic.
type ErrorReporter interface {
	CaptureException(ctx context.Context, err error, tags map[string]string)
}

// LogReporter reports errors as error-level log lines. It is the default
// when no tracker is configured.
type LogReporter struct {
	Logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{Logger: logger.Named("reporter")}
}

func (r *LogReporter) CaptureException(_ context.Context, err error, tags map[string]string) {
	fields := make([]zap.Field, 0, len(tags)+1)
	fields = append(fields, zap.Error(err))
	for k, v := range tags {
		fields = append(fields, zap.String(k, v))
	}
	r.Logger.Error("unexpected error reported", fields...)
}
