// Package log provides the structured logging interface used across dfanalytics.
//
// The interface is small and slog-shaped so that components depend on it rather
// than on a concrete backend. The default backend is zerolog; tests swap in a
// TestLogger through SetProvider.
//
// Example usage:
//
//	logger := log.GetLoggerWithName("analysis.runner").With(
//	    log.JobIDKey, spec.JobID(),
//	    log.AnalysisKey, spec.AnalysisName(),
//	)
//	logger.Info("Execution strategy computed",
//	    log.PartitionsKey, runner.NumberPartitions(),
//	    log.MemoryLimitKey, spec.MemoryLimit(),
//	)
package log

import (
	"context"
)

// Logger is a structured logger. Fields are alternating key/value pairs. An error
// passed as the first field is logged under ErrAttrKey together with its stack
// trace.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)

	// With returns a Logger that adds fields to every record.
	With(fields ...any) Logger

	// Enabled reports whether records at level would be emitted.
	Enabled(ctx context.Context, level Level) bool
}

// Level is a logging level. Values match slog.Level.
type Level int

const (
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LoggerProvider creates loggers. The process-wide provider is replaced with
// SetProvider.
type LoggerProvider interface {
	GetLogger() Logger
	GetLoggerWithName(name string) Logger
	SetLevel(level Level)
}
