package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with application-specific functionality
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the specified level
func New(level string) *Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(handler)

	return &Logger{Logger: logger}
}

// Default returns a logger with default settings
func Default() *Logger {
	return New("info")
}

// WithTenant returns a logger carrying the tenant id on every record.
func (l *Logger) WithTenant(tenantID int64) *Logger {
	return &Logger{Logger: l.Logger.With("tenant_id", tenantID)}
}

// WithCall returns a logger carrying tenant and call identifiers.
func (l *Logger) WithCall(tenantID int64, callID string) *Logger {
	return &Logger{Logger: l.Logger.With("tenant_id", tenantID, "call_id", callID)}
}
