package cprkv

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/cprkv/checkpoint"
)

// Logger wraps slog.Logger with cprkv-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithToken adds a checkpoint token field to the logger.
func (l *Logger) WithToken(token checkpoint.Token) *Logger {
	return &Logger{
		Logger: l.Logger.With("token", token.String()),
	}
}

// WithSession adds session id and name fields to the logger.
func (l *Logger) WithSession(id int, name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("session_id", id, "session", name),
	}
}

// LogCheckpoint logs a finished or failed checkpoint.
func (l *Logger) LogCheckpoint(ctx context.Context, token checkpoint.Token, pages int, bytes uint64, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"token", token.String(),
			"pages", pages,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "checkpoint completed",
			"token", token.String(),
			"pages", pages,
			"bytes", bytes,
			"duration", duration,
		)
	}
}

// LogRecovery logs a finished or failed recovery.
func (l *Logger) LogRecovery(ctx context.Context, token checkpoint.Token, pages int, bytes uint64, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"token", token.String(),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "recovery completed",
			"token", token.String(),
			"pages", pages,
			"bytes", bytes,
			"duration", duration,
		)
	}
}
