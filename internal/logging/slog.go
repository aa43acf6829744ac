// Package logging provides types.Logger implementations for the decomp library.
//
// Backends: log/slog, zap and zerolog adapters, a no-op logger, a testing logger,
// and a rank-scoped wrapper that tags every record with the emitting rank.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/arloliu/decomp/types"
)

// SlogLogger adapts a *slog.Logger to types.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

var _ types.Logger = (*SlogLogger)(nil)

// NewSlog wraps logger, or slog.Default() when logger is nil.
//
// Example:
//
//	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
//	logger := logging.NewSlog(slog.New(handler))
//	logger.Info("decomposition done", "leaves", 512)
func NewSlog(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &SlogLogger{logger: logger}
}

// NewText returns a slog text logger writing to stderr at the given level.
func NewText(level slog.Level) *SlogLogger {
	return NewSlog(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func (l *SlogLogger) log(level slog.Level, msg string, kv []any) {
	l.logger.Log(context.Background(), level, msg, kv...)
}

func (l *SlogLogger) Debug(msg string, keysAndValues ...any) { l.log(slog.LevelDebug, msg, keysAndValues) }
func (l *SlogLogger) Info(msg string, keysAndValues ...any)  { l.log(slog.LevelInfo, msg, keysAndValues) }
func (l *SlogLogger) Warn(msg string, keysAndValues ...any)  { l.log(slog.LevelWarn, msg, keysAndValues) }
func (l *SlogLogger) Error(msg string, keysAndValues ...any) { l.log(slog.LevelError, msg, keysAndValues) }

// Fatal logs at error level, since slog has no fatal level, and exits.
func (l *SlogLogger) Fatal(msg string, keysAndValues ...any) {
	l.log(slog.LevelError, msg, keysAndValues)
	os.Exit(1) //nolint:revive
}
