package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/arloliu/decomp/types"
)

// ZerologLogger implements types.Logger on top of zerolog.
type ZerologLogger struct {
	logger zerolog.Logger
}

var _ types.Logger = (*ZerologLogger)(nil)

// NewZerolog wraps an existing zerolog.Logger.
func NewZerolog(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

// NewConsole returns a zerolog logger writing human-readable output to w (stderr if nil).
func NewConsole(w io.Writer) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}

	return &ZerologLogger{logger: zerolog.New(output).With().Timestamp().Logger()}
}

// Debug logs a debug-level message with optional key-value pairs.
func (l *ZerologLogger) Debug(msg string, keysAndValues ...any) {
	l.emit(l.logger.Debug(), msg, keysAndValues)
}

// Info logs an info-level message with optional key-value pairs.
func (l *ZerologLogger) Info(msg string, keysAndValues ...any) {
	l.emit(l.logger.Info(), msg, keysAndValues)
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *ZerologLogger) Warn(msg string, keysAndValues ...any) {
	l.emit(l.logger.Warn(), msg, keysAndValues)
}

// Error logs an error-level message with optional key-value pairs.
func (l *ZerologLogger) Error(msg string, keysAndValues ...any) {
	l.emit(l.logger.Error(), msg, keysAndValues)
}

// Fatal logs a fatal-level message and exits.
func (l *ZerologLogger) Fatal(msg string, keysAndValues ...any) {
	l.emit(l.logger.Fatal(), msg, keysAndValues)
}

func (l *ZerologLogger) emit(ev *zerolog.Event, msg string, keysAndValues []any) {
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 < len(keysAndValues) {
			ev = ev.Interface(key, keysAndValues[i+1])
		} else {
			ev = ev.Str(key, "<missing>")
		}
	}
	ev.Msg(msg)
}
