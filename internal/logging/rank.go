package logging

import "github.com/arloliu/decomp/types"

// RankLogger prefixes every record with the emitting rank.
type RankLogger struct {
	next types.Logger
	rank int
}

var _ types.Logger = (*RankLogger)(nil)

// WithRank returns a logger that adds "rank", rank to every record.
func WithRank(logger types.Logger, rank int) *RankLogger {
	if logger == nil {
		logger = NewNop()
	}

	return &RankLogger{next: logger, rank: rank}
}

// Rank returns the rank attached to this logger.
func (l *RankLogger) Rank() int {
	return l.rank
}

func (l *RankLogger) with(keysAndValues []any) []any {
	out := make([]any, 0, len(keysAndValues)+2)
	out = append(out, "rank", l.rank)

	return append(out, keysAndValues...)
}

// Debug logs a debug-level message tagged with the rank.
func (l *RankLogger) Debug(msg string, keysAndValues ...any) {
	l.next.Debug(msg, l.with(keysAndValues)...)
}

// Info logs an info-level message tagged with the rank.
func (l *RankLogger) Info(msg string, keysAndValues ...any) {
	l.next.Info(msg, l.with(keysAndValues)...)
}

// Warn logs a warning-level message tagged with the rank.
func (l *RankLogger) Warn(msg string, keysAndValues ...any) {
	l.next.Warn(msg, l.with(keysAndValues)...)
}

// Error logs an error-level message tagged with the rank.
func (l *RankLogger) Error(msg string, keysAndValues ...any) {
	l.next.Error(msg, l.with(keysAndValues)...)
}

// Fatal logs a fatal-level message tagged with the rank.
func (l *RankLogger) Fatal(msg string, keysAndValues ...any) {
	l.next.Fatal(msg, l.with(keysAndValues)...)
}

// Root reports only on rank 0 and discards records on every other rank.
//
// Progress diagnostics identical on all ranks are emitted once through Root.
func Root(logger types.Logger, rank int) types.Logger {
	if rank != 0 {
		return NewNop()
	}

	return logger
}
