package logging

import (
	"fmt"
	"strings"
	"testing"

	"github.com/arloliu/decomp/types"
)

// TestLogger implements types.Logger using testing.TB for output,
// so log messages appear interleaved with the owning test's output.
type TestLogger struct {
	tb testing.TB
}

var _ types.Logger = (*TestLogger)(nil)

// NewTest creates a logger that writes through tb.Logf.
//
// Example:
//
//	func TestExchange(t *testing.T) {
//	    logger := logging.WithRank(logging.NewTest(t), 0)
//	    logger.Info("round done", "sent", 12)
//	}
func NewTest(tb testing.TB) *TestLogger {
	return &TestLogger{tb: tb}
}

// Debug logs a debug-level message with optional key-value pairs.
func (l *TestLogger) Debug(msg string, keysAndValues ...any) {
	l.tb.Logf("DEBUG: %s %s", msg, FormatKeyValues(keysAndValues))
}

// Info logs an info-level message with optional key-value pairs.
func (l *TestLogger) Info(msg string, keysAndValues ...any) {
	l.tb.Logf("INFO: %s %s", msg, FormatKeyValues(keysAndValues))
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *TestLogger) Warn(msg string, keysAndValues ...any) {
	l.tb.Logf("WARN: %s %s", msg, FormatKeyValues(keysAndValues))
}

// Error logs an error-level message with optional key-value pairs.
func (l *TestLogger) Error(msg string, keysAndValues ...any) {
	l.tb.Logf("ERROR: %s %s", msg, FormatKeyValues(keysAndValues))
}

// Fatal logs a fatal-level message and fails the test.
//
// Rank goroutines must not call FailNow, so the failure is recorded with Errorf.
func (l *TestLogger) Fatal(msg string, keysAndValues ...any) {
	l.tb.Errorf("FATAL: %s %s", msg, FormatKeyValues(keysAndValues))
}

// FormatKeyValues renders key-value pairs as "k=v" separated by spaces.
func FormatKeyValues(keysAndValues []any) string {
	if len(keysAndValues) == 0 {
		return ""
	}

	var sb strings.Builder
	for i := 0; i < len(keysAndValues); i += 2 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if i+1 < len(keysAndValues) {
			fmt.Fprintf(&sb, "%v=%v", keysAndValues[i], keysAndValues[i+1])
		} else {
			fmt.Fprintf(&sb, "%v=<missing>", keysAndValues[i])
		}
	}

	return sb.String()
}
