package types

// Logger is the structured logger the decomposer and its collectives write to.
//
// Arguments after msg are alternating key/value pairs, as accepted by
// zap.SugaredLogger and log/slog. Each rank usually wraps its logger so that
// records carry a "rank" field.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// Fatal logs and exits the process. The decomposer never calls it: fatal
	// conditions are returned as *FatalError and the caller picks the exit path.
	Fatal(msg string, keysAndValues ...any)
}
