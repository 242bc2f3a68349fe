// Package logger is the logging facade used by every pppmodem package.
//
// Components never talk to log/slog directly: they receive a Logger through
// their options (or fall back to the package default) and attach structured
// context with With, typically the session id and serial port name.
//
// Log Levels:
//
//   - DebugLevel: byte counts, chat lines and state transitions.
//   - InfoLevel: link up/down, attach and preparation results.
//   - WarnLevel: retried failures (preparation, link release).
//   - ErrorLevel: failures that stop a session.
//   - FatalLevel: startup failures of the daemon.
package logger

// Level indicates the logging severity level.
type Level = int8

const (
	// DebugLevel logs are typically voluminous, and are usually disabled in production.
	DebugLevel Level = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual human review.
	WarnLevel
	// ErrorLevel logs are high-priority failures.
	ErrorLevel
	// FatalLevel logs a message, then calls os.Exit(1).
	FatalLevel
)

// ParseLevel converts a level name ("debug", "info", "warn", "error", "fatal")
// to a Level. Unknown names map to InfoLevel and ok is false.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "debug", "DEBUG":
		return DebugLevel, true
	case "info", "INFO", "":
		return InfoLevel, true
	case "warn", "WARN", "warning":
		return WarnLevel, true
	case "error", "ERROR":
		return ErrorLevel, true
	case "fatal", "FATAL":
		return FatalLevel, true
	default:
		return InfoLevel, false
	}
}

// Logger defines the structured logging interface.
type Logger interface {
	// Debug logs a message at DebugLevel with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)
	// Info logs a message at InfoLevel with optional key-value pairs.
	Info(msg string, keysAndValues ...any)
	// Warn logs a message at WarnLevel with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)
	// Error logs a message at ErrorLevel with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
	// Fatal logs a message at FatalLevel and then calls os.Exit(1).
	Fatal(msg string, keysAndValues ...any)
	// With creates a child logger carrying the given key-values.
	// Key-values added to the child don't affect the parent, and vice versa.
	With(keyValues ...any) Logger
	// Level returns the minimum enabled level for this logger.
	Level() Level
	// SetLevel sets the minimum enabled level for this logger.
	SetLevel(level Level)
}
