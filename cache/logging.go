package cache

import "go.uber.org/zap"

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct{}

// Debug logs a debug message (no-op).
func (n *NoOpLogger) Debug(msg string, args ...any) {}

// Info logs an info message (no-op).
func (n *NoOpLogger) Info(msg string, args ...any) {}

// Warn logs a warning message (no-op).
func (n *NoOpLogger) Warn(msg string, args ...any) {}

// Error logs an error message (no-op).
func (n *NoOpLogger) Error(msg string, args ...any) {}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

// ZapLogger adapts a zap logger to the Logger interface. Key/value pairs
// are passed straight through as sugared fields.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps base. Callers keep ownership of base and its Sync.
func NewZapLogger(base *zap.Logger) *ZapLogger {
	// Skip the adapter frame so call sites are attributed correctly.
	return &ZapLogger{sugar: base.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// Debug logs a debug message.
func (zl *ZapLogger) Debug(msg string, args ...any) {
	zl.sugar.Debugw(msg, args...)
}

// Info logs an info message.
func (zl *ZapLogger) Info(msg string, args ...any) {
	zl.sugar.Infow(msg, args...)
}

// Warn logs a warning message.
func (zl *ZapLogger) Warn(msg string, args ...any) {
	zl.sugar.Warnw(msg, args...)
}

// Error logs an error message.
func (zl *ZapLogger) Error(msg string, args ...any) {
	zl.sugar.Errorw(msg, args...)
}
