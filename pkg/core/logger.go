package core

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides structured logging capabilities
// This abstraction allows swapping logging implementations
type Logger interface {
	// Error logs an error message
	Error(args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message
	Warn(args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message
	Info(args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a debug message
	Debug(args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})

	// With returns a child logger that attaches the given key/value pairs
	// to every entry, e.g. With("worker", id, "thread", handle).
	With(keysAndValues ...interface{}) Logger
}

// zapLogger implements Logger on top of a zap SugaredLogger
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &zapLogger{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// NewLogger builds a zap-backed logger at the given level ("debug", "info",
// "warn", "error"). Development mode switches to the console encoder.
func NewLogger(level string, development bool) (Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, &Error{Code: "INVALID_LOG_LEVEL", Message: "unknown log level: " + level}
		}
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(l), nil
}

// NewDefaultLogger creates a production zap logger at info level.
// Falls back to a no-op logger if zap cannot open its sinks.
func NewDefaultLogger() Logger {
	l, err := NewLogger("info", false)
	if err != nil {
		return NewNopLogger()
	}
	return l
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() Logger {
	return NewZapLogger(zap.NewNop())
}

func (l *zapLogger) Error(args ...interface{}) {
	l.s.Error(args...)
}

func (l *zapLogger) Errorf(format string, args ...interface{}) {
	l.s.Errorf(format, args...)
}

func (l *zapLogger) Warn(args ...interface{}) {
	l.s.Warn(args...)
}

func (l *zapLogger) Warnf(format string, args ...interface{}) {
	l.s.Warnf(format, args...)
}

func (l *zapLogger) Info(args ...interface{}) {
	l.s.Info(args...)
}

func (l *zapLogger) Infof(format string, args ...interface{}) {
	l.s.Infof(format, args...)
}

func (l *zapLogger) Debug(args ...interface{}) {
	l.s.Debug(args...)
}

func (l *zapLogger) Debugf(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}

func (l *zapLogger) With(keysAndValues ...interface{}) Logger {
	return &zapLogger{s: l.s.With(keysAndValues...)}
}
