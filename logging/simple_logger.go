// Package logging provides the logger passed through every component.
package logging

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel is the minimum level a SimpleLogger writes.
type LogLevel int

const (
	Debug LogLevel = iota
	Info
	Warn
	Error
)

// String returns the level's config name.
func (l LogLevel) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	}
	return "unknown"
}

// ParseLevel converts a config value such as "info" into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	}
	return Info, fmt.Errorf("invalid log level %q, must be one of debug, info, warn or error", s)
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Warn:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// SimpleLogger writes printf-style messages tagged with the component
// that produced them. Structured fields can be attached with With.
type SimpleLogger struct {
	Source string
	Level  LogLevel
	z      *zap.SugaredLogger
}

// New builds a JSON logger writing to stderr at the given level.
func New(source string, level string) (*SimpleLogger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl.zapLevel())
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	z, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building zap logger")
	}
	return &SimpleLogger{
		Source: source,
		Level:  lvl,
		z:      z.Sugar().Named(source),
	}, nil
}

// NewNoopLogger returns a logger that discards everything. Used in tests.
func NewNoopLogger() *SimpleLogger {
	return &SimpleLogger{
		Source: "",
		Level:  Error,
		z:      zap.NewNop().Sugar(),
	}
}

// NewWithZap wraps an existing zap logger.
func NewWithZap(source string, level LogLevel, z *zap.Logger) *SimpleLogger {
	return &SimpleLogger{Source: source, Level: level, z: z.Sugar().Named(source)}
}

// Named returns a child logger for a sub component.
func (l *SimpleLogger) Named(source string) *SimpleLogger {
	name := source
	if l.Source != "" {
		name = l.Source + "." + source
	}
	return &SimpleLogger{Source: name, Level: l.Level, z: l.z.Named(source)}
}

// With returns a child logger that adds the key/value pairs to every line.
func (l *SimpleLogger) With(keysAndValues ...interface{}) *SimpleLogger {
	return &SimpleLogger{Source: l.Source, Level: l.Level, z: l.z.With(keysAndValues...)}
}

func (l *SimpleLogger) Debug(format string, a ...interface{}) {
	l.z.Debugf(format, a...)
}

func (l *SimpleLogger) Info(format string, a ...interface{}) {
	l.z.Infof(format, a...)
}

func (l *SimpleLogger) Warn(format string, a ...interface{}) {
	l.z.Warnf(format, a...)
}

func (l *SimpleLogger) Err(format string, a ...interface{}) {
	l.z.Errorf(format, a...)
}

// Zap exposes the underlying logger for libraries that take one.
func (l *SimpleLogger) Zap() *zap.SugaredLogger {
	return l.z
}

// Sync flushes buffered entries.
func (l *SimpleLogger) Sync() error {
	return l.z.Sync()
}
