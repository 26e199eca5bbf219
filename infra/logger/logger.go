package logger

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.Logger with the engine's field conventions.
type Logger struct {
	zl *zap.Logger
}

// Field is one key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

func NewField(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Level is the minimum severity written.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) zapLevel() zapcore.Level {
	switch Level(strings.ToLower(string(l))) {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

type Option func(*zap.Config)

// WithLoggingLevel sets the minimum level; info when unset.
func WithLoggingLevel(level Level) Option {
	return func(cfg *zap.Config) {
		cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	}
}

// WithOutputPaths replaces stderr with the given sinks ("stdout", file paths).
func WithOutputPaths(paths ...string) Option {
	return func(cfg *zap.Config) {
		cfg.OutputPaths = paths
	}
}

// NewLogger builds a JSON production logger.
func NewLogger(opts ...Option) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	for _, opt := range opts {
		opt(&cfg)
	}

	zl, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build zap logger")
	}
	return &Logger{zl: zl}, nil
}

// NewFromZap wraps an existing zap logger, e.g. one from zaptest/observer.
func NewFromZap(zl *zap.Logger) *Logger {
	return &Logger{zl: zl}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zl: zap.NewNop()}
}

func (l *Logger) GetZap() *zap.Logger {
	return l.zl
}

func (l *Logger) Sync() error {
	return l.zl.Sync()
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.zl.Debug(msg, toZap(fields)...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.zl.Info(msg, toZap(fields)...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.zl.Warn(msg, toZap(fields)...)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Error logs err at error level. Errors created or wrapped with
// github.com/pkg/errors carry their own stack, which replaces zap's.
func (l *Logger) Error(err error, fields ...Field) {
	ce := l.zl.Check(zapcore.ErrorLevel, err.Error())
	if ce == nil {
		return
	}
	var st stackTracer
	if errors.As(err, &st) {
		ce.Stack = strings.TrimSpace(fmt.Sprintf("%+v", st.StackTrace()))
	}
	ce.Write(toZap(fields)...)
}

// WithFields returns a child logger that adds fields to every entry.
func (l *Logger) WithFields(fields ...Field) *Logger {
	return &Logger{zl: l.zl.With(toZap(fields)...)}
}

func toZap(fields []Field) []zapcore.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zapcore.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
