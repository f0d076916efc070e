// Package logger provides zap-backed logging implementations for dynabot
package logger

import (
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/memtensor/dynabot/pkg/interfaces"
)

// Options controls how a logger is built
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	File   string // optional path; stderr when empty
}

// ZapLogger adapts a zap.SugaredLogger to the interfaces.Logger contract
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

var _ interfaces.Logger = (*ZapLogger)(nil)

// Debug logs debug level messages
func (l *ZapLogger) Debug(msg string, fields ...map[string]interface{}) {
	l.sugar.Debugw(msg, flatten(fields)...)
}

// Info logs info level messages
func (l *ZapLogger) Info(msg string, fields ...map[string]interface{}) {
	l.sugar.Infow(msg, flatten(fields)...)
}

// Warn logs warning level messages
func (l *ZapLogger) Warn(msg string, fields ...map[string]interface{}) {
	l.sugar.Warnw(msg, flatten(fields)...)
}

// Error logs error level messages
func (l *ZapLogger) Error(msg string, err error, fields ...map[string]interface{}) {
	kv := flatten(fields)
	if err != nil {
		kv = append([]interface{}{"error", err.Error()}, kv...)
	}
	l.sugar.Errorw(msg, kv...)
}

// Fatal logs fatal level messages and exits
func (l *ZapLogger) Fatal(msg string, err error, fields ...map[string]interface{}) {
	kv := flatten(fields)
	if err != nil {
		kv = append([]interface{}{"error", err.Error()}, kv...)
	}
	l.sugar.Fatalw(msg, kv...)
}

// WithFields returns a logger with additional fields
func (l *ZapLogger) WithFields(fields map[string]interface{}) interfaces.Logger {
	return &ZapLogger{sugar: l.sugar.With(flatten([]map[string]interface{}{fields})...)}
}

// Sync flushes buffered entries
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

// flatten turns field maps into zap key/value pairs with a stable key order
func flatten(fields []map[string]interface{}) []interface{} {
	var kv []interface{}
	for _, m := range fields {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			kv = append(kv, k, m[k])
		}
	}
	return kv
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger from options
func New(opts Options) (interfaces.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(opts.Level))
	cfg.OutputPaths = []string{"stderr"}
	if opts.File != "" {
		cfg.OutputPaths = []string{opts.File}
	}

	zapLogger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: zapLogger.Sugar()}, nil
}

// NewConsoleLogger creates a new console logger
func NewConsoleLogger(level string) interfaces.Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		parseLevel(level),
	)
	return &ZapLogger{sugar: zap.New(core).Sugar()}
}

// NewLogger creates a new logger with default settings
func NewLogger() interfaces.Logger {
	return NewConsoleLogger("info")
}

// NewNopLogger discards everything
func NewNopLogger() interfaces.Logger {
	return &ZapLogger{sugar: zap.NewNop().Sugar()}
}

// NewTestLogger creates a logger for testing whose entries can be inspected
func NewTestLogger() (interfaces.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &ZapLogger{sugar: zap.New(core).Sugar()}, logs
}
