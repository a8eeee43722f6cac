// Package telemetry owns the observability plumbing shared by every binary:
// structured logging with correlation IDs, the OpenTelemetry providers, and
// client instrumentation hooks. Handlers log through GetContextualLogger so
// correlation and trace identifiers ride along automatically.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

type correlationIDKey struct{}

// NewCorrelationID returns a fresh correlation ID.
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID stores a correlation ID on the context, minting one when
// the caller has none.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// GetCorrelationID returns the context's correlation ID, or "".
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// LogLevel names a logging threshold.
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// LogConfig configures the logger. Output is "stdout", "stderr", or a file
// path; Rotation and the size/age knobs only apply to file output.
type LogConfig struct {
	Level      LogLevel `json:"level"`
	Format     string   `json:"format"`
	Output     string   `json:"output"`
	Rotation   bool     `json:"rotation"`
	MaxSize    int      `json:"max_size"`
	MaxBackups int      `json:"max_backups"`
	MaxAge     int      `json:"max_age"`
	Compress   bool     `json:"compress"`
}

// DefaultLogConfig is JSON at info on stdout.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:      InfoLevel,
		Format:     "json",
		Output:     "stdout",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// Logger wraps logrus so call sites depend on this package, not on logrus
// directly.
type Logger struct {
	*logrus.Logger
	config *LogConfig
}

// NewLogger builds a logger for the given config; nil means defaults.
func NewLogger(config *LogConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	out, err := openOutput(config)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(parseLevel(config.Level))
	logger.SetFormatter(buildFormatter(config.Format))
	logger.SetOutput(out)
	logger.SetReportCaller(true)

	return &Logger{Logger: logger, config: config}, nil
}

func parseLevel(level LogLevel) logrus.Level {
	switch level {
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func buildFormatter(format string) logrus.Formatter {
	if format == "text" {
		return &logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		}
	}
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyFunc:  "function",
			logrus.FieldKeyFile:  "file",
		},
	}
}

func openOutput(config *LogConfig) (io.Writer, error) {
	switch config.Output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if config.Rotation {
		return &lumberjack.Logger{
			Filename:   config.Output,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}, nil
	}
	file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

var globalLogger *Logger

// InitGlobalLogger installs the process-wide logger. Called once from main
// before anything logs.
func InitGlobalLogger(config *LogConfig) error {
	logger, err := NewLogger(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// GetGlobalLogger returns the process-wide logger, installing the default
// one if main has not run InitGlobalLogger yet (tests mostly).
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		logger, _ := NewLogger(nil)
		globalLogger = logger
	}
	return globalLogger
}

// GetContextualLogger returns the global logger bound to the context's
// correlation ID and active span.
func GetContextualLogger(ctx context.Context) *ContextualLogger {
	return GetGlobalLogger().WithContext(ctx)
}

// ContextualLogger carries accumulated fields. Deriving methods return a new
// value, so a handler can fan a base logger out per branch.
type ContextualLogger struct {
	*Logger
	fields logrus.Fields
}

// WithContext binds the context's correlation ID and, when a span is
// recording, its trace and span IDs.
func (l *Logger) WithContext(ctx context.Context) *ContextualLogger {
	fields := logrus.Fields{}
	if id := GetCorrelationID(ctx); id != "" {
		fields["correlation_id"] = id
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	return &ContextualLogger{Logger: l, fields: fields}
}

// WithFields returns a logger carrying the union of the existing and given
// fields.
func (cl *ContextualLogger) WithFields(fields logrus.Fields) *ContextualLogger {
	combined := make(logrus.Fields, len(cl.fields)+len(fields))
	for k, v := range cl.fields {
		combined[k] = v
	}
	for k, v := range fields {
		combined[k] = v
	}
	return &ContextualLogger{Logger: cl.Logger, fields: combined}
}

// WithField returns a logger carrying one additional field.
func (cl *ContextualLogger) WithField(key string, value interface{}) *ContextualLogger {
	return cl.WithFields(logrus.Fields{key: value})
}

// WithError attaches the error under logrus's error key. Unlike falling
// through to the embedded logrus logger, this keeps the accumulated fields.
func (cl *ContextualLogger) WithError(err error) *ContextualLogger {
	return cl.WithFields(logrus.Fields{logrus.ErrorKey: err})
}

func (cl *ContextualLogger) Debug(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Debug(args...)
}

func (cl *ContextualLogger) Info(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Info(args...)
}

func (cl *ContextualLogger) Warn(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Warn(args...)
}

func (cl *ContextualLogger) Error(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Error(args...)
}
