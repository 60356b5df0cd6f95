// Package logging provides the structured logging foundation shared by every
// component of the realtime core: cache, document, lock, sync, conflict,
// transaction, session, broadcast, and hub.
package logging

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is a coarse logging level independent of logrus so callers don't need
// to import logrus just to configure a component.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Config configures a logger instance.
type Config struct {
	Level      Level
	Format     string // "json" or "text"
	Component  string // component name attached to every record
	AddCaller  bool
	TimeFormat string
}

// DefaultConfig returns sensible defaults for component loggers.
func DefaultConfig(component string) Config {
	return Config{
		Level:      LevelInfo,
		Format:     "text",
		Component:  component,
		AddCaller:  false,
		TimeFormat: time.RFC3339,
	}
}

// New creates a configured *logrus.Logger with stream-split output: records
// at error level or above go to stderr, everything else to stdout.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: cfg.TimeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: cfg.TimeFormat, FullTimestamp: true})
	}

	logger.SetReportCaller(cfg.AddCaller)
	logger.SetOutput(&OutputSplitter{})

	return logger
}

// OutputSplitter routes formatted log records to stderr when they carry an
// error, fatal or panic level (text "level=error" or JSON "level":"error"
// form) and to stdout otherwise, so containerized deployments can apply
// different handling per stream.
type OutputSplitter struct{}

var stderrLevelMarkers = [][]byte{
	[]byte("level=error"), []byte("level=fatal"), []byte("level=panic"),
	[]byte(`"level":"error"`), []byte(`"level":"fatal"`), []byte(`"level":"panic"`),
}

func (s *OutputSplitter) Write(p []byte) (int, error) {
	for _, marker := range stderrLevelMarkers {
		if bytes.Contains(p, marker) {
			return os.Stderr.Write(p)
		}
	}
	return os.Stdout.Write(p)
}

// ContextLogger is a fluent, immutable field-carrying logger wrapper used
// throughout the core so every log line carries component/key/connection
// context without manual field threading.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger wraps logger with a base set of fields (e.g. "component").
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	base := make(logrus.Fields, len(fields))
	for k, v := range fields {
		base[k] = v
	}
	return &ContextLogger{logger: logger, fields: base}
}

func (cl *ContextLogger) clone(extra logrus.Fields) *ContextLogger {
	merged := make(logrus.Fields, len(cl.fields)+len(extra))
	for k, v := range cl.fields {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &ContextLogger{logger: cl.logger, fields: merged}
}

// WithField returns a derived logger carrying one additional field.
func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	return cl.clone(logrus.Fields{key: value})
}

// WithFields returns a derived logger carrying several additional fields.
func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	f := make(logrus.Fields, len(fields))
	for k, v := range fields {
		f[k] = v
	}
	return cl.clone(f)
}

// WithError attaches an error to the log context.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	if err == nil {
		return cl
	}
	return cl.clone(logrus.Fields{"error": err.Error()})
}

// WithContext pulls well-known trace/request identifiers out of ctx, if set.
func (cl *ContextLogger) WithContext(ctx context.Context) *ContextLogger {
	extra := logrus.Fields{}
	if v := ctx.Value(ctxKeyRequestID); v != nil {
		extra["request_id"] = v
	}
	if v := ctx.Value(ctxKeyTraceID); v != nil {
		extra["trace_id"] = v
	}
	if len(extra) == 0 {
		return cl
	}
	return cl.clone(extra)
}

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyTraceID   ctxKey = "trace_id"
)

func (cl *ContextLogger) Debug(msg string)                          { cl.logger.WithFields(cl.fields).Debug(msg) }
func (cl *ContextLogger) Debugf(format string, args ...interface{}) { cl.logger.WithFields(cl.fields).Debugf(format, args...) }
func (cl *ContextLogger) Info(msg string)                           { cl.logger.WithFields(cl.fields).Info(msg) }
func (cl *ContextLogger) Infof(format string, args ...interface{})  { cl.logger.WithFields(cl.fields).Infof(format, args...) }
func (cl *ContextLogger) Warn(msg string)                           { cl.logger.WithFields(cl.fields).Warn(msg) }
func (cl *ContextLogger) Warnf(format string, args ...interface{})  { cl.logger.WithFields(cl.fields).Warnf(format, args...) }
func (cl *ContextLogger) Error(msg string)                          { cl.logger.WithFields(cl.fields).Error(msg) }
func (cl *ContextLogger) Errorf(format string, args ...interface{}) { cl.logger.WithFields(cl.fields).Errorf(format, args...) }
