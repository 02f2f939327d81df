// Package logger provides the module-aware structured logger used by every
// aedbatch component. It is a thin layer over log/slog.
//
// Components receive a Logger through their constructors and scope it with
// Module:
//
//	central, err := logger.NewCentralLogger(&settings.Logging)
//	if err != nil {
//	    return err
//	}
//	defer central.Close()
//
//	log := central.Module("conductor")
//	log.Info("job created",
//	    logger.Uint64("job_id", job.ID),
//	    logger.Int("chunks", len(chunks)))
//
// Trace ids travel in the context and are attached with WithContext:
//
//	ctx = logger.WithTraceID(ctx, uuid.NewString())
//	log.WithContext(ctx).Debug("chunk received")
//
// Console output is human readable text without timestamps. File output, when
// enabled, is JSON with RFC3339 timestamps for log shippers.
package logger

import (
	"context"
	"time"
	"unique"
)

// LogLevel represents log severity levels
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Field represents a structured log field. Keys are interned so that the
// handful of keys repeated on every chunk share one allocation.
type Field struct {
	Key   string
	Value any
}

func internKey(key string) string {
	return unique.Make(key).Value()
}

var errorKey = internKey("error")

// Logger is the logging interface injected into components
type Logger interface {
	// Module returns a logger scoped to a sub-module ("worker" -> "worker.aed")
	Module(name string) Logger

	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger

	Log(level LogLevel, msg string, fields ...Field)

	// Flush ensures all buffered logs are written
	Flush() error
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: internKey(key), Value: value}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: internKey(key), Value: value}
}

// Int64 creates a 64-bit integer field.
func Int64(key string, value int64) Field {
	return Field{Key: internKey(key), Value: value}
}

// Uint64 creates an unsigned 64-bit integer field, used for database ids.
func Uint64(key string, value uint64) Field {
	return Field{Key: internKey(key), Value: value}
}

func Float32(key string, value float32) Field {
	return Field{Key: internKey(key), Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: internKey(key), Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: internKey(key), Value: value}
}

// Error creates an error field. The key is always "error"; a nil error
// produces a nil value.
func Error(err error) Field {
	if err == nil {
		return Field{Key: errorKey, Value: nil}
	}
	return Field{Key: errorKey, Value: err.Error()}
}

// Duration creates a duration field rendered as a human readable string.
func Duration(key string, value time.Duration) Field {
	return Field{Key: internKey(key), Value: value}
}

func Time(key string, value time.Time) Field {
	return Field{Key: internKey(key), Value: value}
}

// Any creates a field with an arbitrary value. Prefer the typed
// constructors; the value must be JSON serializable for file output.
func Any(key string, value any) Field {
	return Field{Key: internKey(key), Value: value}
}
