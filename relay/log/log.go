package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the structured logging contract used across the relay packages.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level represents the severity of a log entry.
//
// Lower numeric values indicate higher severity (LevelError=0 is most severe,
// LevelDebug=3 is least). A logger's configured Level acts as a verbosity
// ceiling: a logger at LevelInfo emits Error, Warn, and Info entries but
// suppresses Debug.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the string representation of a log level.
func (level Level) String() string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel takes a string level and returns a Level constant.
func ParseLevel(lvl string) (Level, error) {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}

	var l Level

	return l, fmt.Errorf("not a valid Level: %q", lvl)
}

// Field is a strongly-typed key/value attribute attached to a log event.
type Field struct {
	Key   string
	Value any
}

// Any creates a field with an arbitrary value.
//
// Prefer typed constructors (String, Int, Int64, Bool, Duration, Err) to avoid
// accidentally logging sensitive data.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates a 64-bit integer field.
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Uint64 creates an unsigned 64-bit integer field.
func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Float64 creates a float field.
func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err creates the conventional `error` field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// SafeError logs an error at error level, tolerating nil loggers and nil
// errors. The error string is sanitized before emission so storage or broker
// errors containing control characters cannot forge log entries.
func SafeError(logger Logger, ctx context.Context, msg string, err error, fields ...Field) {
	if logger == nil || err == nil {
		return
	}

	all := make([]Field, 0, len(fields)+1)
	all = append(all, String("error", SanitizeString(err.Error())))
	all = append(all, fields...)

	logger.Log(ctx, LevelError, msg, all...)
}
