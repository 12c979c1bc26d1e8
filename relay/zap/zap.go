package zap

import (
	"context"
	"fmt"

	logpkg "github.com/LerianStudio/lib-outbox-relay/relay/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a zap-backed implementation of log.Logger.
//
// It intentionally does not expose printf/line/fatal helpers.
type Logger struct {
	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
}

// Compile-time assertion: *Logger implements log.Logger.
var _ logpkg.Logger = (*Logger)(nil)

// New creates a production zap logger at the given level with ISO-8601
// timestamps and JSON encoding.
func New(level logpkg.Level) (*Logger, error) {
	atomicLevel := zap.NewAtomicLevelAt(logLevelToZap(level))

	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &Logger{logger: logger, atomicLevel: atomicLevel}, nil
}

// NewWith wraps an existing *zap.Logger.
func NewWith(logger *zap.Logger) *Logger {
	return &Logger{logger: logger, atomicLevel: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}

func (l *Logger) must() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log implements log.Logger. It dispatches to the appropriate zap level.
// If ctx carries an active OpenTelemetry span, trace_id and span_id are
// automatically appended so logs correlate with distributed traces.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	zapFields := logFieldsToZap(logpkg.SanitizeFields(fields))

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	switch level {
	case logpkg.LevelDebug:
		l.must().Debug(msg, zapFields...)
	case logpkg.LevelInfo:
		l.must().Info(msg, zapFields...)
	case logpkg.LevelWarn:
		l.must().Warn(msg, zapFields...)
	case logpkg.LevelError:
		l.must().Error(msg, zapFields...)
	default:
		l.must().Info(msg, zapFields...)
	}
}

// With returns a child logger with additional structured fields.
//
//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return &Logger{
		logger:      l.must().With(logFieldsToZap(logpkg.SanitizeFields(fields))...),
		atomicLevel: l.atomicLevel,
	}
}

// Enabled reports whether the logger would emit a log at the given level.
func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.must().Core().Enabled(logLevelToZap(level))
}

// Sync flushes buffered logs, respecting context cancellation.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.must().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// SetLevel adjusts the logger verbosity at runtime.
func (l *Logger) SetLevel(level logpkg.Level) {
	if l == nil {
		return
	}

	l.atomicLevel.SetLevel(logLevelToZap(level))
}

func logLevelToZap(level logpkg.Level) zapcore.Level {
	switch level {
	case logpkg.LevelDebug:
		return zapcore.DebugLevel
	case logpkg.LevelInfo:
		return zapcore.InfoLevel
	case logpkg.LevelWarn:
		return zapcore.WarnLevel
	case logpkg.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func logFieldsToZap(fields []logpkg.Field) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		switch value := field.Value.(type) {
		case error:
			zapFields = append(zapFields, zap.NamedError(field.Key, value))
		default:
			zapFields = append(zapFields, zap.Any(field.Key, value))
		}
	}

	return zapFields
}
