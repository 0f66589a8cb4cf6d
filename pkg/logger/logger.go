package logger

import (
	"context"
	"os"
	"path/filepath"

	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceIdKey is the context key callers use to attach an explicit trace id.
const TraceIdKey = "trace_id"

type fieldsKey struct{}

// Log is the process-wide logger. Nil until Init is called.
var Log *zap.Logger

// Init sets up the logger for a service.
// level: debug, info, warn, error
func Init(serviceName string, level string) {
	InitWithFile(serviceName, level, "")
}

// InitWithFile is Init with an explicit log file; empty means logs/{serviceName}.log.
func InitWithFile(serviceName string, level string, logFile string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}

	if logFile == "" {
		logFile = filepath.Join("logs", serviceName+".log")
	}
	// file output is best effort, stdout always works
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err == nil {
		if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			writeSyncers = append(writeSyncers, zapcore.AddSync(file))
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		zapLevel,
	)

	// skip 1 so the caller points at the code calling logger.Info, not this file
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// WithFields returns a context whose log lines carry the given fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	prev, _ := ctx.Value(fieldsKey{}).([]zap.Field)
	merged := make([]zap.Field, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	get().Info(msg, enrich(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	get().Error(msg, enrich(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	get().Warn(msg, enrich(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	get().Debug(msg, enrich(ctx, fields)...)
}

// Fatal logs and exits the process.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	get().Fatal(msg, enrich(ctx, fields)...)
}

func get() *zap.Logger {
	if Log == nil {
		return zap.NewNop()
	}
	return Log
}

// enrich appends context fields, the explicit trace id and the active span's trace id.
func enrich(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if extra, ok := ctx.Value(fieldsKey{}).([]zap.Field); ok {
		fields = append(fields, extra...)
	}
	if traceID, ok := ctx.Value(TraceIdKey).(string); ok && traceID != "" {
		return append(fields, zap.String("trace_id", traceID))
	}
	if sc := oteltrace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	return fields
}

// Sync flushes buffered entries; call it from main on exit.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
