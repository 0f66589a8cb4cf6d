package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	buffer := &bytes.Buffer{}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(buffer),
		zap.InfoLevel,
	)
	prev := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = prev })
	return buffer
}

func decode(t *testing.T, buffer *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry), "log line must be valid JSON")
	return entry
}

func TestLogger_Info_WithTraceID(t *testing.T) {
	buffer := captureLog(t)

	ctx := context.WithValue(context.Background(), TraceIdKey, "trace-12345")
	Info(ctx, "payment credited", zap.Int64("order_id", 42), zap.String("amount", "5.00"))

	entry := decode(t, buffer)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "payment credited", entry["msg"])
	assert.Equal(t, float64(42), entry["order_id"])
	assert.Equal(t, "5.00", entry["amount"])
	assert.Equal(t, "trace-12345", entry["trace_id"])
}

func TestLogger_Error_NoTraceID(t *testing.T) {
	buffer := captureLog(t)

	Error(context.Background(), "explorer unavailable", zap.String("currency", "btc"))

	entry := decode(t, buffer)
	_, exists := entry["trace_id"]
	assert.False(t, exists)
	assert.Equal(t, "error", entry["level"])
}

func TestLogger_WithFields(t *testing.T) {
	buffer := captureLog(t)

	ctx := WithFields(context.Background(), zap.Int64("order_id", 7))
	ctx = WithFields(ctx, zap.String("currency", "usdt"))
	Warn(ctx, "no match yet", zap.Int("attempt", 3))

	entry := decode(t, buffer)
	assert.Equal(t, float64(7), entry["order_id"])
	assert.Equal(t, "usdt", entry["currency"])
	assert.Equal(t, float64(3), entry["attempt"])
}

func TestLogger_NilLogIsNoop(t *testing.T) {
	prev := Log
	Log = nil
	t.Cleanup(func() { Log = prev })

	assert.NotPanics(t, func() {
		Info(context.Background(), "dropped")
	})
}
