package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLogger(level LogLevel) (*RoostLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: level, Format: "json", Output: &buf})
	return logger, &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warn"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelInfo, ParseLevel("garbage"))
}

func TestLoggerEmitsFields(t *testing.T) {
	logger, buf := jsonLogger(LevelInfo)
	logger.Info(context.Background(), "service loaded", "service", "nginx", "group", "default")

	entry := decodeLine(t, buf)
	assert.Equal(t, "service loaded", entry["msg"])
	assert.Equal(t, "nginx", entry["service"])
	assert.Equal(t, "default", entry["group"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	logger, buf := jsonLogger(LevelWarn)
	logger.Debug(context.Background(), "dropped")
	logger.Info(context.Background(), "dropped too")
	assert.Zero(t, buf.Len())

	logger.Warn(context.Background(), nil, "kept")
	assert.NotZero(t, buf.Len())
}

func TestLoggerIncludesError(t *testing.T) {
	logger, buf := jsonLogger(LevelInfo)
	logger.Error(context.Background(), errors.New("boom"), "render failed")

	entry := decodeLine(t, buf)
	assert.Equal(t, "boom", entry["error"])
}

func TestWithComponentAndFields(t *testing.T) {
	logger, buf := jsonLogger(LevelInfo)
	child := logger.WithComponent("gossip").With("peer", "10.0.0.2")
	child.Info(context.Background(), "connected")

	entry := decodeLine(t, buf)
	assert.Equal(t, "gossip", entry["component"])
	assert.Equal(t, "10.0.0.2", entry["peer"])

	// the parent logger is unchanged
	buf.Reset()
	logger.Info(context.Background(), "plain")
	entry = decodeLine(t, buf)
	_, hasComponent := entry["component"]
	assert.False(t, hasComponent)
}

func TestNopLoggerIsSafe(t *testing.T) {
	var logger Logger = NopLogger{}
	logger = logger.WithComponent("x").With("k", "v")
	logger.Debug(context.Background(), "msg")
	logger.Error(context.Background(), errors.New("boom"), "msg")
}
