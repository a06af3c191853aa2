package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Component(NewLogger("debug", "json", &buf), "scheduler")
	l.Debug("batch started", "task_id", "t1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "batch started", rec["msg"])
	assert.Equal(t, "scheduler", rec["component"])
	assert.Equal(t, "convsim", rec["service"])
	assert.Equal(t, "t1", rec["task_id"])
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("warn", "text", &buf)
	l.Info("hidden")
	assert.Empty(t, buf.String())
	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
