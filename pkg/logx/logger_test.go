package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLast(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &out))
	return out
}

func TestLogger_KeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput("debug", "handler", &buf)

	l.Info("connection established", "slot", 1, "role", "default", "err", errors.New("boom"))
	rec := decodeLast(t, &buf)

	assert.Equal(t, "connection established", rec["msg"])
	assert.Equal(t, "handler", rec["component"])
	assert.Equal(t, float64(1), rec["slot"])
	assert.Equal(t, "default", rec["role"])
	assert.Equal(t, "boom", rec["err"])
}

func TestLogger_MapAndWith(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput("info", "", &buf).With("slot", 0)

	l.Warn("stall", map[string]interface{}{"packets": 12})
	rec := decodeLast(t, &buf)

	assert.Equal(t, float64(0), rec["slot"])
	assert.Equal(t, float64(12), rec["packets"])
	_, hasComponent := rec["component"]
	assert.False(t, hasComponent)
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput("warn", "x", &buf)

	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.SetLevel("debug")
	l.Debug("visible")
	assert.NotZero(t, buf.Len())
	assert.Equal(t, "debug", l.Level())

	t.Run("invalid_level_defaults_to_info", func(t *testing.T) {
		l := NewLoggerWithOutput("loud", "x", &bytes.Buffer{})
		assert.Equal(t, "info", l.Level())
	})
}

func TestLogger_OddArgs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput("info", "", &buf)

	l.Info("odd", "dangling")
	rec := decodeLast(t, &buf)
	assert.Equal(t, "(missing)", rec["dangling"])
}

func TestPerformanceLogger_Complete(t *testing.T) {
	var buf bytes.Buffer
	pl := NewPerformanceLogger(NewLoggerWithOutput("debug", "store", &buf))

	op := pl.StartOperation(context.Background(), "query")
	op.Complete(nil)
	op = pl.StartOperation(context.Background(), "query")
	op.Complete(errors.New("locked"))

	snap := pl.Snapshot()
	require.Contains(t, snap, "query")
	assert.Equal(t, int64(2), snap["query"].Count)
	assert.Equal(t, int64(1), snap["query"].Errors)
	assert.Equal(t, "locked", snap["query"].LastFailure)

	var nilCtx *PerformanceContext
	assert.Zero(t, nilCtx.Complete(nil))
}
