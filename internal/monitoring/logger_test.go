package monitoring

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Info().Msg("dropped")
	logger.Warn().Str("component", "broker").Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "careline-ws", entry["service"])
	assert.Equal(t, "broker", entry["component"])
	assert.Contains(t, entry, "time")
	assert.Contains(t, entry, "caller")
}

func TestRecoverPanicSwallowsPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: "info", Output: &buf})

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "test", map[string]any{"connection_id": "c1"})
		panic("boom")
	})
	assert.Contains(t, buf.String(), "boom")
	assert.Contains(t, buf.String(), `"connection_id":"c1"`)
}
