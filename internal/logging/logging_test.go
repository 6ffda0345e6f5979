package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Format: "json", Level: "warn"})

	logger.Info("dropped")
	logger.Warn("kept", "patch", "p1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "p1", entry["patch"])
}

func TestNew_TextWithoutTerminalHasNoColour(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Verbose: true})

	logger.Debug("tracked", "commit", "abc")
	assert.Contains(t, buf.String(), "tracked")
	assert.Contains(t, buf.String(), "commit=abc")
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}
