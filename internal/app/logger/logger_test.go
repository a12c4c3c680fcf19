package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	level, err = ParseLevel("trace")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestSetDefaultJSONLogger(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	SetDefaultJSONLogger(&buf, slog.LevelInfo)

	slog.Debug("hidden")
	slog.Info("visible", "roomId", "1234")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"roomId":"1234"`)
}

func TestSetTextLogger_File(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	f, err := os.Create(filepath.Join(t.TempDir(), "relay.log"))
	require.NoError(t, err)
	defer f.Close()

	SetTextLogger(f, slog.LevelInfo, false)
	slog.Debug("hidden")
	slog.Info("Room created", "roomId", "1234")

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "Room created")
	assert.Contains(t, out, "roomId=1234")
	assert.NotContains(t, out, "\x1b[")
}
