package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONWithService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagepool.log")

	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)
	log.Debug("segment allocated")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry))
	require.Equal(t, "segment allocated", entry["msg"])
	require.Equal(t, "DEBUG", entry["level"])
	require.Equal(t, DefaultService, entry["service"])
}

func TestNew_LevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagepool.log")

	log, err := New(Config{Level: "warn", OutputFile: path, Service: "cli"})
	require.NoError(t, err)
	log.Info("dropped")
	log.Warn("kept")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "dropped")
	require.Contains(t, string(raw), `"service":"cli"`)
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestNew_Discard(t *testing.T) {
	log, err := New(Config{OutputFile: "discard"})
	require.NoError(t, err)
	log.Info("nowhere")
}
