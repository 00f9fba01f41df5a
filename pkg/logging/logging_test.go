package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aeolun/worldlink/pkg/config"
)

func TestNewJSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "info", Stderr: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("handshake complete", zap.Int("seed_len", 12))
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "debug is below the level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "handshake complete", entry["msg"])
	assert.Equal(t, float64(12), entry["seed_len"])
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Console: true, Stderr: &buf})
	require.NoError(t, err)

	logger.Debug("tick", zap.String("step", "committed"))
	assert.Contains(t, buf.String(), "tick")
	assert.Contains(t, buf.String(), `"step": "committed"`)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worldlink.log")
	opts, err := FromConfig(config.LoggingSection{
		Level:      "warn",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, opts.File)
	opts.Stderr = &bytes.Buffer{}

	logger, err := New(opts)
	require.NoError(t, err)
	logger.Info("below the level")
	logger.Warn("invalid frame length, resynchronizing", zap.Int("dropped", 2))
	require.NoError(t, logger.Sync())
	require.NoError(t, opts.File.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "resynchronizing")
	assert.NotContains(t, string(data), "below the level")
}

func TestFromConfigWithoutFile(t *testing.T) {
	opts, err := FromConfig(config.Default().Logging)
	require.NoError(t, err)
	assert.Nil(t, opts.File)
	assert.True(t, opts.Console)
	assert.Equal(t, "info", opts.Level)
}
