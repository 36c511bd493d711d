package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagecache.log")
	logger, err := New(Config{Level: "warn", OutputFile: path}, "pagesim")
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", zap.Int("pages", 3))
	require.NoError(t, logger.Sync())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "pagesim", entry["service"])
	assert.Equal(t, float64(3), entry["pages"])
}

func TestNewInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "unknown level",
			cfg:  Config{Level: "loud"},
		},
		{
			name: "unknown format",
			cfg:  Config{Format: "xml"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, "pagesim")
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNewConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	logger, err := New(Config{Level: "debug", Format: "console", OutputFile: path}, "pagesim")
	require.NoError(t, err)
	logger.Debug("hello")
	require.NoError(t, logger.Sync())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "DEBUG")
	assert.Contains(t, string(b), "hello")
}
