package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "20240101_000000.log")
	logger, closeFn, err := New(Options{Level: "info", File: path, Rank: -1})
	require.NoError(t, err)

	logger.Info("epoch:001 step:0000")
	logger.Debug("hidden")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "epoch:001 step:0000")
	assert.NotContains(t, string(data), "hidden")
	assert.NotContains(t, string(data), "rank")
}

func TestSecondaryRanksOnlyWarn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rank1.log")
	logger, closeFn, err := New(Options{Level: "debug", File: path, Rank: 1})
	require.NoError(t, err)

	logger.Info("info line")
	logger.Warn("warn line")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.TrimSpace(string(data))
	assert.NotContains(t, lines, "info line")
	assert.Contains(t, lines, "warn line")
	assert.Contains(t, lines, "rank")
}

func TestInvalidLevel(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}
