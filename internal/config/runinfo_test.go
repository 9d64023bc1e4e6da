package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncar/dsquasar/internal/config"
)

func TestWriteReadRunInfo(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, config.WriteRunInfo("abc123", config.RunInfo{
		PID:         os.Getpid(),
		Started:     started,
		Journal:     "/run/dsquasar/abc123.db",
		MetricsAddr: "127.0.0.1:9105",
		Continuous:  true,
	}))

	path := filepath.Join(dir, "dsquasar", "abc123.run.toml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `metrics_addr = "127.0.0.1:9105"`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := config.ReadRunInfo("abc123")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got.PID)
	assert.True(t, got.Started.Equal(started))
	assert.True(t, got.Continuous)
	assert.Equal(t, "/run/dsquasar/abc123.db", got.Journal)
}

func TestReadRunInfo_Missing(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	_, err := config.ReadRunInfo("abc123")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadRunInfo_DeadProcess(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	require.NoError(t, config.WriteRunInfo("abc123", config.RunInfo{PID: 0}))
	_, err := config.ReadRunInfo("abc123")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorIs(t, config.RunInfo{}.Signal(0), os.ErrProcessDone)
}

func TestRemoveRunInfo(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	require.NoError(t, config.WriteRunInfo("abc123", config.RunInfo{PID: os.Getpid()}))
	config.RemoveRunInfo("abc123")

	_, err := os.Stat(filepath.Join(dir, "dsquasar", "abc123.run.toml"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunInfoPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/dsquasar/j1.run.toml", config.RunInfoPath("j1"))
}
