package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncar/dsquasar/internal/config"
	"github.com/ncar/dsquasar/internal/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	configDir := filepath.Join(dir, "dsquasar")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	path := filepath.Join(configDir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Archive.Root)
	assert.Nil(t, cfg.Engine.MaxConcurrency)
	assert.Nil(t, cfg.Metrics.Listen)
}

func TestLoad_FullConfig(t *testing.T) {
	writeConfig(t, `
[archive]
root = "/glade/campaign/collections/rda/data"
filter = ["- *.tmp", "+ ds*/**"]

[catalog]
path = "/var/lib/dsquasar/catalog.db"

[journal]
path = "/var/lib/dsquasar/journal.db"

[service]
kind = "localfs"
backup_root = "/quasar"
bwlimit = "500M"
requests_per_second = 2.5
call_timeout = "45s"

[engine]
max_concurrency = 16
max_attempts = 5
integrity_retries = -1
batch_max_files = 200
batch_max_bytes = "3T"
batch_min_bytes = "1T"
stale_after = "2h"
poll_interval = "10s"
interval = "6h"

[metrics]
listen = ":9105"
`)

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Archive.Root)
	assert.Equal(t, "/glade/campaign/collections/rda/data", *cfg.Archive.Root)
	assert.Equal(t, []string{"- *.tmp", "+ ds*/**"}, cfg.Archive.Filter)
	require.NotNil(t, cfg.Catalog.Path)
	assert.Equal(t, "/var/lib/dsquasar/catalog.db", *cfg.Catalog.Path)
	require.NotNil(t, cfg.Service.Kind)
	assert.Equal(t, "localfs", *cfg.Service.Kind)
	require.NotNil(t, cfg.Metrics.Listen)
	assert.Equal(t, ":9105", *cfg.Metrics.Listen)

	bps, err := cfg.Service.BytesPerSecond()
	require.NoError(t, err)
	assert.Equal(t, int64(500<<20), bps)

	var ec engine.Config
	require.NoError(t, cfg.Engine.Apply(&ec))
	require.NoError(t, cfg.Service.Apply(&ec))
	assert.Equal(t, 16, ec.MaxConcurrency)
	assert.Equal(t, 5, ec.MaxAttempts)
	assert.Equal(t, -1, ec.IntegrityRetries)
	assert.Equal(t, 200, ec.Batch.MaxFiles)
	assert.Equal(t, int64(3<<40), ec.Batch.MaxBytes)
	assert.Equal(t, int64(1<<40), ec.Batch.MinBytes)
	assert.Equal(t, 2*time.Hour, ec.StaleAfter)
	assert.Equal(t, 10*time.Second, ec.PollBackoff.Base)
	assert.Equal(t, 2.5, ec.RequestsPerSecond)
	assert.Equal(t, 45*time.Second, ec.CallTimeout)

	// Unset fields should remain untouched.
	assert.Zero(t, ec.ChecksumWorkers)
	assert.Zero(t, ec.RetryBackoff.Base)

	interval, err := cfg.Engine.PassInterval(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, interval)
}

func TestLoad_PartialConfig(t *testing.T) {
	writeConfig(t, `
[engine]
max_attempts = 4
`)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Engine.MaxAttempts)
	assert.Equal(t, 4, *cfg.Engine.MaxAttempts)
	assert.Nil(t, cfg.Engine.MaxConcurrency)
	assert.Nil(t, cfg.Service.BackupRoot)

	chain, err := cfg.Archive.FilterChain()
	require.NoError(t, err)
	assert.Nil(t, chain)

	interval, err := cfg.Engine.PassInterval(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, interval)
}

func TestLoad_InvalidTOML(t *testing.T) {
	writeConfig(t, `[engine
max_attempts = `)

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_UnknownKey(t *testing.T) {
	writeConfig(t, `
[engine]
max_atempts = 4
`)

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.max_atempts")
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApply_InvalidValues(t *testing.T) {
	bad := "soon"
	tests := []struct {
		name string
		cfg  config.EngineConfig
		want string
	}{
		{"size", config.EngineConfig{BatchMaxBytes: &bad}, "batch_max_bytes"},
		{"duration", config.EngineConfig{StaleAfter: &bad}, "stale_after"},
		{"retry", config.EngineConfig{RetryMax: &bad}, "retry_max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ec engine.Config
			err := tt.cfg.Apply(&ec)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	neg := "-5s"
	_, err := config.EngineConfig{Interval: &neg}.PassInterval(time.Minute)
	assert.Error(t, err)

	_, err = config.ServiceConfig{BWLimit: &bad}.BytesPerSecond()
	assert.Error(t, err)
}

func TestFilterChain(t *testing.T) {
	rules := filepath.Join(t.TempDir(), "rules")
	require.NoError(t, os.WriteFile(rules, []byte("# scratch\n- **/scratch/**\n"), 0o644))

	a := config.ArchiveConfig{Filter: []string{"- *.tmp"}, FilterFile: &rules}
	chain, err := a.FilterChain()
	require.NoError(t, err)
	require.NotNil(t, chain)
	assert.False(t, chain.Match("ds083.2/a.tmp", 1))
	assert.False(t, chain.Match("ds083.2/scratch/x.grb2", 1))
	assert.True(t, chain.Match("ds083.2/x.grb2", 1))
}

func TestPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, "/xdg/dsquasar/config.toml", config.Path())
}
