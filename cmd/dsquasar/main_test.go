package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/engine"
	"github.com/ncar/dsquasar/internal/filter"
	"github.com/ncar/dsquasar/internal/journal"
	"github.com/ncar/dsquasar/internal/stats"
	"github.com/ncar/dsquasar/internal/transfer"
)

// env is an archive, a backup root and a config file tuned for fast passes.
type env struct {
	archive string
	backup  string
	config  string
}

func newEnv(t *testing.T, files map[string]string) env {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	e := env{archive: t.TempDir(), backup: t.TempDir()}
	for rel, content := range files {
		p := filepath.Join(e.archive, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}

	e.config = filepath.Join(t.TempDir(), "config.toml")
	content := `
[archive]
root = "` + e.archive + `"

[service]
backup_root = "` + e.backup + `"

[engine]
poll_interval = "5ms"
poll_max = "20ms"
retry_interval = "5ms"
retry_max = "20ms"
`
	require.NoError(t, os.WriteFile(e.config, []byte(content), 0o644))
	return e
}

// dsquasar runs the CLI and returns its exit code and output.
func (e env) dsquasar(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(append([]string{"--config", e.config}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestBackupStatusRestoreCycle(t *testing.T) {
	files := map[string]string{
		"ds083.2/2024/a.grb2": "grib a",
		"ds083.2/2024/b.grb2": "grib bb",
		"ds084.1/c.nc":        "netcdf",
	}
	e := newEnv(t, files)

	code, out, _ := e.dsquasar(t, "catalog", "import")
	require.Equal(t, 0, code)
	assert.Equal(t, "added 3  changed 0  unchanged 0  skipped 0\n", out)

	code, out, stderr := e.dsquasar(t, "run")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "✓ ds083.2/2024/a.grb2")
	assert.Contains(t, stderr, "done ✓  verified 3")
	for rel, content := range files {
		b, err := os.ReadFile(filepath.Join(e.backup, filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, content, string(b))
	}

	code, out, _ = e.dsquasar(t, "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "  VERIFIED                3")
	assert.Contains(t, out, "running  no")

	code, out, _ = e.dsquasar(t, "catalog", "list", "--state", "verified", "ds083.2")
	require.Equal(t, 0, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "VERIFIED"), lines[0])
	assert.True(t, strings.HasSuffix(lines[0], "ds083.2/2024/a.grb2"), lines[0])

	// Lose part of the archive and ask for it back.
	require.NoError(t, os.RemoveAll(filepath.Join(e.archive, "ds083.2")))
	code, out, _ = e.dsquasar(t, "restore", filepath.Join(e.archive, "ds083.2"), "--exclude", "b.grb2")
	require.Equal(t, 0, code)
	assert.Equal(t, "restore request #1: ds083.2\n", out)

	code, out, stderr = e.dsquasar(t, "run")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "↓ ds083.2/2024/a.grb2")
	assert.Contains(t, out, "restore ds083.2 done")
	b, err := os.ReadFile(filepath.Join(e.archive, "ds083.2", "2024", "a.grb2"))
	require.NoError(t, err)
	assert.Equal(t, "grib a", string(b))
	assert.NoFileExists(t, filepath.Join(e.archive, "ds083.2", "2024", "b.grb2"))

	code, out, _ = e.dsquasar(t, "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "#1 ds083.2  DONE")
	assert.Contains(t, out, "[- b.grb2]")

	manifests, err := filepath.Glob(filepath.Join(e.backup, ".dsquasar", "tasks", "*.manifest"))
	require.NoError(t, err)
	require.NotEmpty(t, manifests)
	code, out, _ = e.dsquasar(t, "manifest", "summarize", manifests[0])
	require.Equal(t, 0, code)
	assert.Contains(t, out, "members   ")
}

func TestFailedRecordsSetExitCode(t *testing.T) {
	e := newEnv(t, nil)
	cat, err := catalog.OpenSQLite(filepath.Join(e.archive, ".dsquasar", "catalog.db"))
	require.NoError(t, err)
	ctx := context.Background()
	for _, p := range []string{"ds001.0/x", "ds001.0/y", "ds002.0/z"} {
		require.NoError(t, cat.Insert(ctx, catalog.Record{
			Path: p, Size: 1, State: catalog.Failed, Reason: "TransferFailed",
		}))
	}
	require.NoError(t, cat.Close())

	code, out, _ := e.dsquasar(t, "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAILED (3)")
	assert.Contains(t, out, "ds001.0/x  TransferFailed")

	code, out, _ = e.dsquasar(t, "catalog", "retry", "ds001.0")
	require.Equal(t, 0, code)
	assert.Equal(t, "2 records returned to UNBACKED\n", out)

	code, out, _ = e.dsquasar(t, "catalog", "list", "--state", "UNBACKED")
	require.Equal(t, 0, code)
	assert.Equal(t, 2, strings.Count(out, "UNBACKED"))

	code, _, _ = e.dsquasar(t, "status")
	assert.Equal(t, 1, code)
}

func TestPassResult(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	require.NoError(t, passResult(engine.Report{}))

	var exitErr *exitError
	err := passResult(engine.Report{
		Outstanding: 1,
		Failed: []engine.FailedRecord{
			{Path: "ds001.0/x", Direction: transfer.Backup, Reason: "TransferFailed"},
		},
	})
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.code)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "path=ds001.0/x")

	buf.Reset()
	err = passResult(engine.Report{
		Invariants: []error{errors.New("task t1 handed over in status QUEUED")},
	})
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, exitAborted, exitErr.code, "a broken invariant fails the run even with nothing outstanding")
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "handed over in status QUEUED")
}

func TestAbortedExitCode(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	var out, errOut bytes.Buffer
	code := run([]string{"run"}, &out, &errOut)
	assert.Equal(t, exitAborted, code)
	assert.Contains(t, errOut.String(), "no archive root")

	e := newEnv(t, nil)
	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[engine]\nstale_after = \"soon\"\n"), 0o644))
	code = run([]string{"--config", bad, "--archive", e.archive, "--backup", e.backup, "run"}, &out, &errOut)
	assert.Equal(t, exitAborted, code)
	assert.Contains(t, errOut.String(), "stale_after")

	code, _, stderr := e.dsquasar(t, "run", "--bwlimit", "fast")
	assert.Equal(t, exitAborted, code)
	assert.Contains(t, stderr, "invalid --bwlimit")
}

func TestRunWithoutJournal(t *testing.T) {
	e := newEnv(t, map[string]string{"ds001.0/x": "x"})
	code, _, _ := e.dsquasar(t, "catalog", "import")
	require.Equal(t, 0, code)

	code, _, stderr := e.dsquasar(t, "--no-journal", "-q", "run", "--max-concurrency", "1")
	require.Equal(t, 0, code, stderr)
	assert.NoFileExists(t, journal.DefaultPath(e.archive, e.backup))

	code, _, stderr = e.dsquasar(t, "--no-journal", "restore", "ds001.0")
	assert.Equal(t, exitAborted, code)
	assert.Contains(t, stderr, "journal")
}

func TestLogFile(t *testing.T) {
	e := newEnv(t, map[string]string{"ds001.0/x": "x"})
	code, _, _ := e.dsquasar(t, "catalog", "import")
	require.Equal(t, 0, code)

	logPath := filepath.Join(t.TempDir(), "run.json")
	code, _, stderr := e.dsquasar(t, "--log", logPath, "run")
	require.Equal(t, 0, code, stderr)

	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"dsquasar.event"`)
	assert.Contains(t, string(b), `"type":"VerifyOK"`)
}

func TestCancelJournaled(t *testing.T) {
	ctx := context.Background()
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer jnl.Close()

	now := time.Now()
	require.NoError(t, jnl.Save(ctx,
		journal.Entry{TaskID: "t1", Path: "a", RemoteID: "r1", Status: "POLLING", Direction: transfer.Backup, CreatedAt: now, UpdatedAt: now},
		journal.Entry{TaskID: "t1", Path: "b", RemoteID: "r1", Status: "POLLING", Direction: transfer.Backup, CreatedAt: now, UpdatedAt: now},
		journal.Entry{TaskID: "t2", Path: "c", Status: "QUEUED", Direction: transfer.Restore, CreatedAt: now, UpdatedAt: now},
		journal.Entry{TaskID: "t3", Path: "d", RemoteID: "r3", Status: "ERROR", Direction: transfer.Backup, CreatedAt: now, UpdatedAt: now},
	))

	svc := &fakeCanceller{fail: map[string]bool{}}
	n, err := cancelJournaled(ctx, jnl, svc)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"r1"}, svc.cancelled)

	entries, err := jnl.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, "ERROR", e.Status, e.Path)
	}

	n, err = cancelJournaled(ctx, jnl, svc)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelWithoutJournal(t *testing.T) {
	e := newEnv(t, nil)
	code, out, _ := e.dsquasar(t, "cancel")
	require.Equal(t, 0, code)
	assert.Equal(t, "no journal: nothing to cancel\n", out)
}

type fakeCanceller struct {
	fail      map[string]bool
	cancelled []string
}

func (f *fakeCanceller) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	if f.fail[id] {
		return errors.New("refused")
	}
	return nil
}

func TestArchiveRel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ds083.2", "ds083.2", false},
		{"ds083.2/", "ds083.2", false},
		{"./ds083.2/2024", "ds083.2/2024", false},
		{"/data/ds083.2", "ds083.2", false},
		{"/data", "", false},
		{".", "", false},
		{"/elsewhere/ds083.2", "", true},
		{"../ds083.2", "", true},
		{"ds083.2/../../x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := archiveRel("/data", tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterFlagsKeepOrder(t *testing.T) {
	chain := filter.NewChain()
	inc := &filterFlag{chain: chain, include: true}
	exc := &filterFlag{chain: chain}
	require.NoError(t, inc.Set("keep.grb2"))
	require.NoError(t, exc.Set("*.grb2"))
	assert.True(t, chain.Match("ds/keep.grb2", 1))
	assert.False(t, chain.Match("ds/other.grb2", 1))

	var rules []string
	require.NoError(t, (&ruleFlag{rules: &rules}).Set("*.tmp"))
	require.NoError(t, (&ruleFlag{rules: &rules, include: true}).Set("ds*/**"))
	assert.Equal(t, []string{"- *.tmp", "+ ds*/**"}, rules)
}

func TestServeMetrics(t *testing.T) {
	collector := stats.NewCollector()
	collector.AddPasses(2)
	collector.AddTransportRetries(1)

	addr, shutdown, err := serveMetrics("127.0.0.1:0", collector)
	require.NoError(t, err)
	defer shutdown()

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "dsquasar_passes_total 2")
	assert.Contains(t, string(body), "dsquasar_transport_retries_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestGenDocs(t *testing.T) {
	e := newEnv(t, nil)
	dir := t.TempDir()
	code, _, stderr := e.dsquasar(t, "docs", dir, "--format", "markdown")
	require.Equal(t, 0, code, stderr)
	assert.FileExists(t, filepath.Join(dir, "dsquasar.md"))
	assert.FileExists(t, filepath.Join(dir, "dsquasar_catalog_import.md"))

	code, _, _ = e.dsquasar(t, "docs", dir, "--format", "pdf")
	assert.Equal(t, exitAborted, code)
}
