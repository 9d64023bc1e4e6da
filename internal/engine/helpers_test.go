package engine

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/journal"
	"github.com/ncar/dsquasar/internal/transfer/transfertest"
)

// writeArchive creates files (slash paths to contents) under a temp root.
func writeArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

// unbacked returns one UNBACKED record per file, ordered by path.
func unbacked(files map[string]string) []catalog.Record {
	recs := make([]catalog.Record, 0, len(files))
	for rel, content := range files {
		recs = append(recs, catalog.Record{
			Path:    rel,
			Size:    int64(len(content)),
			State:   catalog.Unbacked,
			ModTime: time.Now().Add(-time.Hour),
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Path < recs[j].Path })
	return recs
}

func fastBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 1}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type harness struct {
	root string
	cat  *catalog.Memory
	svc  *transfertest.Service
	jnl  *journal.DB
}

func newHarness(t *testing.T, files map[string]string, recs ...catalog.Record) *harness {
	t.Helper()
	root := writeArchive(t, files)
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })
	return &harness{
		root: root,
		cat:  catalog.NewMemory(recs...),
		svc:  transfertest.New(root),
		jnl:  jnl,
	}
}

func (h *harness) engine(t *testing.T, mod func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Catalog:      h.cat,
		Service:      h.svc,
		Journal:      h.jnl,
		ArchiveRoot:  h.root,
		PollBackoff:  fastBackoff(),
		RetryBackoff: fastBackoff(),
	}
	if mod != nil {
		mod(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func (h *harness) record(t *testing.T, path string) catalog.Record {
	t.Helper()
	rec, ok := h.cat.Get(path)
	require.True(t, ok, "no record %s", path)
	return rec
}

func (h *harness) readLocal(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(h.root, filepath.FromSlash(path)))
	require.NoError(t, err)
	return string(b)
}
