package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	c, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSQLite_InsertAndQuery(t *testing.T) {
	ctx := context.Background()
	c := openTestSQLite(t)

	mtime := time.Unix(1700000000, 0)
	require.NoError(t, c.Insert(ctx, Record{Path: "ds1/b.nc", Size: 20, ModTime: mtime, State: Verified}))
	require.NoError(t, c.Insert(ctx, Record{Path: "ds1/a.nc", Size: 10, ModTime: mtime, State: Unbacked}))
	require.NoError(t, c.Insert(ctx, Record{Path: "ds10/c.nc", Size: 30, ModTime: mtime, State: Unbacked}))

	all, err := c.Records(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ds1/a.nc", all[0].Path)
	assert.True(t, mtime.Equal(all[0].ModTime))

	ds1, err := c.Records(ctx, Filter{Prefix: "ds1"})
	require.NoError(t, err)
	assert.Len(t, ds1, 2)

	unbacked, err := c.Records(ctx, Filter{States: []State{Unbacked}})
	require.NoError(t, err)
	assert.Len(t, unbacked, 2)
}

func TestSQLite_UpdateStateCAS(t *testing.T) {
	ctx := context.Background()
	c := openTestSQLite(t)
	require.NoError(t, c.Insert(ctx, Record{Path: "f", Size: 1, State: InTransfer}))

	err := c.UpdateState(ctx, "f", Pending, Verified, "")
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, c.UpdateState(ctx, "f", InTransfer, Verified, ""))
	recs, err := c.Records(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, Verified, recs[0].State)
	assert.False(t, recs[0].LastBackup.IsZero())

	err = c.UpdateState(ctx, "nope", Unbacked, Pending, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_RecordChecksum(t *testing.T) {
	ctx := context.Background()
	c := openTestSQLite(t)
	require.NoError(t, c.Insert(ctx, Record{Path: "f", Size: 1, State: Unbacked}))

	require.NoError(t, c.RecordChecksum(ctx, "f", "abc", 99))
	recs, err := c.Records(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, "abc", recs[0].Checksum)
	assert.Equal(t, int64(99), recs[0].Size)

	assert.ErrorIs(t, c.RecordChecksum(ctx, "nope", "abc", 1), ErrNotFound)
}

func TestSQLite_Import(t *testing.T) {
	ctx := context.Background()
	c := openTestSQLite(t)
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "ds1", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ds1", "a.nc"), []byte("aaaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ds1", "sub", "b.nc"), []byte("bb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ds1", "skip.tmp"), []byte("x"), 0o644))

	keep := func(rel string, _ int64) bool { return filepath.Ext(rel) != ".tmp" }

	res, err := c.Import(ctx, root, keep)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Added: 2, Skipped: 1}, res)

	recs, err := c.Records(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "ds1/a.nc", recs[0].Path)
	assert.Equal(t, "ds1/sub/b.nc", recs[1].Path)
	assert.Equal(t, Unbacked, recs[0].State)

	// Modify one file; re-import refreshes its metadata only.
	require.NoError(t, os.WriteFile(filepath.Join(root, "ds1", "a.nc"), []byte("aaaaaaaa"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "ds1", "a.nc"), future, future))

	res, err = c.Import(ctx, root, keep)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Changed: 1, Unchanged: 1, Skipped: 1}, res)

	recs, err = c.Records(ctx, Filter{Prefix: "ds1/a.nc"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(8), recs[0].Size)
}

func TestSQLite_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")

	c, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, Record{Path: "f", Size: 1, State: Failed, Reason: "integrity mismatch"}))
	require.NoError(t, c.Close())

	c, err = OpenSQLite(path)
	require.NoError(t, err)
	defer c.Close()

	recs, err := c.Records(ctx, Filter{States: []State{Failed}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "integrity mismatch", recs[0].Reason)
}
