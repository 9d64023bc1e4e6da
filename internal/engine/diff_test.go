package engine

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncar/dsquasar/internal/catalog"
)

var diffNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func diffRecords() []catalog.Record {
	fresh, old := diffNow.Add(-time.Minute), diffNow.Add(-2*time.Hour)
	return []catalog.Record{
		{Path: "a/new", State: catalog.Unbacked, StateChanged: fresh},
		{Path: "a/stale", State: catalog.Stale, StateChanged: fresh},
		{Path: "b/pending-fresh", State: catalog.Pending, StateChanged: fresh},
		{Path: "b/pending-stuck", State: catalog.Pending, StateChanged: old},
		{Path: "c/moving", State: catalog.InTransfer, StateChanged: fresh},
		{Path: "c/stuck", State: catalog.InTransfer, StateChanged: old},
		{Path: "d/done", State: catalog.Verified, Size: 3, Checksum: "abc"},
		{Path: "d/gone", State: catalog.Verified, Size: 3, Checksum: "abc"},
		{Path: "e/failed", State: catalog.Failed, Reason: "TransferFailed"},
	}
}

func paths(items Worklist) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Record.Path
	}
	return out
}

func TestComputeWorklistClassifies(t *testing.T) {
	chain, err := RestoreChain("d/gone", nil)
	require.NoError(t, err)

	items, err := ComputeWorklist(Snapshot{
		Now:        diffNow,
		Records:    diffRecords(),
		Restores:   []RestoreRequest{{Chain: chain}},
		StaleAfter: time.Hour,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"d/gone", "a/stale", "c/stuck", "a/new", "b/pending-stuck"}, paths(items))
	want := []struct {
		action   Action
		priority Priority
	}{
		{Restore, PriorityRestore},
		{Backup, PriorityStaleBackup},
		{Verify, PriorityVerify},
		{Backup, PriorityNewBackup},
		{Backup, PriorityNewBackup},
	}
	for i, w := range want {
		assert.Equal(t, w.action, items[i].Action, items[i].Record.Path)
		assert.Equal(t, w.priority, items[i].Priority, items[i].Record.Path)
	}
	assert.Equal(t, 3, items.Count(Backup))
	assert.Equal(t, 1, items.Count(Restore))
	assert.Equal(t, 0, items.Count(Skip))
}

func TestComputeWorklistIsDeterministic(t *testing.T) {
	snap := Snapshot{Now: diffNow, Records: diffRecords(), StaleAfter: time.Hour}
	first, err := ComputeWorklist(snap)
	require.NoError(t, err)

	for range 10 {
		recs := diffRecords()
		rand.Shuffle(len(recs), func(i, j int) { recs[i], recs[j] = recs[j], recs[i] })
		snap.Records = recs
		again, err := ComputeWorklist(snap)
		require.NoError(t, err)
		assert.Equal(t, paths(first), paths(again))
	}
}

func TestComputeWorklistRestoreComparesLocalCopy(t *testing.T) {
	chain, err := RestoreChain("d", nil)
	require.NoError(t, err)
	recs := []catalog.Record{{Path: "d/x", State: catalog.Verified, Size: 3, Checksum: "abc"}}

	tests := []struct {
		name  string
		local map[string]LocalInfo
		want  bool
	}{
		{"absent", nil, true},
		{"missing", map[string]LocalInfo{"d/x": {}}, true},
		{"size differs", map[string]LocalInfo{"d/x": {Exists: true, Size: 4, Checksum: "abc"}}, true},
		{"checksum differs", map[string]LocalInfo{"d/x": {Exists: true, Size: 3, Checksum: "abd"}}, true},
		{"intact", map[string]LocalInfo{"d/x": {Exists: true, Size: 3, Checksum: "abc"}}, false},
		{"not hashed", map[string]LocalInfo{"d/x": {Exists: true, Size: 3}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ComputeWorklist(Snapshot{
				Now: diffNow, Records: recs, Local: tt.local,
				Restores: []RestoreRequest{{Chain: chain}}, StaleAfter: time.Hour,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, items.Count(Restore) == 1)
		})
	}
}

func TestComputeWorklistRestoreBeatsStaleBackup(t *testing.T) {
	chain, err := RestoreChain("d", nil)
	require.NoError(t, err)
	backedUp := diffNow.Add(-3 * time.Hour)
	recs := []catalog.Record{
		{Path: "d/edited", State: catalog.Stale, Size: 3, Checksum: "abc", LastBackup: backedUp},
		{Path: "d/never", State: catalog.Stale, Size: 3},
		{Path: "e/edited", State: catalog.Stale, Size: 3, LastBackup: backedUp},
	}

	items, err := ComputeWorklist(Snapshot{
		Now: diffNow, Records: recs,
		Restores: []RestoreRequest{{Chain: chain}}, StaleAfter: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"d/edited", "d/never", "e/edited"}, paths(items))
	assert.Equal(t, []Action{Restore, Backup, Backup},
		[]Action{items[0].Action, items[1].Action, items[2].Action})
}

func TestRetryState(t *testing.T) {
	assert.Equal(t, catalog.Unbacked, retryState(catalog.Record{State: catalog.Failed}))
	assert.Equal(t, catalog.Stale, retryState(catalog.Record{State: catalog.Failed, LastBackup: diffNow}))
}

func TestComputeWorklistWithoutRestoreRequest(t *testing.T) {
	items, err := ComputeWorklist(Snapshot{
		Now:        diffNow,
		Records:    []catalog.Record{{Path: "d/x", State: catalog.Verified, Size: 3}},
		StaleAfter: time.Hour,
	})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestValidateRecords(t *testing.T) {
	tests := []struct {
		name string
		recs []catalog.Record
	}{
		{"empty path", []catalog.Record{{State: catalog.Unbacked}}},
		{"absolute", []catalog.Record{{Path: "/etc/passwd", State: catalog.Unbacked}}},
		{"dot dot", []catalog.Record{{Path: "../x", State: catalog.Unbacked}}},
		{"unclean", []catalog.Record{{Path: "a//b", State: catalog.Unbacked}}},
		{"negative size", []catalog.Record{{Path: "a", Size: -1, State: catalog.Unbacked}}},
		{"bad state", []catalog.Record{{Path: "a", State: catalog.State(42)}}},
		{"duplicate", []catalog.Record{
			{Path: "a", State: catalog.Unbacked},
			{Path: "a", State: catalog.Verified},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecords(tt.recs)
			require.ErrorIs(t, err, ErrCatalogInconsistency)
			assert.Equal(t, "CatalogInconsistency", Reason(err))

			_, err = ComputeWorklist(Snapshot{Now: diffNow, Records: tt.recs})
			assert.ErrorIs(t, err, ErrCatalogInconsistency)
		})
	}

	assert.NoError(t, ValidateRecords(diffRecords()))
}

func TestActionDirection(t *testing.T) {
	assert.Equal(t, "BACKUP", Backup.String())
	assert.Equal(t, "UNKNOWN", Action(0).String())
	assert.Equal(t, "RESTORE", Restore.Direction().String())
	assert.Equal(t, "BACKUP", Verify.Direction().String())
}
