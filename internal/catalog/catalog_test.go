package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		want  string
		state State
	}{
		{want: "UNBACKED", state: Unbacked},
		{want: "PENDING", state: Pending},
		{want: "IN_TRANSFER", state: InTransfer},
		{want: "VERIFIED", state: Verified},
		{want: "FAILED", state: Failed},
		{want: "STALE", state: Stale},
		{want: "UNKNOWN", state: State(0)},
		{want: "UNKNOWN", state: State(42)},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func TestParseState(t *testing.T) {
	for _, s := range AllStates() {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	got, err := ParseState("in_transfer")
	require.NoError(t, err)
	assert.Equal(t, InTransfer, got)

	_, err = ParseState("LOST")
	assert.Error(t, err)
}

func TestHasPathPrefix(t *testing.T) {
	assert.True(t, HasPathPrefix("ds083.2/file.grb", "ds083.2"))
	assert.True(t, HasPathPrefix("ds083.2/file.grb", "ds083.2/"))
	assert.True(t, HasPathPrefix("ds083.2/file.grb", "ds083.2/file.grb"))
	assert.True(t, HasPathPrefix("anything", ""))
	assert.False(t, HasPathPrefix("ds083.20/file.grb", "ds083.2"))
	assert.False(t, HasPathPrefix("ds083", "ds083.2"))
}

func TestFilterMatch(t *testing.T) {
	r := Record{Path: "ds1/a.nc", State: Failed}

	assert.True(t, Filter{}.Match(r))
	assert.True(t, Filter{Prefix: "ds1"}.Match(r))
	assert.False(t, Filter{Prefix: "ds2"}.Match(r))
	assert.True(t, Filter{States: []State{Verified, Failed}}.Match(r))
	assert.False(t, Filter{States: []State{Verified}}.Match(r))
}

func TestMemory_UpdateStateCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Record{Path: "ds1/a.nc", State: Unbacked})

	require.NoError(t, m.UpdateState(ctx, "ds1/a.nc", Unbacked, Pending, ""))

	err := m.UpdateState(ctx, "ds1/a.nc", Unbacked, Pending, "")
	require.ErrorIs(t, err, ErrConflict)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, Pending, ce.Actual)

	err = m.UpdateState(ctx, "missing", Unbacked, Pending, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_VerifiedStampsLastBackup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Record{Path: "f", State: InTransfer})

	require.NoError(t, m.UpdateState(ctx, "f", InTransfer, Verified, ""))
	r, ok := m.Get("f")
	require.True(t, ok)
	assert.False(t, r.LastBackup.IsZero())
	assert.Equal(t, r.StateChanged, r.LastBackup)
}

func TestMemory_RecordsSortedAndFiltered(t *testing.T) {
	m := NewMemory(
		Record{Path: "b", State: Verified},
		Record{Path: "a", State: Unbacked},
		Record{Path: "c", State: Unbacked},
	)

	recs, err := m.Records(context.Background(), Filter{States: []State{Unbacked}})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Path)
	assert.Equal(t, "c", recs[1].Path)
}
