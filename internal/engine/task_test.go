package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/transfer"
)

func TestTaskAdvance(t *testing.T) {
	task := &Task{ID: "t1", Status: Queued}
	require.NoError(t, task.Advance(Submitted))
	require.NoError(t, task.Advance(Polling))

	err := task.Advance(Submitted)
	require.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, Polling, task.Status)

	require.NoError(t, task.Advance(Done))
	assert.ErrorIs(t, task.Advance(Error), ErrInvariant)
	assert.ErrorIs(t, task.Fail(errors.New("late")), ErrInvariant)
	assert.Equal(t, Done, task.Status)
}

func TestTaskFail(t *testing.T) {
	task := &Task{ID: "t2", Status: Submitted}
	require.NoError(t, task.Fail(fmt.Errorf("%w: boom", ErrTransferFailed)))

	assert.Equal(t, Error, task.Status)
	var te *TaskError
	require.ErrorAs(t, task.Err, &te)
	assert.Equal(t, "t2", te.TaskID)
	assert.ErrorIs(t, task.Err, ErrTransferFailed)
	assert.Equal(t, "TransferFailed", Reason(task.Err))
}

func TestTaskStatusNames(t *testing.T) {
	for _, s := range AllTaskStatuses() {
		got, err := ParseTaskStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseTaskStatus("LIMBO")
	assert.Error(t, err)
	assert.True(t, Done.Terminal())
	assert.False(t, Polling.Terminal())
}

func TestTaskJournalEntries(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task := &Task{
		ID:        "t3",
		RemoteID:  "r3",
		CreatedAt: created,
		Direction: transfer.Backup,
		Status:    Polling,
		Files: []TaskFile{
			{Record: catalog.Record{Path: "a", Size: 2}, Attempts: 1},
			{Record: catalog.Record{Path: "b", Size: 5}, Attempts: 3, IntegrityRetries: 1},
		},
	}
	assert.Equal(t, []string{"a", "b"}, task.Paths())
	assert.Equal(t, int64(7), task.Bytes())
	assert.Equal(t, []transfer.File{{Path: "a", Size: 2}, {Path: "b", Size: 5}}, task.TransferFiles())
	assert.Equal(t, 2, retries(task.Files))

	now := created.Add(time.Minute)
	entries := task.JournalEntries(now)
	require.Len(t, entries, 2)
	assert.Equal(t, "POLLING", entries[1].Status)
	assert.Equal(t, "r3", entries[1].RemoteID)
	assert.Equal(t, 3, entries[1].Attempts)
	assert.Equal(t, 1, entries[1].IntegrityRetries)
	assert.Equal(t, created, entries[0].CreatedAt)
	assert.Equal(t, now, entries[0].UpdatedAt)
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrapped: %w", ErrSubmissionFailed), "SubmissionFailed"},
		{ErrIntegrityMismatch, "IntegrityMismatch"},
		{&TaskError{TaskID: "x", Err: ErrCancelled}, "Cancelled"},
		{ErrDuplicateTask, "DuplicateTask"},
		{ErrInvariant, "Invariant"},
		{errors.New("other"), ""},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Reason(tt.err))
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Claim("a"))
	assert.ErrorIs(t, reg.Claim("a"), ErrDuplicateTask)
	assert.True(t, reg.Held("a"))
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, reg.Release("a"))
	assert.ErrorIs(t, reg.Release("a"), ErrInvariant)
	assert.False(t, reg.Held("a"))
	require.NoError(t, reg.Claim("a"))
}

func TestRegistryConcurrentClaims(t *testing.T) {
	reg := NewRegistry()
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Claim("same") == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestReportExitCode(t *testing.T) {
	for n, want := range map[int]int{0: 0, 1: 1, 9: 1, 10: 2, 99: 2, 100: 3, 5000: 3} {
		assert.Equal(t, want, Report{Outstanding: n}.ExitCode(), "outstanding %d", n)
	}
}
