package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrCatalogInconsistency aborts a pass: the catalog returned malformed or
	// contradictory records.
	ErrCatalogInconsistency = errors.New("catalog inconsistency")

	// ErrSubmissionFailed means the transfer service did not accept a task.
	ErrSubmissionFailed = errors.New("submission failed")

	// ErrDuplicateTask means a record already has an active task.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrTransferFailed means the remote task reported failure or never
	// resolved.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrIntegrityMismatch means the transferred copy does not match its
	// source.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrCancelled marks work stopped by the operator.
	ErrCancelled = errors.New("cancelled")

	// ErrInvariant reports a violated internal invariant. It indicates a bug
	// or external tampering and is never retried.
	ErrInvariant = errors.New("invariant violation")
)

// reasons maps each error kind to the reason string stored in the catalog.
var reasons = []struct {
	err    error
	reason string
}{
	{ErrSubmissionFailed, "SubmissionFailed"},
	{ErrTransferFailed, "TransferFailed"},
	{ErrIntegrityMismatch, "IntegrityMismatch"},
	{ErrCancelled, "Cancelled"},
	{ErrDuplicateTask, "DuplicateTask"},
	{ErrCatalogInconsistency, "CatalogInconsistency"},
	{ErrInvariant, "Invariant"},
}

// Reason returns the short catalog reason for err, or "" if err is not one
// of the engine's error kinds.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ""
}

// TaskError ties an error to the task it ended.
type TaskError struct {
	Err    error
	TaskID string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
