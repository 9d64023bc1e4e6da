package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/journal"
	"github.com/ncar/dsquasar/internal/transfer"
)

// TaskStatus is the local lifecycle state of a Task. It only moves forward.
type TaskStatus int

const (
	Queued TaskStatus = iota + 1
	Submitted
	Polling
	Done
	Error
)

var taskStatusNames = [...]string{
	Queued:    "QUEUED",
	Submitted: "SUBMITTED",
	Polling:   "POLLING",
	Done:      "DONE",
	Error:     "ERROR",
}

func (s TaskStatus) String() string {
	if s > 0 && int(s) < len(taskStatusNames) {
		return taskStatusNames[s]
	}
	return "UNKNOWN"
}

// Terminal reports whether s is DONE or ERROR.
func (s TaskStatus) Terminal() bool {
	return s == Done || s == Error
}

// ParseTaskStatus parses a status name as written to the journal.
func ParseTaskStatus(s string) (TaskStatus, error) {
	for i, name := range taskStatusNames {
		if name != "" && strings.EqualFold(name, s) {
			return TaskStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", s)
}

// AllTaskStatuses lists every status in lifecycle order.
func AllTaskStatuses() []TaskStatus {
	return []TaskStatus{Queued, Submitted, Polling, Done, Error}
}

// TaskFile is one record carried by a Task.
type TaskFile struct {
	// Record is the catalog record as seen when the work item was produced.
	Record catalog.Record

	// Attempts counts submissions of this record in the current lineage,
	// including the task carrying it.
	Attempts int

	// IntegrityRetries counts re-queues caused by checksum mismatches.
	IntegrityRetries int
}

// Task is one unit of work submitted to the transfer service.
type Task struct {
	CreatedAt time.Time
	Err       error // set when Status is Error
	ID        string
	RemoteID  string // empty until the service accepts the task
	Files     []TaskFile
	Direction transfer.Direction
	Status    TaskStatus
	Retries   int
}

// Advance moves the task to next. Moving backwards, or out of a terminal
// status, is an invariant violation.
func (t *Task) Advance(next TaskStatus) error {
	if t.Status.Terminal() || next <= t.Status {
		return fmt.Errorf("%w: task %s cannot move from %s to %s",
			ErrInvariant, t.ID, t.Status, next)
	}
	t.Status = next
	return nil
}

// Fail moves the task to Error with err as the reason.
func (t *Task) Fail(err error) error {
	if advErr := t.Advance(Error); advErr != nil {
		return advErr
	}
	t.Err = &TaskError{TaskID: t.ID, Err: err}
	return nil
}

// Paths lists the record paths carried by the task.
func (t *Task) Paths() []string {
	paths := make([]string, len(t.Files))
	for i, f := range t.Files {
		paths[i] = f.Record.Path
	}
	return paths
}

// Bytes sums the sizes of the task's files.
func (t *Task) Bytes() int64 {
	var n int64
	for _, f := range t.Files {
		n += f.Record.Size
	}
	return n
}

// TransferFiles converts the task's files to the transfer service's form.
func (t *Task) TransferFiles() []transfer.File {
	files := make([]transfer.File, len(t.Files))
	for i, f := range t.Files {
		files[i] = transfer.File{Path: f.Record.Path, Size: f.Record.Size}
	}
	return files
}

// JournalEntries renders the task as one journal entry per file.
func (t *Task) JournalEntries(now time.Time) []journal.Entry {
	entries := make([]journal.Entry, len(t.Files))
	for i, f := range t.Files {
		entries[i] = journal.Entry{
			CreatedAt:        t.CreatedAt,
			UpdatedAt:        now,
			TaskID:           t.ID,
			Path:             f.Record.Path,
			RemoteID:         t.RemoteID,
			Status:           t.Status.String(),
			Direction:        t.Direction,
			Attempts:         f.Attempts,
			IntegrityRetries: f.IntegrityRetries,
		}
	}
	return entries
}

// retries derives the task's retry count from its most-retried file.
func retries(files []TaskFile) int {
	n := 0
	for _, f := range files {
		n = max(n, f.Attempts-1)
	}
	return n
}
