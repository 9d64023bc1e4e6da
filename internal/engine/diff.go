package engine

import (
	"fmt"
	"iter"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/filter"
	"github.com/ncar/dsquasar/internal/transfer"
)

// Action is what a work item asks the engine to do with a record.
type Action int

const (
	Backup Action = iota + 1
	Restore
	Verify
	Skip
)

var actionNames = [...]string{
	Backup:  "BACKUP",
	Restore: "RESTORE",
	Verify:  "VERIFY",
	Skip:    "SKIP",
}

func (a Action) String() string {
	if a > 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "UNKNOWN"
}

// Direction is the transfer direction an action needs.
func (a Action) Direction() transfer.Direction {
	switch a {
	case Restore:
		return transfer.Restore
	case Backup, Verify, Skip:
		return transfer.Backup
	}
	return 0
}

// Priority orders work items; higher runs first.
type Priority int

const (
	PriorityNewBackup Priority = iota + 1
	PriorityVerify
	PriorityStaleBackup
	PriorityRestore
)

// WorkItem is a single record with the action a pass must take on it.
type WorkItem struct {
	Record           catalog.Record
	Action           Action
	Priority         Priority
	Attempts         int // prior submissions in this record's lineage
	IntegrityRetries int

	// claimed is set on items the reconciler re-queues; the registry claim
	// carries over from the previous task.
	claimed bool
}

// LocalInfo describes the archive-side copy of a record.
type LocalInfo struct {
	Checksum string // empty when not computed
	Size     int64
	Exists   bool
}

// RestoreRequest selects records to restore. Chain holds the request's root
// and optional include/exclude rules.
type RestoreRequest struct {
	Chain *filter.Chain
	ID    int64
}

// Matches reports whether the request covers rec.
func (r RestoreRequest) Matches(rec catalog.Record) bool {
	return r.Chain != nil && r.Chain.MatchRecord(rec)
}

// Snapshot is everything the diff needs. ComputeWorklist depends on nothing
// else.
type Snapshot struct {
	Now        time.Time
	Local      map[string]LocalInfo // keyed by path; only restore candidates
	Records    []catalog.Record
	Restores   []RestoreRequest
	StaleAfter time.Duration
}

// Worklist is an ordered list of work items.
type Worklist []WorkItem

// All yields the items in order. It can be iterated any number of times.
func (w Worklist) All() iter.Seq[WorkItem] {
	return func(yield func(WorkItem) bool) {
		for _, item := range w {
			if !yield(item) {
				return
			}
		}
	}
}

// Count returns how many items carry action a.
func (w Worklist) Count(a Action) int {
	n := 0
	for _, item := range w {
		if item.Action == a {
			n++
		}
	}
	return n
}

// ComputeWorklist compares catalog state with the backup state recorded in
// it and returns the work a pass must do, highest priority first and by path
// within a priority. Records needing nothing are not emitted.
func ComputeWorklist(s Snapshot) (Worklist, error) {
	if err := ValidateRecords(s.Records); err != nil {
		return nil, err
	}

	var items Worklist
	for _, rec := range s.Records {
		item := WorkItem{Record: rec}
		item.Action, item.Priority = classify(s, rec)
		if item.Action == Skip {
			continue
		}
		items = append(items, item)
	}

	slices.SortStableFunc(items, func(a, b WorkItem) int {
		if a.Priority != b.Priority {
			return int(b.Priority - a.Priority)
		}
		return strings.Compare(a.Record.Path, b.Record.Path)
	})
	return items, nil
}

func classify(s Snapshot, rec catalog.Record) (Action, Priority) {
	// A requested restore wins over the stale backup that would overwrite
	// the copy being asked for.
	if wantsRestore(s, rec) {
		return Restore, PriorityRestore
	}
	switch rec.State {
	case catalog.Unbacked:
		return Backup, PriorityNewBackup
	case catalog.Stale:
		return Backup, PriorityStaleBackup
	case catalog.Pending:
		// Never submitted: submission requires the IN_TRANSFER transition.
		if stuck(s, rec) {
			return Backup, PriorityNewBackup
		}
	case catalog.InTransfer:
		if stuck(s, rec) {
			return Verify, PriorityVerify
		}
	case catalog.Verified, catalog.Failed:
	}
	return Skip, 0
}

// retryState is where a FAILED record goes when a retry it was waiting for
// is abandoned.
func retryState(rec catalog.Record) catalog.State {
	if rec.LastBackup.IsZero() {
		return catalog.Unbacked
	}
	return catalog.Stale
}

func stuck(s Snapshot, rec catalog.Record) bool {
	return s.Now.Sub(rec.StateChanged) > s.StaleAfter
}

// wantsRestore reports whether a restore request covers rec and its local
// copy differs from the backup. A STALE record's copy changed after its
// backup by definition.
func wantsRestore(s Snapshot, rec catalog.Record) bool {
	switch rec.State {
	case catalog.Verified:
	case catalog.Stale:
		return !rec.LastBackup.IsZero() && requested(rec, s.Restores)
	default:
		return false
	}
	if !requested(rec, s.Restores) {
		return false
	}
	local, ok := s.Local[rec.Path]
	switch {
	case !ok || !local.Exists:
		return true
	case local.Size != rec.Size:
		return true
	case rec.Checksum != "" && local.Checksum != "" && local.Checksum != rec.Checksum:
		return true
	}
	return false
}

func requested(rec catalog.Record, requests []RestoreRequest) bool {
	for _, req := range requests {
		if req.Matches(rec) {
			return true
		}
	}
	return false
}

// ValidateRecords rejects snapshots the engine cannot act on safely.
func ValidateRecords(recs []catalog.Record) error {
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if err := validateRecord(rec); err != nil {
			return fmt.Errorf("%w: %w", ErrCatalogInconsistency, err)
		}
		if _, dup := seen[rec.Path]; dup {
			return fmt.Errorf("%w: duplicate record %q", ErrCatalogInconsistency, rec.Path)
		}
		seen[rec.Path] = struct{}{}
	}
	return nil
}

func validateRecord(rec catalog.Record) error {
	switch {
	case rec.Path == "":
		return fmt.Errorf("record with empty path")
	case strings.HasPrefix(rec.Path, "/"):
		return fmt.Errorf("absolute path %q", rec.Path)
	case path.Clean(rec.Path) != rec.Path || rec.Path == "." ||
		rec.Path == ".." || strings.HasPrefix(rec.Path, "../"):
		return fmt.Errorf("unclean path %q", rec.Path)
	case rec.Size < 0:
		return fmt.Errorf("%s: negative size %d", rec.Path, rec.Size)
	case !rec.State.Valid():
		return fmt.Errorf("%s: invalid state %d", rec.Path, int(rec.State))
	}
	return nil
}
