// Package catalog defines the archive file catalog the reconciliation engine
// consumes, plus two stand-in implementations: an in-memory catalog for tests
// and a SQLite catalog for standalone deployments.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the backup state of a single archive record.
type State int

const (
	Unbacked State = iota + 1
	Pending
	InTransfer
	Verified
	Failed
	Stale
)

var stateNames = [...]string{
	Unbacked:   "UNBACKED",
	Pending:    "PENDING",
	InTransfer: "IN_TRANSFER",
	Verified:   "VERIFIED",
	Failed:     "FAILED",
	Stale:      "STALE",
}

func (s State) String() string {
	if s > 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	return s >= Unbacked && s <= Stale
}

// ParseState parses the upper-case name of a state.
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if name != "" && strings.EqualFold(name, s) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown backup state %q", s)
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{Unbacked, Pending, InTransfer, Verified, Failed, Stale}
}

// Record describes one archive file.
type Record struct {
	ModTime      time.Time
	StateChanged time.Time
	LastBackup   time.Time
	Path         string // slash-separated, relative to the archive root
	Checksum     string // hex BLAKE3; empty when not yet known
	Reason       string
	Size         int64
	State        State
}

// Filter narrows a Records query. Zero value matches everything.
type Filter struct {
	Prefix string
	States []State
}

// Match reports whether r passes the filter.
func (f Filter) Match(r Record) bool {
	if f.Prefix != "" && !HasPathPrefix(r.Path, f.Prefix) {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if r.State == s {
			return true
		}
	}
	return false
}

// HasPathPrefix reports whether path equals prefix or lies beneath it as a
// directory. "a/b" is under "a" but not under "a/b2".
func HasPathPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// ErrConflict is returned by UpdateState when the record's current state does
// not equal the expected prior state.
var ErrConflict = errors.New("catalog: state conflict")

// ErrNotFound is returned for operations on unknown paths.
var ErrNotFound = errors.New("catalog: record not found")

// Catalog is the narrow read/write interface the engine uses.
type Catalog interface {
	// Records returns all records matching f, ordered by path.
	Records(ctx context.Context, f Filter) ([]Record, error)

	// UpdateState moves path from expected to next. It fails with ErrConflict
	// if the current state is not expected. Moving to Verified stamps
	// LastBackup.
	UpdateState(ctx context.Context, path string, expected, next State, reason string) error

	// RecordChecksum stores the confirmed checksum and size of path.
	RecordChecksum(ctx context.Context, path, checksum string, size int64) error
}

// ConflictError describes a failed compare-and-set.
type ConflictError struct {
	Path     string
	Expected State
	Actual   State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("catalog: %s: expected state %s, found %s", e.Path, e.Expected, e.Actual)
}

func (*ConflictError) Unwrap() error { return ErrConflict }
