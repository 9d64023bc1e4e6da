// Package transfer defines the client interface to the remote bulk transfer
// service. The service is asynchronous: a submission returns a task id which
// is then polled until it reaches a terminal state.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction of a transfer relative to the archive.
type Direction int

const (
	Backup Direction = iota + 1
	Restore
)

func (d Direction) String() string {
	switch d {
	case Backup:
		return "BACKUP"
	case Restore:
		return "RESTORE"
	default:
		return "UNKNOWN"
	}
}

// ParseDirection parses "BACKUP" or "RESTORE" (case-insensitive).
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(s) {
	case "BACKUP":
		return Backup, nil
	case "RESTORE":
		return Restore, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// RemoteState is the service-side state of a task.
type RemoteState int

const (
	Unknown RemoteState = iota
	Pending
	Succeeded
	Failed
)

func (s RemoteState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ParseRemoteState parses the String form of a RemoteState. Anything
// unrecognized maps to Unknown.
func ParseRemoteState(s string) RemoteState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return Pending
	case "SUCCEEDED":
		return Succeeded
	case "FAILED":
		return Failed
	}
	return Unknown
}

// File is one entry of a submission, addressed by its archive-relative path.
type File struct {
	Path string
	Size int64
}

// Status is a point-in-time view of a remote task.
type Status struct {
	TaskID    string
	Message   string
	Paths     []string
	BytesDone int64
	FilesDone int
	Direction Direction
	State     RemoteState
	Submitted time.Time // zero when the service does not report it
}

// ObjectInfo describes the backed-up copy of one file.
type ObjectInfo struct {
	Path     string
	Checksum string
	Size     int64
}

var (
	// ErrNotFound reports a missing remote object.
	ErrNotFound = errors.New("transfer: object not found")

	// ErrUnknownTask reports a task id the service has no record of.
	ErrUnknownTask = errors.New("transfer: unknown task")
)

// Service is the transfer service client.
type Service interface {
	// Submit starts an asynchronous transfer of files and returns the
	// service-assigned task id.
	Submit(ctx context.Context, dir Direction, files []File) (string, error)

	// Poll reports the state of a task.
	Poll(ctx context.Context, taskID string) (Status, error)

	// Cancel asks the service to stop a task. Best effort.
	Cancel(ctx context.Context, taskID string) error

	// QueryByPath lists tasks of the given direction that include path,
	// newest first. Used to recover tasks whose id was lost.
	QueryByPath(ctx context.Context, dir Direction, path string) ([]Status, error)

	// Stat returns size and checksum of the backed-up copy of path, or
	// ErrNotFound.
	Stat(ctx context.Context, path string) (ObjectInfo, error)
}
