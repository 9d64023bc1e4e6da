// Package event carries progress notifications from the reconciliation
// engine to whoever is presenting or logging them.
package event

import (
	"log/slog"
	"time"
)

// Type identifies the kind of event.
type Type int

const (
	PassStarted Type = iota + 1
	PassComplete
	RecordStale
	TaskSubmitted
	TaskAdopted
	TaskCompleted
	TaskFailed
	TaskRetried
	TaskCancelled
	DuplicateDropped
	OrphanResolved
	VerifyOK
	VerifyFailed
	RecordFailed
	RestoreDone
)

var typeNames = [...]string{
	PassStarted:      "PassStarted",
	PassComplete:     "PassComplete",
	RecordStale:      "RecordStale",
	TaskSubmitted:    "TaskSubmitted",
	TaskAdopted:      "TaskAdopted",
	TaskCompleted:    "TaskCompleted",
	TaskFailed:       "TaskFailed",
	TaskRetried:      "TaskRetried",
	TaskCancelled:    "TaskCancelled",
	DuplicateDropped: "DuplicateDropped",
	OrphanResolved:   "OrphanResolved",
	VerifyOK:         "VerifyOK",
	VerifyFailed:     "VerifyFailed",
	RecordFailed:     "RecordFailed",
	RestoreDone:      "RestoreDone",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event is a single notification. Fields not relevant to a Type are zero.
type Event struct {
	Timestamp time.Time
	Error     error
	Type      Type
	Path      string // archive-relative path, for per-record events
	TaskID    string
	RemoteID  string
	Direction string
	Reason    string
	Size      int64
	Files     int
	Attempt   int
}

// Level is the log level an event is recorded at.
func (e Event) Level() slog.Level {
	switch e.Type {
	case RecordFailed:
		return slog.LevelError
	case TaskFailed, VerifyFailed, DuplicateDropped, TaskCancelled:
		return slog.LevelWarn
	case PassStarted, PassComplete, RestoreDone, OrphanResolved:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Attrs renders the non-zero fields as slog attributes.
func (e Event) Attrs() []slog.Attr {
	attrs := []slog.Attr{slog.String("type", e.Type.String())}
	if e.Path != "" {
		attrs = append(attrs, slog.String("path", e.Path))
	}
	if e.TaskID != "" {
		attrs = append(attrs, slog.String("task", e.TaskID))
	}
	if e.RemoteID != "" {
		attrs = append(attrs, slog.String("remote", e.RemoteID))
	}
	if e.Direction != "" {
		attrs = append(attrs, slog.String("direction", e.Direction))
	}
	if e.Files > 0 {
		attrs = append(attrs, slog.Int("files", e.Files))
	}
	if e.Size > 0 {
		attrs = append(attrs, slog.Int64("size", e.Size))
	}
	if e.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", e.Attempt))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}

// Emit sends e on ch without blocking, stamping the time. A nil channel
// discards the event.
func Emit(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case ch <- e:
	default:
	}
}
