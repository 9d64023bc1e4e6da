// Package journal persists the in-flight task registry and operator restore
// requests in SQLite so a restarted process can resume polling tasks it had
// already submitted.
package journal

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/ncar/dsquasar/internal/transfer"
)

// Entry is the persisted view of one file of a task.
type Entry struct {
	CreatedAt        time.Time
	UpdatedAt        time.Time
	TaskID           string
	Path             string
	RemoteID         string
	Status           string
	Direction        transfer.Direction
	Attempts         int
	IntegrityRetries int
}

// DB is a SQLite-backed journal.
type DB struct {
	db   *sql.DB
	path string

	// Forget calls are buffered and flushed in the background.
	mu      sync.Mutex
	forget  []string
	done    chan struct{}
	stopped bool
}

// Open opens (or creates) the journal at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	j := &DB{db: db, path: path, done: make(chan struct{})}
	if err := j.init(); err != nil {
		db.Close()
		return nil, err
	}

	go j.flushLoop()
	return j, nil
}

// OpenForJob opens the journal belonging to an archive/backup root pair.
// The file lives at $XDG_RUNTIME_DIR/dsquasar/<job-id>.db, falling back to
// the system temp dir.
func OpenForJob(archiveRoot, backupRoot string) (*DB, error) {
	return Open(DefaultPath(archiveRoot, backupRoot))
}

// DefaultPath returns the journal path OpenForJob would use.
func DefaultPath(archiveRoot, backupRoot string) string {
	id := JobID(archiveRoot, backupRoot)
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "dsquasar", id+".db")
	}
	return filepath.Join(os.TempDir(), "dsquasar-"+id+".db")
}

// JobID derives a stable identifier from the two roots.
func JobID(archiveRoot, backupRoot string) string {
	h := blake3.New()
	h.Write([]byte(archiveRoot))
	h.Write([]byte{0})
	h.Write([]byte(backupRoot))
	return hex.EncodeToString(h.Sum(nil)[:8])
}

func (j *DB) init() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			task_id           TEXT NOT NULL,
			path              TEXT NOT NULL,
			direction         TEXT NOT NULL,
			remote_id         TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			attempts          INTEGER NOT NULL DEFAULT 0,
			integrity_retries INTEGER NOT NULL DEFAULT 0,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL,
			PRIMARY KEY (task_id, path)
		);
		CREATE INDEX IF NOT EXISTS tasks_path ON tasks (path);
		CREATE TABLE IF NOT EXISTS restore_requests (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			root       TEXT NOT NULL,
			rules      TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (j *DB) Path() string { return j.path }

// Save upserts entries in one transaction. It is synchronous: a remote task
// id must be durable before the caller moves on.
func (j *DB) Save(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (task_id, path, direction, remote_id, status, attempts, integrity_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, path) DO UPDATE SET
			remote_id = excluded.remote_id,
			status = excluded.status,
			attempts = excluded.attempts,
			integrity_retries = excluded.integrity_retries,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx, e.TaskID, e.Path, e.Direction.String(), e.RemoteID, e.Status,
			e.Attempts, e.IntegrityRetries, e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("save %s/%s: %w", e.TaskID, e.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Entries returns every journaled entry ordered by task and path.
func (j *DB) Entries(ctx context.Context) ([]Entry, error) {
	if err := j.Flush(); err != nil {
		return nil, err
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT task_id, path, direction, remote_id, status, attempts, integrity_retries, created_at, updated_at
		FROM tasks ORDER BY created_at, task_id, path`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                Entry
			dir              string
			created, updated int64
		)
		if err := rows.Scan(&e.TaskID, &e.Path, &dir, &e.RemoteID, &e.Status,
			&e.Attempts, &e.IntegrityRetries, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if e.Direction, err = transfer.ParseDirection(dir); err != nil {
			return nil, fmt.Errorf("task %s: %w", e.TaskID, err)
		}
		e.CreatedAt = time.Unix(0, created)
		e.UpdatedAt = time.Unix(0, updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Forget schedules removal of every entry of taskID. Removal is batched;
// Flush or Close make it durable.
func (j *DB) Forget(taskID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.forget = append(j.forget, taskID)
	if len(j.forget) >= 100 {
		return j.flushLocked()
	}
	return nil
}

// Flush applies pending Forget calls.
func (j *DB) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

func (j *DB) flushLocked() error {
	if len(j.forget) == 0 {
		return nil
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.Prepare("DELETE FROM tasks WHERE task_id = ?")
	if err != nil {
		tx.Rollback() //nolint:errcheck // already failing
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range j.forget {
		if _, err := stmt.Exec(id); err != nil {
			tx.Rollback() //nolint:errcheck // already failing
			return fmt.Errorf("forget %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	j.forget = j.forget[:0]
	return nil
}

func (j *DB) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.mu.Lock()
			_ = j.flushLocked() //nolint:errcheck // retried on next tick and at Close
			j.mu.Unlock()
		}
	}
}

// Close flushes pending work and closes the database.
func (j *DB) Close() error {
	j.mu.Lock()
	if !j.stopped {
		j.stopped = true
		close(j.done)
	}
	flushErr := j.flushLocked()
	j.mu.Unlock()

	if err := j.db.Close(); err != nil {
		return err
	}
	return flushErr
}

// Restore request status values.
const (
	RestoreOpen   = "OPEN"
	RestoreDone   = "DONE"
	RestoreFailed = "FAILED"
)

// RestoreRequest is an operator request to restore a path or subtree.
type RestoreRequest struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	Root      string
	Status    string
	Reason    string
	Rules     []string
	ID        int64
}

// AddRestore records a new open restore request and returns its id.
func (j *DB) AddRestore(ctx context.Context, root string, rules []string) (int64, error) {
	now := time.Now().UnixNano()
	res, err := j.db.ExecContext(ctx,
		"INSERT INTO restore_requests (root, rules, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		strings.Trim(root, "/"), strings.Join(rules, "\n"), RestoreOpen, now, now)
	if err != nil {
		return 0, fmt.Errorf("add restore %s: %w", root, err)
	}
	return res.LastInsertId()
}

// Restores returns restore requests, optionally limited to the given statuses.
func (j *DB) Restores(ctx context.Context, statuses ...string) ([]RestoreRequest, error) {
	query := "SELECT id, root, rules, status, reason, created_at, updated_at FROM restore_requests"
	args := make([]any, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args[i] = s
		}
		query += " WHERE status IN (" + strings.Join(marks, ",") + ")"
	}
	query += " ORDER BY id"

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query restores: %w", err)
	}
	defer rows.Close()

	var out []RestoreRequest
	for rows.Next() {
		var (
			r                RestoreRequest
			rules            string
			created, updated int64
		)
		if err := rows.Scan(&r.ID, &r.Root, &rules, &r.Status, &r.Reason, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan restore: %w", err)
		}
		if rules != "" {
			r.Rules = strings.Split(rules, "\n")
		}
		r.CreatedAt = time.Unix(0, created)
		r.UpdatedAt = time.Unix(0, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRestoreStatus updates the status of a restore request.
func (j *DB) SetRestoreStatus(ctx context.Context, id int64, status, reason string) error {
	res, err := j.db.ExecContext(ctx,
		"UPDATE restore_requests SET status = ?, reason = ?, updated_at = ? WHERE id = ?",
		status, reason, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update restore %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update restore %d: no such request", id)
	}
	return nil
}
