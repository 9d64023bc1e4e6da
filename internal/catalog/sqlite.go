package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	_ "modernc.org/sqlite"
)

// SQLite is a Catalog stored in a SQLite database. It stands in for the
// archive's own metadata catalog when dsquasar runs standalone.
type SQLite struct {
	db    *sql.DB
	path  string
	clock clock.Clock
}

// OpenSQLite opens (or creates) the catalog database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}

	c := &SQLite{db: db, path: path, clock: clock.WallClock}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLite) init() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			path          TEXT PRIMARY KEY,
			size          INTEGER NOT NULL,
			checksum      TEXT NOT NULL DEFAULT '',
			mtime         INTEGER NOT NULL,
			state         TEXT NOT NULL,
			state_changed INTEGER NOT NULL,
			last_backup   INTEGER NOT NULL DEFAULT 0,
			reason        TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS records_state ON records (state);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Close closes the database.
func (c *SQLite) Close() error {
	return c.db.Close()
}

// Path returns the database file path.
func (c *SQLite) Path() string {
	return c.path
}

// Records implements Catalog.
func (c *SQLite) Records(ctx context.Context, f Filter) ([]Record, error) {
	query := "SELECT path, size, checksum, mtime, state, state_changed, last_backup, reason FROM records"
	var (
		where []string
		args  []any
	)
	if p := strings.TrimSuffix(f.Prefix, "/"); p != "" {
		where = append(where, "(path = ? OR substr(path, 1, ?) = ?)")
		args = append(args, p, len(p)+1, p+"/")
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, s.String())
		}
		where = append(where, "state IN ("+strings.Join(marks, ",")+")")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY path"

	var out []Record
	err := c.withRetry(func() error {
		out = out[:0]
		rows, err := c.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r                       Record
		state                   string
		mtime, changed, lastBkp int64
	)
	if err := row.Scan(&r.Path, &r.Size, &r.Checksum, &mtime, &state, &changed, &lastBkp, &r.Reason); err != nil {
		return Record{}, err
	}
	// An unparseable state is passed through as the zero State so the
	// engine can report the inconsistency rather than the catalog hiding it.
	r.State, _ = ParseState(state) //nolint:errcheck // see above
	r.ModTime = fromNano(mtime)
	r.StateChanged = fromNano(changed)
	r.LastBackup = fromNano(lastBkp)
	return r, nil
}

// UpdateState implements Catalog.
func (c *SQLite) UpdateState(ctx context.Context, path string, expected, next State, reason string) error {
	now := c.clock.Now().UnixNano()

	query := "UPDATE records SET state = ?, state_changed = ?, reason = ? WHERE path = ? AND state = ?"
	args := []any{next.String(), now, reason, path, expected.String()}
	if next == Verified {
		query = "UPDATE records SET state = ?, state_changed = ?, reason = ?, last_backup = ? WHERE path = ? AND state = ?"
		args = []any{next.String(), now, reason, now, path, expected.String()}
	}

	var affected int64
	err := c.withRetry(func() error {
		res, err := c.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	if affected == 1 {
		return nil
	}

	var actual string
	err = c.db.QueryRowContext(ctx, "SELECT state FROM records WHERE path = ?", path).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	st, _ := ParseState(actual) //nolint:errcheck // zero state reported as UNKNOWN
	return &ConflictError{Path: path, Expected: expected, Actual: st}
}

// RecordChecksum implements Catalog.
func (c *SQLite) RecordChecksum(ctx context.Context, path, checksum string, size int64) error {
	var affected int64
	err := c.withRetry(func() error {
		res, err := c.db.ExecContext(ctx,
			"UPDATE records SET checksum = ?, size = ? WHERE path = ?", checksum, size, path)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("record checksum %s: %w", path, err)
	}
	if affected == 0 {
		return fmt.Errorf("record checksum %s: %w", path, ErrNotFound)
	}
	return nil
}

// ImportResult summarizes an Import.
type ImportResult struct {
	Added     int
	Changed   int
	Unchanged int
	Skipped   int
}

// Import walks root and reconciles the catalog with the files found there:
// unknown files are added as UNBACKED, files whose size or mtime changed get
// their metadata refreshed and checksum cleared. keep, when non-nil, decides
// which relative paths are part of the archive.
func (c *SQLite) Import(ctx context.Context, root string, keep func(rel string, size int64) bool) (ImportResult, error) {
	var res ImportResult

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	lookup, err := tx.PrepareContext(ctx, "SELECT size, mtime FROM records WHERE path = ?")
	if err != nil {
		return res, fmt.Errorf("prepare: %w", err)
	}
	defer lookup.Close()

	now := c.clock.Now().UnixNano()

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, ".dsquasar/") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if keep != nil && !keep(rel, info.Size()) {
			res.Skipped++
			return nil
		}

		var size, mtime int64
		switch err := lookup.QueryRowContext(ctx, rel).Scan(&size, &mtime); {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				"INSERT INTO records (path, size, mtime, state, state_changed) VALUES (?, ?, ?, ?, ?)",
				rel, info.Size(), info.ModTime().UnixNano(), Unbacked.String(), now)
			if err != nil {
				return fmt.Errorf("insert %s: %w", rel, err)
			}
			res.Added++
		case err != nil:
			return fmt.Errorf("lookup %s: %w", rel, err)
		case size != info.Size() || mtime != info.ModTime().UnixNano():
			_, err = tx.ExecContext(ctx,
				"UPDATE records SET size = ?, mtime = ?, checksum = '' WHERE path = ?",
				info.Size(), info.ModTime().UnixNano(), rel)
			if err != nil {
				return fmt.Errorf("update %s: %w", rel, err)
			}
			res.Changed++
		default:
			res.Unchanged++
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("walk %s: %w", root, err)
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// Insert adds a record verbatim. Intended for tooling and tests.
func (c *SQLite) Insert(ctx context.Context, r Record) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO records (path, size, checksum, mtime, state, state_changed, last_backup, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Path, r.Size, r.Checksum, toNano(r.ModTime), r.State.String(),
		toNano(r.StateChanged), toNano(r.LastBackup), r.Reason)
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.Path, err)
	}
	return nil
}

// withRetry retries fn while SQLite reports the database as busy.
func (c *SQLite) withRetry(fn func() error) error {
	err := retry.Call(retry.CallArgs{
		Func:         fn,
		IsFatalError: func(err error) bool { return !isBusy(err) },
		Attempts:     5,
		Delay:        20 * time.Millisecond,
		MaxDelay:     time.Second,
		BackoffFunc:  retry.DoubleDelay,
		Clock:        c.clock,
	})
	if retry.IsAttemptsExceeded(err) {
		return retry.LastError(err)
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func toNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
