// Package localfs is a filesystem-backed transfer service. Backups copy
// archive files into a backup root and restores copy them back. Tasks run
// in the background; each leaves a member manifest and a state file under
// <backup root>/.dsquasar/tasks, so tasks can be polled and found by path
// after a restart.
package localfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/checksum"
	"github.com/ncar/dsquasar/internal/manifest"
	"github.com/ncar/dsquasar/internal/platform"
	"github.com/ncar/dsquasar/internal/transfer"
)

// MetaDir is the directory below the backup root holding task metadata.
const MetaDir = ".dsquasar"

// Config describes a Service.
type Config struct {
	ArchiveRoot    string
	BackupRoot     string
	BytesPerSecond int64  // 0 is unlimited
	Owner          string // owner/group written to manifests
}

type job struct {
	cancel context.CancelFunc
	bytes  atomic.Int64
	files  atomic.Int64
}

// taskState is the on-disk state of one task.
type taskState struct {
	Submitted time.Time `toml:"submitted"`
	Updated   time.Time `toml:"updated"`
	Direction string    `toml:"direction"`
	State     string    `toml:"state"`
	Message   string    `toml:"message"`
	BytesDone int64     `toml:"bytes_done"`
	FilesDone int       `toml:"files_done"`
}

// Service implements transfer.Service on two local directory trees.
type Service struct {
	cfg     Config
	dir     string
	limiter *rate.Limiter // nil when unlimited

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

var _ transfer.Service = (*Service)(nil)

// New returns a Service, creating the task directory if needed.
func New(cfg Config) (*Service, error) {
	if cfg.ArchiveRoot == "" || cfg.BackupRoot == "" {
		return nil, errors.New("localfs: archive and backup roots are required")
	}
	if cfg.Owner == "" {
		cfg.Owner = "dsquasar/dsquasar"
	}
	dir := filepath.Join(cfg.BackupRoot, MetaDir, "tasks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	s := &Service{cfg: cfg, dir: dir, jobs: make(map[string]*job)}
	if cfg.BytesPerSecond > 0 {
		s.limiter = NewBWLimiter(cfg.BytesPerSecond)
	}
	return s, nil
}

// Close cancels running tasks and waits for them to record their outcome.
func (s *Service) Close() error {
	s.mu.Lock()
	for _, j := range s.jobs {
		j.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Submit implements transfer.Service.
func (s *Service) Submit(ctx context.Context, dir transfer.Direction, files []transfer.File) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if dir != transfer.Backup && dir != transfer.Restore {
		return "", fmt.Errorf("localfs: unknown direction %d", int(dir))
	}
	if len(files) == 0 {
		return "", errors.New("localfs: empty submission")
	}

	now := time.Now()
	members := make([]manifest.Member, len(files))
	for i, f := range files {
		if err := checkPath(f.Path); err != nil {
			return "", err
		}
		m := manifest.Member{Name: f.Path, Size: f.Size, ModTime: now}
		if fi, err := os.Stat(s.source(dir, f.Path)); err == nil {
			m.ModTime = fi.ModTime()
		}
		members[i] = m
	}

	id := uuid.NewString()
	var buf bytes.Buffer
	if err := manifest.Write(&buf, s.cfg.Owner, members); err != nil {
		return "", fmt.Errorf("render manifest: %w", err)
	}
	if err := writeAtomic(s.manifestPath(id), buf.Bytes()); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	st := taskState{
		Submitted: now,
		Updated:   now,
		Direction: dir.String(),
		State:     transfer.Pending.String(),
	}
	if err := s.writeState(id, st); err != nil {
		return "", fmt.Errorf("write task state: %w", err)
	}

	jctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel}
	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(jctx, id, j, dir, files, st)
	slog.Debug("task accepted", "task", id, "direction", dir.String(), "files", len(files))
	return id, nil
}

func (s *Service) run(ctx context.Context, id string, j *job, dir transfer.Direction, files []transfer.File, st taskState) {
	defer s.wg.Done()
	defer j.cancel()

	st.State = transfer.Succeeded.String()
	for _, f := range files {
		err := ctx.Err()
		if err == nil {
			err = s.copyFile(ctx, s.source(dir, f.Path), s.dest(dir, f.Path), j)
		}
		if err != nil {
			st.State = transfer.Failed.String()
			st.Message = fmt.Sprintf("%s: %v", f.Path, err)
			if ctx.Err() != nil {
				st.Message = "cancelled"
			}
			break
		}
		j.files.Add(1)
	}

	st.BytesDone = j.bytes.Load()
	st.FilesDone = int(j.files.Load())
	st.Updated = time.Now()
	// The final state must be on disk before the job disappears from memory.
	if err := s.writeState(id, st); err != nil {
		slog.Error("write task state", "task", id, "error", err)
	}
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	slog.Debug("task finished", "task", id, "state", st.State, "message", st.Message)
}

// copyFile copies src to dst through a temporary file and an atomic rename.
func (s *Service) copyFile(ctx context.Context, src, dst string, j *job) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s: not a regular file", src)
	}
	platform.AdviseSequential(in)
	defer platform.AdviseDone(in)

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent dir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.dsquasar-tmp", filepath.Base(dst), uuid.NewString()[:8]))
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create tmp %s: %w", tmp, err)
	}
	defer os.Remove(tmp) //nolint:errcheck // no-op once renamed

	if s.limiter != nil {
		_, err = platform.CopyReader(out, &progressReader{r: newRateLimitedReader(ctx, in, s.limiter), n: &j.bytes})
	} else {
		var res platform.CopyResult
		res, err = platform.CopyFile(out, in, fi.Size())
		j.bytes.Add(res.BytesWritten)
	}
	if err != nil {
		out.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close tmp %s: %w", tmp, err)
	}
	if err := os.Chtimes(tmp, fi.ModTime(), fi.ModTime()); err != nil {
		return fmt.Errorf("set times %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, dst, err)
	}
	return nil
}

// Poll implements transfer.Service.
func (s *Service) Poll(ctx context.Context, id string) (transfer.Status, error) {
	if err := ctx.Err(); err != nil {
		return transfer.Status{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return transfer.Status{}, fmt.Errorf("%s: %w", id, transfer.ErrUnknownTask)
	}
	return s.load(id)
}

// load reads a task's status. A task left PENDING by a process that no
// longer runs it is failed as interrupted.
func (s *Service) load(id string) (transfer.Status, error) {
	sum, err := s.readManifest(id)
	if errors.Is(err, fs.ErrNotExist) {
		return transfer.Status{}, fmt.Errorf("%s: %w", id, transfer.ErrUnknownTask)
	}
	if err != nil {
		return transfer.Status{}, err
	}
	out := transfer.Status{TaskID: id, Paths: make([]string, len(sum.Members))}
	for i, m := range sum.Members {
		out.Paths[i] = m.Name
	}

	// Look the job up before reading its state: a job that finishes in
	// between has already written its final state.
	s.mu.Lock()
	j := s.jobs[id]
	s.mu.Unlock()

	st, err := s.readState(id)
	if errors.Is(err, fs.ErrNotExist) {
		out.State = transfer.Failed
		out.Message = "interrupted before start"
		out.Submitted = s.manifestTime(id)
		return out, nil
	}
	if err != nil {
		return transfer.Status{}, err
	}

	out.Direction, _ = transfer.ParseDirection(st.Direction) //nolint:errcheck // unknown stays zero
	out.State = transfer.ParseRemoteState(st.State)
	out.Message = st.Message
	out.Submitted = st.Submitted
	out.BytesDone, out.FilesDone = st.BytesDone, st.FilesDone
	if out.State == transfer.Pending {
		if j != nil {
			out.BytesDone, out.FilesDone = j.bytes.Load(), int(j.files.Load())
		} else {
			st.State, st.Message, st.Updated = transfer.Failed.String(), "interrupted", time.Now()
			if err := s.writeState(id, st); err != nil {
				slog.Warn("write task state", "task", id, "error", err)
			}
			out.State, out.Message = transfer.Failed, st.Message
		}
	}
	return out, nil
}

// Cancel implements transfer.Service.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%s: %w", id, transfer.ErrUnknownTask)
	}
	s.mu.Lock()
	j := s.jobs[id]
	s.mu.Unlock()
	if j != nil {
		j.cancel()
		return nil
	}

	st, err := s.readState(id)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if _, merr := os.Stat(s.manifestPath(id)); merr == nil {
			return nil
		}
		return fmt.Errorf("%s: %w", id, transfer.ErrUnknownTask)
	case err != nil:
		return err
	}
	if transfer.ParseRemoteState(st.State) != transfer.Pending {
		return nil
	}
	st.State, st.Message, st.Updated = transfer.Failed.String(), "cancelled", time.Now()
	return s.writeState(id, st)
}

// QueryByPath implements transfer.Service by scanning task manifests.
func (s *Service) QueryByPath(ctx context.Context, dir transfer.Direction, p string) ([]transfer.Status, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read task dir: %w", err)
	}

	var hits []transfer.Status
	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, ok := strings.CutSuffix(ent.Name(), ".manifest")
		if !ok {
			continue
		}
		sum, err := s.readManifest(id)
		if err != nil {
			slog.Debug("unreadable manifest", "task", id, "error", err)
			continue
		}
		if !sum.Contains(p) {
			continue
		}
		st, err := s.load(id)
		if err != nil || st.Direction != dir {
			continue
		}
		hits = append(hits, st)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if !hits[i].Submitted.Equal(hits[j].Submitted) {
			return hits[i].Submitted.After(hits[j].Submitted)
		}
		return hits[i].TaskID > hits[j].TaskID
	})
	return hits, nil
}

// Stat implements transfer.Service by hashing the backup copy.
func (s *Service) Stat(ctx context.Context, p string) (transfer.ObjectInfo, error) {
	if err := checkPath(p); err != nil {
		return transfer.ObjectInfo{}, err
	}
	sum, n, err := checksum.File(ctx, s.backupPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return transfer.ObjectInfo{}, fmt.Errorf("%s: %w", p, transfer.ErrNotFound)
	}
	if err != nil {
		return transfer.ObjectInfo{}, err
	}
	return transfer.ObjectInfo{Path: p, Checksum: sum, Size: n}, nil
}

func (s *Service) archivePath(p string) string {
	return filepath.Join(s.cfg.ArchiveRoot, filepath.FromSlash(p))
}

func (s *Service) backupPath(p string) string {
	return filepath.Join(s.cfg.BackupRoot, filepath.FromSlash(p))
}

func (s *Service) source(dir transfer.Direction, p string) string {
	if dir == transfer.Restore {
		return s.backupPath(p)
	}
	return s.archivePath(p)
}

func (s *Service) dest(dir transfer.Direction, p string) string {
	if dir == transfer.Restore {
		return s.archivePath(p)
	}
	return s.backupPath(p)
}

func (s *Service) manifestPath(id string) string {
	return filepath.Join(s.dir, id+".manifest")
}

func (s *Service) statePath(id string) string {
	return filepath.Join(s.dir, id+".state")
}

func (s *Service) manifestTime(id string) time.Time {
	fi, err := os.Stat(s.manifestPath(id))
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

func (s *Service) readManifest(id string) (manifest.Summary, error) {
	f, err := os.Open(s.manifestPath(id))
	if err != nil {
		return manifest.Summary{}, err
	}
	defer f.Close()
	return manifest.Parse(f)
}

func (s *Service) readState(id string) (taskState, error) {
	var st taskState
	if _, err := toml.DecodeFile(s.statePath(id), &st); err != nil {
		return taskState{}, err
	}
	return st, nil
}

func (s *Service) writeState(id string, st taskState) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(st); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return writeAtomic(s.statePath(id), buf.Bytes())
}

func writeAtomic(name string, data []byte) error {
	tmp := name + "." + uuid.NewString()[:8] + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, name); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// checkPath rejects paths that would escape the roots or touch task
// metadata.
func checkPath(p string) error {
	switch {
	case p == "", path.IsAbs(p), path.Clean(p) != p, p == "..", strings.HasPrefix(p, "../"):
		return fmt.Errorf("localfs: invalid path %q", p)
	case catalog.HasPathPrefix(p, MetaDir):
		return fmt.Errorf("localfs: path %q is reserved", p)
	}
	return nil
}
