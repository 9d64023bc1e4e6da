// Package transfertest provides a scriptable in-memory transfer service.
// Backups copy files from a local root into memory; restores write them
// back. Failures, corruption and slow or lost tasks can be injected per
// path.
package transfertest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/ncar/dsquasar/internal/checksum"
	"github.com/ncar/dsquasar/internal/transfer"
)

// ErrUnavailable is returned by Submit while submit failures are injected.
var ErrUnavailable = errors.New("transfertest: service unavailable")

type task struct {
	id      string
	message string
	files   []transfer.File
	dir     transfer.Direction
	final   transfer.RemoteState
	polls   int
	hung    bool
	done    bool // final state reached
	at      time.Time
}

// Service implements transfer.Service in memory. The zero value is not
// usable; call New.
type Service struct {
	mu    sync.Mutex
	root  string
	seq   int
	delay int // polls that report PENDING before the outcome

	objects     map[string][]byte
	tasks       map[string]*task
	order       []*task
	submissions map[string]int
	failAlways  map[string]bool
	failNext    map[string]int
	corrupt     map[string]int
	hang        map[string]bool
	hangNext    map[string]int
	submitErrs  int
	stalls      int
	cancelled   []string
}

var _ transfer.Service = (*Service)(nil)

// New returns a service backing up files below root.
func New(root string) *Service {
	return &Service{
		root:        root,
		objects:     make(map[string][]byte),
		tasks:       make(map[string]*task),
		submissions: make(map[string]int),
		failAlways:  make(map[string]bool),
		failNext:    make(map[string]int),
		corrupt:     make(map[string]int),
		hang:        make(map[string]bool),
		hangNext:    make(map[string]int),
	}
}

// SetDelay makes each task report PENDING, with progress, for n polls.
func (s *Service) SetDelay(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = n
}

// FailPath makes every task carrying path fail.
func (s *Service) FailPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAlways[path] = true
}

// FailNext makes the next n tasks carrying path fail.
func (s *Service) FailNext(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[path] = n
}

// Corrupt damages the next n copies of path while reporting success.
func (s *Service) Corrupt(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt[path] = n
}

// Hang makes tasks carrying path stay PENDING without progress.
func (s *Service) Hang(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang[path] = true
}

// HangNext makes the next n tasks carrying path hang.
func (s *Service) HangNext(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangNext[path] = n
}

// StallPolls makes the next n polls block until their context ends.
func (s *Service) StallPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalls = n
}

// FailSubmits makes the next n submissions fail.
func (s *Service) FailSubmits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErrs = n
}

// Lose forgets a task id, as a service that purged its history would.
// The task's effects stay.
func (s *Service) Lose(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	s.order = slices.DeleteFunc(s.order, func(t *task) bool { return t.id == id })
}

// Backdate moves the submission time of task id to at.
func (s *Service) Backdate(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.at = at
	}
}

// Put stores a remote copy directly.
func (s *Service) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = slices.Clone(data)
}

// Object returns the remote copy of path.
func (s *Service) Object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[path]
	return slices.Clone(b), ok
}

// Submissions counts submitted tasks that carried path.
func (s *Service) Submissions(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions[path]
}

// Tasks returns the number of accepted tasks.
func (s *Service) Tasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Cancelled lists the task ids Cancel was called for.
func (s *Service) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cancelled)
}

// Submit implements transfer.Service. The transfer happens immediately; its
// outcome is revealed by Poll.
func (s *Service) Submit(ctx context.Context, dir transfer.Direction, files []transfer.File) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.submitErrs > 0 {
		s.submitErrs--
		return "", ErrUnavailable
	}
	if len(files) == 0 {
		return "", errors.New("transfertest: empty submission")
	}

	s.seq++
	t := &task{
		id:    fmt.Sprintf("task-%d", s.seq),
		files: slices.Clone(files),
		dir:   dir,
		final: transfer.Succeeded,
		at:    time.Now(),
	}
	for _, f := range files {
		s.submissions[f.Path]++
		switch {
		case s.hang[f.Path]:
			t.hung = true
		case s.hangNext[f.Path] > 0:
			s.hangNext[f.Path]--
			t.hung = true
		}
	}
	if !t.hung {
		if err := s.apply(t); err != nil {
			t.final = transfer.Failed
			t.message = err.Error()
		}
	}
	s.tasks[t.id] = t
	s.order = append(s.order, t)
	return t.id, nil
}

func (s *Service) apply(t *task) error {
	for _, f := range t.files {
		switch {
		case s.failAlways[f.Path]:
			return fmt.Errorf("%s: permission denied", f.Path)
		case s.failNext[f.Path] > 0:
			s.failNext[f.Path]--
			return fmt.Errorf("%s: endpoint error", f.Path)
		}
	}
	for _, f := range t.files {
		if err := s.copy(t.dir, f.Path); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) copy(dir transfer.Direction, path string) error {
	local := filepath.Join(s.root, filepath.FromSlash(path))
	switch dir {
	case transfer.Backup:
		data, err := os.ReadFile(local)
		if err != nil {
			return err
		}
		s.objects[path] = s.damage(path, data)
	case transfer.Restore:
		data, ok := s.objects[path]
		if !ok {
			return fmt.Errorf("%s: %w", path, transfer.ErrNotFound)
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return err
		}
		return os.WriteFile(local, s.damage(path, data), 0o644)
	}
	return nil
}

func (s *Service) damage(path string, data []byte) []byte {
	data = slices.Clone(data)
	if s.corrupt[path] <= 0 {
		return data
	}
	s.corrupt[path]--
	if len(data) == 0 {
		return []byte{0}
	}
	data[0] ^= 0xff
	return data
}

// Poll implements transfer.Service.
func (s *Service) Poll(ctx context.Context, id string) (transfer.Status, error) {
	if err := ctx.Err(); err != nil {
		return transfer.Status{}, err
	}
	if s.stall() {
		<-ctx.Done()
		return transfer.Status{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return transfer.Status{}, fmt.Errorf("%s: %w", id, transfer.ErrUnknownTask)
	}
	t.polls++
	if !t.done && !t.hung && t.polls > s.delay {
		t.done = true
	}
	return s.status(t), nil
}

func (s *Service) stall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stalls <= 0 {
		return false
	}
	s.stalls--
	return true
}

func (s *Service) status(t *task) transfer.Status {
	st := transfer.Status{
		TaskID:    t.id,
		Direction: t.dir,
		State:     transfer.Pending,
		Paths:     make([]string, len(t.files)),
		Submitted: t.at,
	}
	for i, f := range t.files {
		st.Paths[i] = f.Path
	}
	switch {
	case t.done:
		st.State = t.final
		st.Message = t.message
		if t.final == transfer.Succeeded {
			st.FilesDone = len(t.files)
		}
	case !t.hung:
		st.BytesDone = int64(t.polls)
	}
	return st
}

// Cancel implements transfer.Service.
func (s *Service) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, transfer.ErrUnknownTask)
	}
	if !t.done {
		t.done = true
		t.hung = false
		t.final = transfer.Failed
		t.message = "cancelled"
	}
	return nil
}

// QueryByPath implements transfer.Service.
func (s *Service) QueryByPath(ctx context.Context, dir transfer.Direction, path string) ([]transfer.Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []transfer.Status
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.order[i]
		if t.dir != dir {
			continue
		}
		if slices.ContainsFunc(t.files, func(f transfer.File) bool { return f.Path == path }) {
			out = append(out, s.status(t))
		}
	}
	return out, nil
}

// Stat implements transfer.Service.
func (s *Service) Stat(ctx context.Context, path string) (transfer.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return transfer.ObjectInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[path]
	if !ok {
		return transfer.ObjectInfo{}, fmt.Errorf("%s: %w", path, transfer.ErrNotFound)
	}
	return transfer.ObjectInfo{Path: path, Checksum: checksum.Bytes(data), Size: int64(len(data))}, nil
}
