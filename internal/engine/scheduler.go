package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/time/rate"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/event"
	"github.com/ncar/dsquasar/internal/journal"
	"github.com/ncar/dsquasar/internal/stats"
	"github.com/ncar/dsquasar/internal/transfer"
)

// Journal persists in-flight tasks so a restarted process can find them.
// *journal.DB implements it.
type Journal interface {
	Save(ctx context.Context, entries ...journal.Entry) error
	Entries(ctx context.Context) ([]journal.Entry, error)
	Forget(taskID string) error
	Restores(ctx context.Context, statuses ...string) ([]journal.RestoreRequest, error)
	SetRestoreStatus(ctx context.Context, id int64, status, reason string) error
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Catalog  catalog.Catalog
	Service  transfer.Service
	Registry *Registry
	Journal  Journal // optional
	Limiter  *rate.Limiter
	Clock    clock.Clock
	Stats    *stats.Collector
	Events   chan<- event.Event

	// Dropped is called for every accepted-or-offered item that will not
	// reach a task: duplicates, catalog conflicts and items still queued
	// when the scheduler stops.
	Dropped func(WorkItem, error)

	Batch          BatchConfig
	MaxConcurrency int
	CallTimeout    time.Duration
}

type queued struct {
	item  WorkItem
	prior catalog.State
	taken bool
}

// lane is the FIFO of one priority.
type lane struct {
	items []*queued
	head  int
}

func (l *lane) compact() {
	for l.head < len(l.items) && l.items[l.head].taken {
		l.items[l.head] = nil
		l.head++
	}
	if l.head > 1024 && l.head*2 > len(l.items) {
		l.items = append([]*queued(nil), l.items[l.head:]...)
		l.head = 0
	}
}

// Scheduler turns work items into batched transfer tasks, keeping at most
// MaxConcurrency tasks in flight. A slot is held from submission until the
// consumer calls Release.
type Scheduler struct {
	cfg   SchedulerConfig
	slots chan struct{}
	out   chan *Task
	wake  chan struct{}

	mu       sync.Mutex
	lanes    [PriorityRestore + 1]lane
	queueLen int
	held     map[string]bool // task id -> holds a slot
	closed   bool
	stopped  bool
	stopErr  error
}

// NewScheduler returns a scheduler; call Run to start dispatching.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	cfg.Batch = cfg.Batch.withDefaults()
	return &Scheduler{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.MaxConcurrency),
		out:   make(chan *Task),
		wake:  make(chan struct{}, 1),
		held:  make(map[string]bool),
	}
}

// Tasks is the stream of submitted (or submission-failed) tasks. It closes
// when Run returns.
func (s *Scheduler) Tasks() <-chan *Task {
	return s.out
}

// Submit enqueues items, closes the input and starts dispatching. The
// returned stream closes once every item is submitted or dropped. The caller
// must Release every task it receives.
func (s *Scheduler) Submit(ctx context.Context, items []WorkItem) <-chan *Task {
	s.Enqueue(ctx, items...)
	s.CloseInput()
	go s.Run(ctx)
	return s.Tasks()
}

// Enqueue offers items to the scheduler. Each item's record is claimed in
// the registry and, for backups, moved to PENDING. Items that cannot be
// accepted are reported through Dropped.
func (s *Scheduler) Enqueue(ctx context.Context, items ...WorkItem) {
	accepted := make([]*queued, 0, len(items))
	for _, item := range items {
		if q := s.accept(ctx, item); q != nil {
			accepted = append(accepted, q)
		}
	}

	s.mu.Lock()
	if s.stopped {
		err := s.stopErr
		s.mu.Unlock()
		for _, q := range accepted {
			s.abandon(ctx, q, err)
		}
		return
	}
	for _, q := range accepted {
		p := q.item.Priority
		if p < PriorityNewBackup || p > PriorityRestore {
			p = PriorityNewBackup
		}
		s.lanes[p].items = append(s.lanes[p].items, q)
	}
	s.queueLen += len(accepted)
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) accept(ctx context.Context, item WorkItem) *queued {
	path := item.Record.Path
	switch item.Action {
	case Backup, Restore:
	case Verify, Skip:
		s.drop(item, fmt.Errorf("%w: %s item offered to scheduler", ErrInvariant, item.Action))
		return nil
	}

	if !item.claimed {
		if err := s.cfg.Registry.Claim(path); err != nil {
			s.cfg.Stats.AddDuplicates(1)
			event.Emit(s.cfg.Events, event.Event{Type: event.DuplicateDropped, Path: path, Error: err})
			s.drop(item, err)
			return nil
		}
		item.claimed = true
	}

	q := &queued{item: item, prior: item.Record.State}
	if item.Action == Backup && item.Record.State != catalog.Pending {
		if err := s.cfg.Catalog.UpdateState(ctx, path, item.Record.State, catalog.Pending, ""); err != nil {
			slog.Warn("backup not scheduled", "path", path, "error", err)
			if item.Record.State == catalog.Failed && ctx.Err() != nil {
				s.unfail(ctx, item.Record)
			}
			s.release(path)
			s.drop(item, err)
			return nil
		}
		q.item.Record.State = catalog.Pending
	}
	return q
}

// CloseInput marks the end of input. Run returns once the queue drains.
func (s *Scheduler) CloseInput() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Stop abandons queued items with err (reverting their PENDING marks) and
// makes Run return after the task currently being submitted.
func (s *Scheduler) Stop(err error) {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.stopErr = err
	}
	s.mu.Unlock()
	s.signal()
}

// Acquire takes a slot for a task created outside the scheduler, such as
// one adopted from the journal.
func (s *Scheduler) Acquire(ctx context.Context, t *Task) error {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.held[t.ID] = true
	s.mu.Unlock()
	return nil
}

// Release returns t's slot. Releasing twice is a no-op.
func (s *Scheduler) Release(t *Task) {
	s.mu.Lock()
	held := s.held[t.ID]
	delete(s.held, t.ID)
	s.mu.Unlock()
	if held {
		<-s.slots
	}
}

// Run dispatches queued items until the input is closed and drained, Stop
// is called or ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.out)
	defer s.drain(ctx)

	for s.waitWork(ctx) {
		select {
		case s.slots <- struct{}{}:
		case <-s.wake:
			// Re-check: Stop may have been called while waiting for a slot.
			continue
		case <-ctx.Done():
			s.Stop(ctx.Err())
			return
		}

		s.mu.Lock()
		var batch []*queued
		if !s.stopped && s.queueLen > 0 {
			batch = s.popBatchLocked()
		}
		s.mu.Unlock()
		if batch == nil {
			<-s.slots
			continue
		}

		t := s.submit(ctx, batch)
		if t == nil {
			<-s.slots
			continue
		}
		s.mu.Lock()
		s.held[t.ID] = true
		s.mu.Unlock()
		s.out <- t
	}
}

// waitWork blocks until there is something to submit, returning false when
// there will be no more work.
func (s *Scheduler) waitWork(ctx context.Context) bool {
	for {
		s.mu.Lock()
		switch {
		case s.stopped:
			s.mu.Unlock()
			return false
		case s.queueLen > 0:
			s.mu.Unlock()
			return true
		case s.closed:
			s.mu.Unlock()
			return false
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			s.Stop(ctx.Err())
			return false
		}
	}
}

// popBatchLocked removes the next batch: items sharing the direction of the
// highest-priority, oldest item, in queue order.
func (s *Scheduler) popBatchLocked() []*queued {
	var dir transfer.Direction
	for p := PriorityRestore; p >= PriorityNewBackup; p-- {
		l := &s.lanes[p]
		l.compact()
		if l.head < len(l.items) {
			dir = l.items[l.head].item.Action.Direction()
			break
		}
	}

	// Enough candidates to know whether the tail-merge rule applies.
	limit := 2*s.cfg.Batch.MaxFiles + 1
	var cands []*queued
	truncated := false
scan:
	for p := PriorityRestore; p >= PriorityNewBackup; p-- {
		l := &s.lanes[p]
		for _, q := range l.items[l.head:] {
			if q.taken || q.item.Action.Direction() != dir {
				continue
			}
			if len(cands) == limit {
				truncated = true
				break scan
			}
			cands = append(cands, q)
		}
	}

	items := make([]WorkItem, len(cands))
	for i, q := range cands {
		items[i] = q.item
	}
	cfg := s.cfg.Batch
	if truncated {
		cfg.MinBytes = 0
	}
	plan := PlanBatches(items, cfg)
	batch := cands[:len(plan[0])]
	for _, q := range batch {
		q.taken = true
	}
	s.queueLen -= len(batch)
	for p := range s.lanes {
		s.lanes[p].compact()
	}
	return batch
}

func (s *Scheduler) submit(ctx context.Context, batch []*queued) *Task {
	dir := batch[0].item.Action.Direction()
	t := &Task{
		ID:        uuid.NewString(),
		CreatedAt: s.cfg.Clock.Now(),
		Direction: dir,
		Status:    Queued,
	}

	for _, q := range batch {
		item := q.item
		if item.Action == Backup {
			err := s.cfg.Catalog.UpdateState(ctx, item.Record.Path, catalog.Pending, catalog.InTransfer, "")
			if err != nil {
				slog.Warn("backup not submitted", "path", item.Record.Path, "error", err)
				s.release(item.Record.Path)
				s.drop(item, err)
				continue
			}
		}
		rec := item.Record
		if dir == transfer.Backup {
			rec.State = catalog.InTransfer
			if q.prior == catalog.Stale {
				rec.Checksum = ""
			}
			rec = backupSource(rec)
		}
		t.Files = append(t.Files, TaskFile{
			Record:           rec,
			Attempts:         item.Attempts + 1,
			IntegrityRetries: item.IntegrityRetries,
		})
	}
	if len(t.Files) == 0 {
		return nil
	}
	t.Retries = retries(t.Files)
	s.journal(ctx, t)

	remoteID, err := s.call(ctx, func(ctx context.Context) (string, error) {
		return s.cfg.Service.Submit(ctx, dir, t.TransferFiles())
	})
	if err != nil {
		s.revert(ctx, t)
		_ = t.Fail(fmt.Errorf("%w: %w", ErrSubmissionFailed, err))
		s.cfg.Stats.AddSubmitFailures(1)
		event.Emit(s.cfg.Events, event.Event{
			Type: event.TaskFailed, TaskID: t.ID, Direction: dir.String(),
			Files: len(t.Files), Attempt: t.Retries + 1, Error: err,
		})
		if s.cfg.Journal != nil {
			_ = s.cfg.Journal.Forget(t.ID)
		}
		return t
	}

	t.RemoteID = remoteID
	_ = t.Advance(Submitted)
	s.journal(ctx, t)
	s.cfg.Stats.AddTasksSubmitted(1)
	s.cfg.Stats.AddBytesSubmitted(t.Bytes())
	event.Emit(s.cfg.Events, event.Event{
		Type: event.TaskSubmitted, TaskID: t.ID, RemoteID: remoteID, Direction: dir.String(),
		Files: len(t.Files), Size: t.Bytes(), Attempt: t.Retries + 1,
	})
	return t
}

// call runs a remote operation under the request limiter and call timeout.
func (s *Scheduler) call(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	return limitedCall(ctx, s.cfg.Limiter, s.cfg.CallTimeout, fn)
}

func limitedCall[T any](ctx context.Context, lim *rate.Limiter, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := lim.Wait(ctx); err != nil {
		return zero, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

// revert returns a failed submission's backup records to PENDING.
func (s *Scheduler) revert(ctx context.Context, t *Task) {
	if t.Direction != transfer.Backup {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for i := range t.Files {
		f := &t.Files[i]
		if err := s.cfg.Catalog.UpdateState(ctx, f.Record.Path, catalog.InTransfer, catalog.Pending, ""); err != nil {
			slog.Error("revert after failed submission", "path", f.Record.Path, "error", err)
			continue
		}
		f.Record.State = catalog.Pending
	}
}

func (s *Scheduler) journal(ctx context.Context, t *Task) {
	if s.cfg.Journal == nil {
		return
	}
	if err := s.cfg.Journal.Save(ctx, t.JournalEntries(s.cfg.Clock.Now())...); err != nil {
		slog.Error("journal write failed", "task", t.ID, "error", err)
	}
}

// drain abandons whatever is still queued when Run exits.
func (s *Scheduler) drain(ctx context.Context) {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.stopErr = ctx.Err()
	}
	err := s.stopErr
	var left []*queued
	for p := range s.lanes {
		l := &s.lanes[p]
		for _, q := range l.items[l.head:] {
			if !q.taken {
				q.taken = true
				left = append(left, q)
			}
		}
		s.lanes[p] = lane{}
	}
	s.queueLen = 0
	s.mu.Unlock()

	for _, q := range left {
		s.abandon(ctx, q, err)
	}
}

// abandon undoes accept for an item that will not be submitted.
func (s *Scheduler) abandon(ctx context.Context, q *queued, err error) {
	if err == nil {
		err = ErrCancelled
	}
	item := q.item
	if item.Action == Backup && q.prior != catalog.Pending {
		prior := q.prior
		if prior == catalog.Failed {
			// An integrity retry that never ran is not a failure.
			prior = retryState(item.Record)
		}
		uerr := s.cfg.Catalog.UpdateState(context.WithoutCancel(ctx), item.Record.Path, catalog.Pending, prior, "")
		if uerr != nil && !errors.Is(uerr, catalog.ErrConflict) {
			slog.Error("revert of abandoned backup", "path", item.Record.Path, "error", uerr)
		}
	}
	s.release(item.Record.Path)
	s.drop(item, err)
}

// unfail moves a record held FAILED for an integrity retry back to a state
// the next pass picks up.
func (s *Scheduler) unfail(ctx context.Context, rec catalog.Record) {
	err := s.cfg.Catalog.UpdateState(context.WithoutCancel(ctx), rec.Path, catalog.Failed, retryState(rec), "")
	if err != nil {
		slog.Error("revert of abandoned integrity retry", "path", rec.Path, "error", err)
	}
}

func (s *Scheduler) release(path string) {
	if err := s.cfg.Registry.Release(path); err != nil {
		slog.Error("registry", "path", path, "error", err)
	}
}

func (s *Scheduler) drop(item WorkItem, err error) {
	slog.Debug("work item dropped", "path", item.Record.Path, "action", item.Action.String(), "error", err)
	if s.cfg.Dropped != nil {
		s.cfg.Dropped(item, err)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
