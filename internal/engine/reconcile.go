package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/event"
	"github.com/ncar/dsquasar/internal/transfer"
)

// orphan is a record whose task outcome is unknown.
type orphan struct {
	staleID string // remote id of the task that lost track of it, if any
	file    TaskFile
	dir     transfer.Direction
}

// Reconciler drives the tasks of one pass until every record it was handed
// is resolved: verified, failed, dropped, or left for the next pass.
type Reconciler struct {
	e        *Engine
	sched    *Scheduler
	verifier *Verifier
	cancel   <-chan struct{}

	// pending counts unresolved records. A record re-queued for another
	// attempt stays pending.
	pending sync.WaitGroup
	workers sync.WaitGroup

	mu             sync.Mutex
	report         *Report
	restoreStarted map[string]bool
	restored       map[string]bool
	restoreFailed  map[string]string
}

func newReconciler(e *Engine, rep *Report, cancel <-chan struct{}) *Reconciler {
	r := &Reconciler{
		e:              e,
		verifier:       e.verifier,
		cancel:         cancel,
		report:         rep,
		restoreStarted: make(map[string]bool),
		restored:       make(map[string]bool),
		restoreFailed:  make(map[string]string),
	}
	r.sched = NewScheduler(SchedulerConfig{
		Catalog:        e.cfg.Catalog,
		Service:        e.cfg.Service,
		Registry:       e.cfg.Registry,
		Journal:        e.cfg.Journal,
		Limiter:        e.limiter,
		Clock:          e.cfg.Clock,
		Stats:          e.cfg.Stats,
		Events:         e.cfg.Events,
		Dropped:        r.dropped,
		Batch:          e.cfg.Batch,
		MaxConcurrency: e.cfg.MaxConcurrency,
		CallTimeout:    e.cfg.CallTimeout,
	})
	return r
}

// run resolves adopted tasks, orphans and the worklist, returning when all
// records are resolved or ctx ends.
func (r *Reconciler) run(ctx context.Context, adopted []*Task, orphans []orphan, items Worklist) {
	total := len(orphans) + len(items)
	for _, t := range adopted {
		total += len(t.Files)
		if t.Direction == transfer.Restore {
			for _, f := range t.Files {
				r.restoreStarted[f.Record.Path] = true
			}
		}
	}
	for _, o := range orphans {
		if o.dir == transfer.Restore {
			r.restoreStarted[o.file.Record.Path] = true
		}
	}
	for _, item := range items {
		if item.Action == Restore {
			r.restoreStarted[item.Record.Path] = true
		}
	}
	r.pending.Add(total)

	r.workers.Add(2)
	go func() {
		defer r.workers.Done()
		r.sched.Run(ctx)
	}()
	go func() {
		defer r.workers.Done()
		for t := range r.sched.Tasks() {
			r.workers.Add(1)
			go r.track(ctx, t)
		}
	}()

	for _, t := range adopted {
		r.workers.Add(1)
		go func() {
			defer r.workers.Done()
			if err := r.sched.Acquire(ctx, t); err != nil {
				r.abortFiles(t.Files)
				return
			}
			r.poll(ctx, t)
		}()
	}

	for _, o := range orphans {
		r.workers.Add(1)
		go func() {
			defer r.workers.Done()
			r.resolveOrphan(ctx, o.file, o.dir, o.staleID)
		}()
	}

	var transfers []WorkItem
	for item := range items.All() {
		switch item.Action {
		case Backup, Restore:
			transfers = append(transfers, item)
		case Verify:
			if err := r.e.cfg.Registry.Claim(item.Record.Path); err != nil {
				r.dropped(item, err)
				continue
			}
			f := TaskFile{Record: backupSource(item.Record), Attempts: item.Attempts, IntegrityRetries: item.IntegrityRetries}
			r.workers.Add(1)
			go func() {
				defer r.workers.Done()
				r.resolveOrphan(ctx, f, transfer.Backup, "")
			}()
		case Skip:
			r.pending.Done()
		}
	}
	r.sched.Enqueue(ctx, transfers...)

	resolved := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(resolved)
	}()
	select {
	case <-resolved:
	case <-ctx.Done():
	}
	r.sched.CloseInput()
	r.workers.Wait()
}

// stop abandons queued work; in-flight tasks see the closed cancel channel.
func (r *Reconciler) stop() {
	r.sched.Stop(ErrCancelled)
}

func (r *Reconciler) track(ctx context.Context, t *Task) {
	defer r.workers.Done()
	switch t.Status {
	case Error:
		r.sched.Release(t)
		r.retryFiles(ctx, t.Direction, t.Files, t.Err)
	case Submitted:
		r.poll(ctx, t)
	default:
		r.invariant(fmt.Errorf("%w: task %s handed over in status %s", ErrInvariant, t.ID, t.Status))
		r.sched.Release(t)
		r.abortFiles(t.Files)
	}
}

// poll follows a submitted task until it leaves the remote queue.
func (r *Reconciler) poll(ctx context.Context, t *Task) {
	cfg := &r.e.cfg
	if err := t.Advance(Polling); err != nil {
		r.invariant(err)
		r.sched.Release(t)
		r.abortFiles(t.Files)
		return
	}
	r.journal(ctx, t)

	lastProgress := cfg.Clock.Now()
	lastBytes, lastFiles := int64(-1), -1
	for attempt := 0; ; attempt++ {
		if err := r.wait(ctx, cfg.PollBackoff.Delay(t.ID, attempt)); err != nil {
			if errors.Is(err, ErrCancelled) {
				r.cancelTask(ctx, t)
			} else {
				r.abortTask(t)
			}
			return
		}

		st, err := limitedCall(ctx, r.e.limiter, cfg.CallTimeout, func(ctx context.Context) (transfer.Status, error) {
			return cfg.Service.Poll(ctx, t.RemoteID)
		})
		cfg.Stats.AddPolls(1)
		if err != nil {
			if ctx.Err() != nil {
				r.abortTask(t)
				return
			}
			if errors.Is(err, transfer.ErrUnknownTask) {
				r.orphanTask(ctx, t, "remote task unknown")
				return
			}
			slog.Debug("poll failed", "task", t.ID, "remote", t.RemoteID, "error", err)
			if cfg.Clock.Now().Sub(lastProgress) > cfg.StaleAfter {
				r.orphanTask(ctx, t, "remote not answering")
				return
			}
			continue
		}

		switch st.State {
		case transfer.Succeeded:
			_ = t.Advance(Done)
			cfg.Stats.AddTasksSucceeded(1)
			event.Emit(cfg.Events, event.Event{
				Type: event.TaskCompleted, TaskID: t.ID, RemoteID: t.RemoteID,
				Direction: t.Direction.String(), Files: len(t.Files), Size: t.Bytes(),
			})
			r.journal(ctx, t)
			r.sched.Release(t)
			r.verifyTask(ctx, t)
			return
		case transfer.Failed:
			cause := fmt.Errorf("%w: %s", ErrTransferFailed, st.Message)
			_ = t.Fail(cause)
			cfg.Stats.AddTasksFailed(1)
			event.Emit(cfg.Events, event.Event{
				Type: event.TaskFailed, TaskID: t.ID, RemoteID: t.RemoteID,
				Direction: t.Direction.String(), Files: len(t.Files), Error: cause,
			})
			r.sched.Release(t)
			r.forget(t)
			r.retryFiles(ctx, t.Direction, t.Files, cause)
			return
		case transfer.Pending:
			now := cfg.Clock.Now()
			if st.BytesDone != lastBytes || st.FilesDone != lastFiles {
				lastBytes, lastFiles = st.BytesDone, st.FilesDone
				lastProgress = now
			} else if now.Sub(lastProgress) > cfg.StaleAfter {
				r.orphanTask(ctx, t, "no progress")
				return
			}
		case transfer.Unknown:
			r.orphanTask(ctx, t, "remote state unknown")
			return
		}
	}
}

// wait sleeps d, returning ErrCancelled if the operator cancels first.
func (r *Reconciler) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-r.cancel:
		return ErrCancelled
	default:
	}
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.cancel:
		return ErrCancelled
	case <-r.e.cfg.Clock.After(d):
		return nil
	}
}

// verifyTask checks every file of a finished task concurrently; hashing is
// bounded by the verifier's pool.
func (r *Reconciler) verifyTask(ctx context.Context, t *Task) {
	var wg sync.WaitGroup
	for _, f := range t.Files {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.verifyFile(ctx, f, t.Direction)
		}()
	}
	wg.Wait()
	if ctx.Err() == nil {
		r.forget(t)
	}
}

func (r *Reconciler) verifyFile(ctx context.Context, f TaskFile, dir transfer.Direction) {
	v, err := r.verifier.Verify(ctx, f.Record, dir)
	if err != nil {
		if ctx.Err() != nil {
			r.abortFiles([]TaskFile{f})
			return
		}
		r.retryFiles(ctx, dir, []TaskFile{f}, fmt.Errorf("%w: verify: %w", ErrTransferFailed, err))
		return
	}
	if v.Result == Match {
		r.verified(ctx, f, dir, v)
		return
	}
	r.mismatch(ctx, f, dir, v)
}

func (r *Reconciler) verified(ctx context.Context, f TaskFile, dir transfer.Direction, v Verification) {
	cfg := &r.e.cfg
	path := f.Record.Path
	switch dir {
	case transfer.Backup:
		ctx := context.WithoutCancel(ctx)
		if err := cfg.Catalog.RecordChecksum(ctx, path, v.Checksum, v.Size); err != nil {
			slog.Error("record checksum", "path", path, "error", err)
		}
		if err := cfg.Catalog.UpdateState(ctx, path, catalog.InTransfer, catalog.Verified, ""); err != nil {
			slog.Warn("verified record not updated", "path", path, "error", err)
		}
		r.mu.Lock()
		r.report.Verified++
		r.mu.Unlock()
	case transfer.Restore:
		r.settleRestored(ctx, f.Record, v)
		r.mu.Lock()
		r.report.Restored++
		r.restored[path] = true
		r.mu.Unlock()
	}
	cfg.Stats.AddFilesVerified(1)
	cfg.Stats.AddBytesVerified(v.Size)
	event.Emit(cfg.Events, event.Event{
		Type: event.VerifyOK, Path: path, Direction: dir.String(), Size: v.Size,
	})
	r.resolve(path)
}

// settleRestored marks a record modified after its backup VERIFIED again
// once the backup is back in place, so the next pass does not back the
// restored copy up as new content.
func (r *Reconciler) settleRestored(ctx context.Context, rec catalog.Record, v Verification) {
	if rec.State != catalog.Stale && !rec.ModTime.After(rec.LastBackup) {
		return
	}
	cfg := &r.e.cfg
	ctx = context.WithoutCancel(ctx)
	if err := cfg.Catalog.RecordChecksum(ctx, rec.Path, v.Checksum, v.Size); err != nil {
		slog.Error("record checksum", "path", rec.Path, "error", err)
	}
	if err := cfg.Catalog.UpdateState(ctx, rec.Path, rec.State, catalog.Verified, ""); err != nil {
		slog.Warn("restored record not updated", "path", rec.Path, "error", err)
	}
}

func (r *Reconciler) mismatch(ctx context.Context, f TaskFile, dir transfer.Direction, v Verification) {
	cfg := &r.e.cfg
	path := f.Record.Path
	cause := fmt.Errorf("%w: %s: %s", ErrIntegrityMismatch, v.Result, v.Detail)
	cfg.Stats.AddVerifyFailures(1)
	event.Emit(cfg.Events, event.Event{
		Type: event.VerifyFailed, Path: path, Direction: dir.String(), Reason: v.Detail, Error: cause,
	})

	if dir == transfer.Backup {
		err := cfg.Catalog.UpdateState(context.WithoutCancel(ctx), path,
			f.Record.State, catalog.Failed, Reason(cause))
		if err != nil {
			slog.Warn("mismatched record not updated", "path", path, "error", err)
			r.resolve(path)
			return
		}
		f.Record.State = catalog.Failed
	}

	if f.IntegrityRetries < cfg.IntegrityRetries && f.Attempts < cfg.MaxAttempts {
		cfg.Stats.AddIntegrityRetries(1)
		f.IntegrityRetries++
		r.requeue(ctx, f, dir, cause)
		return
	}
	r.failed(ctx, f, dir, cause)
}

// retryFiles re-queues files that still have attempts left and fails the
// rest.
func (r *Reconciler) retryFiles(ctx context.Context, dir transfer.Direction, files []TaskFile, cause error) {
	for _, f := range files {
		if ctx.Err() != nil {
			r.abortFiles([]TaskFile{f})
			continue
		}
		if f.Attempts < r.e.cfg.MaxAttempts {
			r.e.cfg.Stats.AddTransportRetries(1)
			r.requeue(ctx, f, dir, cause)
			continue
		}
		r.failed(ctx, f, dir, cause)
	}
}

// requeue schedules another attempt for f after the retry backoff. The
// record keeps its registry claim.
func (r *Reconciler) requeue(ctx context.Context, f TaskFile, dir transfer.Direction, cause error) {
	cfg := &r.e.cfg
	item := WorkItem{
		Record:           f.Record,
		Action:           Backup,
		Priority:         PriorityStaleBackup,
		Attempts:         f.Attempts,
		IntegrityRetries: f.IntegrityRetries,
		claimed:          true,
	}
	if dir == transfer.Restore {
		item.Action, item.Priority = Restore, PriorityRestore
	}
	event.Emit(cfg.Events, event.Event{
		Type: event.TaskRetried, Path: f.Record.Path, Direction: dir.String(),
		Attempt: f.Attempts + 1, Reason: Reason(cause), Error: cause,
	})

	delay := cfg.RetryBackoff.Delay(f.Record.Path, max(f.Attempts-1, 0))
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		if err := r.wait(ctx, delay); err != nil {
			if dir == transfer.Backup && f.Record.State == catalog.Failed {
				r.sched.unfail(ctx, f.Record)
			}
			r.abortFiles([]TaskFile{f})
			return
		}
		r.sched.Enqueue(ctx, item)
	}()
}

// failed surfaces a record that exhausted its attempts.
func (r *Reconciler) failed(ctx context.Context, f TaskFile, dir transfer.Direction, cause error) {
	cfg := &r.e.cfg
	path := f.Record.Path
	reason := Reason(cause)
	if dir == transfer.Backup && f.Record.State != catalog.Failed {
		err := cfg.Catalog.UpdateState(context.WithoutCancel(ctx), path, f.Record.State, catalog.Failed, reason)
		if err != nil {
			slog.Error("failed record not updated", "path", path, "error", err)
		}
	}

	r.mu.Lock()
	r.report.Failed = append(r.report.Failed, FailedRecord{
		Path: path, Direction: dir, Reason: reason, Err: cause,
	})
	if dir == transfer.Restore {
		r.restoreFailed[path] = reason
	}
	r.mu.Unlock()

	cfg.Stats.AddRecordsFailed(1)
	event.Emit(cfg.Events, event.Event{
		Type: event.RecordFailed, Path: path, Direction: dir.String(),
		Attempt: f.Attempts, Reason: reason, Error: cause,
	})
	r.resolve(path)
}

// orphanTask gives up on a task's remote id and resolves its files by path.
func (r *Reconciler) orphanTask(ctx context.Context, t *Task, why string) {
	_ = t.Fail(fmt.Errorf("%w: orphaned: %s", ErrTransferFailed, why))
	slog.Info("task orphaned", "task", t.ID, "remote", t.RemoteID, "reason", why)
	r.sched.Release(t)
	r.forget(t)
	for _, f := range t.Files {
		r.resolveOrphan(ctx, f, t.Direction, t.RemoteID)
	}
}

// resolveOrphan decides the outcome of a record whose task is unknown by
// asking the service about the path rather than the task id.
func (r *Reconciler) resolveOrphan(ctx context.Context, f TaskFile, dir transfer.Direction, staleID string) {
	cfg := &r.e.cfg
	path := f.Record.Path
	cfg.Stats.AddOrphans(1)

	statuses, err := limitedCall(ctx, r.e.limiter, cfg.CallTimeout, func(ctx context.Context) ([]transfer.Status, error) {
		return cfg.Service.QueryByPath(ctx, dir, path)
	})
	if err != nil {
		if ctx.Err() != nil {
			r.abortFiles([]TaskFile{f})
			return
		}
		r.retryFiles(ctx, dir, []TaskFile{f}, fmt.Errorf("%w: query by path: %w", ErrTransferFailed, err))
		return
	}

	var latest *transfer.Status
	if len(statuses) > 0 {
		latest = &statuses[0]
	}

	switch {
	case latest != nil && latest.State == transfer.Pending && latest.TaskID != staleID:
		r.orphanResolved(path, latest.TaskID, "adopted running task")
		t := &Task{
			ID:        uuid.NewString(),
			CreatedAt: cfg.Clock.Now(),
			RemoteID:  latest.TaskID,
			Files:     []TaskFile{f},
			Direction: dir,
			Status:    Submitted,
			Retries:   retries([]TaskFile{f}),
		}
		r.mu.Lock()
		r.report.Adopted++
		r.mu.Unlock()
		if err := r.sched.Acquire(ctx, t); err != nil {
			r.abortFiles(t.Files)
			return
		}
		r.poll(ctx, t)
		return

	case latest != nil && latest.State == transfer.Succeeded && latest.Submitted.After(f.Record.StateChanged):
		// An older success may have copied content the record no longer
		// has; only a task submitted for the current state is trusted.
		r.orphanResolved(path, latest.TaskID, "remote task succeeded")
		r.verifyFile(ctx, f, dir)
		return
	}

	v, err := r.verifier.Verify(ctx, f.Record, dir)
	if err == nil && v.Result == Match {
		r.orphanResolved(path, "", "copy already in place")
		r.verified(ctx, f, dir, v)
		return
	}
	if ctx.Err() != nil {
		r.abortFiles([]TaskFile{f})
		return
	}

	if staleID != "" {
		r.cancelRemote(ctx, staleID)
	}
	cause := fmt.Errorf("%w: orphaned transfer did not complete", ErrTransferFailed)
	if err != nil {
		cause = fmt.Errorf("%w: %w", cause, err)
	}
	r.orphanResolved(path, "", "resubmitting")
	r.retryFiles(ctx, dir, []TaskFile{f}, cause)
}

func (r *Reconciler) orphanResolved(path, remoteID, how string) {
	event.Emit(r.e.cfg.Events, event.Event{
		Type: event.OrphanResolved, Path: path, RemoteID: remoteID, Reason: how,
	})
}

// cancelTask stops a task at the operator's request. Its records stay
// IN_TRANSFER and its journal entries stay behind marked ERROR, so the next
// pass resolves them through the orphan path.
func (r *Reconciler) cancelTask(ctx context.Context, t *Task) {
	cfg := &r.e.cfg
	r.cancelRemote(ctx, t.RemoteID)
	_ = t.Fail(ErrCancelled)
	r.journal(context.WithoutCancel(ctx), t)
	cfg.Stats.AddTasksCancelled(1)
	event.Emit(cfg.Events, event.Event{
		Type: event.TaskCancelled, TaskID: t.ID, RemoteID: t.RemoteID,
		Direction: t.Direction.String(), Files: len(t.Files), Error: t.Err,
	})
	r.mu.Lock()
	r.report.Cancelled++
	r.mu.Unlock()
	r.sched.Release(t)
	r.abortFiles(t.Files)
}

// cancelRemote is best effort; the outcome is only logged.
func (r *Reconciler) cancelRemote(ctx context.Context, remoteID string) {
	if remoteID == "" {
		return
	}
	cfg := &r.e.cfg
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), max(cfg.CallTimeout, time.Second))
	defer cancel()
	if err := cfg.Service.Cancel(ctx, remoteID); err != nil {
		slog.Debug("remote cancel", "remote", remoteID, "error", err)
	}
}

// abortTask leaves a task for the next pass when the pass is interrupted.
func (r *Reconciler) abortTask(t *Task) {
	r.sched.Release(t)
	r.abortFiles(t.Files)
}

// abortFiles resolves files without an outcome; the catalog and journal
// keep whatever they last recorded.
func (r *Reconciler) abortFiles(files []TaskFile) {
	for _, f := range files {
		r.resolve(f.Record.Path)
	}
}

// resolve releases a record's claim and marks it done for this pass.
func (r *Reconciler) resolve(path string) {
	if err := r.e.cfg.Registry.Release(path); err != nil {
		r.invariant(err)
	}
	r.pending.Done()
}

// dropped is the scheduler's callback for items that never became tasks.
func (r *Reconciler) dropped(item WorkItem, err error) {
	if errors.Is(err, ErrDuplicateTask) {
		slog.Warn("duplicate work item dropped", "path", item.Record.Path, "action", item.Action.String())
		r.mu.Lock()
		r.report.Duplicates++
		r.mu.Unlock()
	}
	r.pending.Done()
}

func (r *Reconciler) journal(ctx context.Context, t *Task) {
	if r.e.cfg.Journal == nil {
		return
	}
	if err := r.e.cfg.Journal.Save(ctx, t.JournalEntries(r.e.cfg.Clock.Now())...); err != nil {
		slog.Error("journal write failed", "task", t.ID, "error", err)
	}
}

func (r *Reconciler) forget(t *Task) {
	if r.e.cfg.Journal == nil {
		return
	}
	if err := r.e.cfg.Journal.Forget(t.ID); err != nil {
		slog.Error("journal forget failed", "task", t.ID, "error", err)
	}
}

func (r *Reconciler) invariant(err error) {
	slog.Error("engine invariant violated", "error", err)
	r.mu.Lock()
	r.report.Invariants = append(r.report.Invariants, err)
	r.mu.Unlock()
}
