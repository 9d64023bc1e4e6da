// Package engine reconciles the archive catalog with its remote backup. A
// pass reads the catalog, computes the work needed, submits batched
// transfers, polls them to completion, verifies every copy and writes the
// outcome back to the catalog with compare-and-set updates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/event"
	"github.com/ncar/dsquasar/internal/filter"
	"github.com/ncar/dsquasar/internal/journal"
	"github.com/ncar/dsquasar/internal/stats"
	"github.com/ncar/dsquasar/internal/transfer"
)

// Config describes an engine. Zero numeric fields take defaults.
type Config struct {
	Catalog  catalog.Catalog
	Service  transfer.Service
	Journal  Journal // optional; without it recovery relies on the catalog alone
	Registry *Registry
	Clock    clock.Clock
	Stats    *stats.Collector
	Events   chan<- event.Event

	// Filter limits the records a pass considers.
	Filter *filter.Chain

	// Restores are restore requests in addition to the journal's open ones.
	Restores []RestoreRequest

	// ArchiveRoot is the local archive: the source of backups and the
	// destination of restores.
	ArchiveRoot string

	Batch        BatchConfig
	PollBackoff  Backoff
	RetryBackoff Backoff

	MaxConcurrency int // in-flight tasks; default 8
	MaxAttempts    int // submissions per record; default 3

	// IntegrityRetries is how many checksum mismatches are re-queued before
	// a record fails. 0 means the default of 1; negative disables.
	IntegrityRetries int

	ChecksumWorkers   int
	StaleAfter        time.Duration // default 1h
	CallTimeout       time.Duration // default 30s
	RequestsPerSecond float64       // limit on service calls; 0 is unlimited
}

func (c *Config) applyDefaults() {
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Stats == nil {
		c.Stats = stats.NewCollector()
	}
	c.Batch = c.Batch.withDefaults()
	c.PollBackoff = c.PollBackoff.withDefaults(DefaultPollBackoff())
	c.RetryBackoff = c.RetryBackoff.withDefaults(DefaultRetryBackoff())
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	switch {
	case c.IntegrityRetries == 0:
		c.IntegrityRetries = 1
	case c.IntegrityRetries < 0:
		c.IntegrityRetries = 0
	}
	if c.ChecksumWorkers <= 0 {
		c.ChecksumWorkers = DefaultChecksumWorkers()
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// FailedRecord is a record that ended a pass failed.
type FailedRecord struct {
	Err       error
	Path      string
	Reason    string
	Direction transfer.Direction
}

// Report summarizes one pass.
type Report struct {
	Started    time.Time
	Finished   time.Time
	Failed     []FailedRecord // failed during this pass
	Invariants []error

	Backups    int // work items by action
	Restores   int
	Verifies   int
	Adopted    int // tasks resumed from the journal or found by path
	Verified   int
	Restored   int
	Duplicates int
	Cancelled  int

	// Outstanding counts FAILED records in the catalog after the pass plus
	// restores that failed in it.
	Outstanding int
}

// ExitCode buckets the outstanding failure count: 0 for none, 1 for 1-9,
// 2 for 10-99 and 3 for 100 or more.
func (r Report) ExitCode() int {
	switch n := r.Outstanding; {
	case n == 0:
		return 0
	case n < 10:
		return 1
	case n < 100:
		return 2
	default:
		return 3
	}
}

// Engine runs reconciliation passes.
type Engine struct {
	cfg      Config
	limiter  *rate.Limiter
	verifier *Verifier

	mu      sync.Mutex
	running bool
	cancel  chan struct{}
	current *Reconciler
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("engine: no catalog")
	}
	if cfg.Service == nil {
		return nil, errors.New("engine: no transfer service")
	}
	if cfg.ArchiveRoot == "" {
		return nil, errors.New("engine: no archive root")
	}
	cfg.applyDefaults()

	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}
	return &Engine{
		cfg:      cfg,
		limiter:  lim,
		verifier: NewVerifier(cfg.Service, cfg.ArchiveRoot, cfg.ChecksumWorkers, cfg.CallTimeout),
	}, nil
}

// Stats returns the engine's collector.
func (e *Engine) Stats() *stats.Collector {
	return e.cfg.Stats
}

// Running reports whether a pass is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Cancel stops the running pass: queued work is abandoned, in-flight tasks
// get a best-effort remote cancel and end in ERROR with ErrCancelled.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	select {
	case <-e.cancel:
	default:
		close(e.cancel)
		e.current.stop()
	}
}

// RunPass runs one reconciliation pass. The error is non-nil only when the
// pass was aborted, by ctx or by Cancel (ErrCancelled); records that failed
// are reported in the Report.
func (e *Engine) RunPass(ctx context.Context) (Report, error) {
	rep := Report{Started: e.cfg.Clock.Now()}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return rep, errors.New("engine: pass already running")
	}
	e.running = true
	e.cancel = make(chan struct{})
	r := newReconciler(e, &rep, e.cancel)
	e.current = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.current = nil
		e.mu.Unlock()
	}()

	e.cfg.Stats.AddPasses(1)
	event.Emit(e.cfg.Events, event.Event{Type: event.PassStarted})

	recs, err := e.records(ctx)
	if err != nil {
		return rep, err
	}
	requests, journaled, err := e.restoreRequests(ctx)
	if err != nil {
		return rep, err
	}
	recs = e.markStale(ctx, recs, requests)
	byPath := make(map[string]catalog.Record, len(recs))
	for _, rec := range recs {
		byPath[rec.Path] = rec
	}

	adopted, orphans := e.recoverJournal(ctx, byPath)

	items, err := ComputeWorklist(Snapshot{
		Now:        e.cfg.Clock.Now(),
		Local:      e.localInfo(ctx, recs, requests),
		Records:    recs,
		Restores:   requests,
		StaleAfter: e.cfg.StaleAfter,
	})
	if err != nil {
		return rep, err
	}
	items = e.withoutClaimed(items)
	rep.Backups, rep.Restores, rep.Verifies = items.Count(Backup), items.Count(Restore), items.Count(Verify)
	rep.Adopted = len(adopted)

	r.run(ctx, adopted, orphans, items)

	e.finishRestores(ctx, r, journaled, requests, recs)
	rep.Outstanding = e.outstanding(ctx) + len(r.restoreFailed)
	rep.Finished = e.cfg.Clock.Now()
	event.Emit(e.cfg.Events, event.Event{Type: event.PassComplete, Files: rep.Verified + rep.Restored})
	slog.Info("pass complete",
		"backups", rep.Backups, "restores", rep.Restores, "verifies", rep.Verifies,
		"verified", rep.Verified, "restored", rep.Restored, "failed", len(rep.Failed),
		"outstanding", rep.Outstanding, "elapsed", rep.Finished.Sub(rep.Started))

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	select {
	case <-r.cancel:
		return rep, ErrCancelled
	default:
	}
	return rep, nil
}

// RunContinuous runs passes every interval until ctx ends. onPass, if set,
// sees every pass result. Aborted passes are logged and retried on the next
// tick.
func (e *Engine) RunContinuous(ctx context.Context, interval time.Duration, onPass func(Report, error)) error {
	for {
		rep, err := e.RunPass(ctx)
		if onPass != nil {
			onPass(rep, err)
		}
		if err != nil && ctx.Err() == nil {
			slog.Error("pass aborted", "error", err)
		}
		if err := sleep(ctx, e.cfg.Clock, interval); err != nil {
			return err
		}
	}
}

func (e *Engine) records(ctx context.Context) ([]catalog.Record, error) {
	recs, err := e.cfg.Catalog.Records(ctx, catalog.Filter{})
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	if err := ValidateRecords(recs); err != nil {
		return nil, err
	}
	if e.cfg.Filter == nil || e.cfg.Filter.Empty() {
		return recs, nil
	}
	kept := recs[:0]
	for _, rec := range recs {
		if e.cfg.Filter.MatchRecord(rec) {
			kept = append(kept, rec)
		}
	}
	return kept, nil
}

// markStale moves VERIFIED records modified after their last backup to
// STALE. Records a restore request covers keep their state: the request
// asks for the backup back, not for the local edit to replace it.
func (e *Engine) markStale(ctx context.Context, recs []catalog.Record, requests []RestoreRequest) []catalog.Record {
	for i := range recs {
		rec := &recs[i]
		if rec.State != catalog.Verified || rec.LastBackup.IsZero() || !rec.ModTime.After(rec.LastBackup) {
			continue
		}
		if requested(*rec, requests) {
			continue
		}
		if err := e.cfg.Catalog.UpdateState(ctx, rec.Path, catalog.Verified, catalog.Stale, ""); err != nil {
			slog.Warn("stale record not updated", "path", rec.Path, "error", err)
			continue
		}
		rec.State = catalog.Stale
		rec.StateChanged = e.cfg.Clock.Now()
		event.Emit(e.cfg.Events, event.Event{Type: event.RecordStale, Path: rec.Path})
	}
	return recs
}

// restoreRequests loads open journal requests plus the configured ones.
func (e *Engine) restoreRequests(ctx context.Context) ([]RestoreRequest, []journal.RestoreRequest, error) {
	requests := append([]RestoreRequest(nil), e.cfg.Restores...)
	if e.cfg.Journal == nil {
		return requests, nil, nil
	}
	open, err := e.cfg.Journal.Restores(ctx, journal.RestoreOpen)
	if err != nil {
		return nil, nil, fmt.Errorf("read restore requests: %w", err)
	}
	for _, req := range open {
		chain, err := RestoreChain(req.Root, req.Rules)
		if err != nil {
			slog.Error("bad restore request", "id", req.ID, "error", err)
			_ = e.cfg.Journal.SetRestoreStatus(ctx, req.ID, journal.RestoreFailed, err.Error())
			continue
		}
		requests = append(requests, RestoreRequest{ID: req.ID, Chain: chain})
	}
	return requests, open, nil
}

// RestoreChain builds the selector of a restore request rooted at root.
func RestoreChain(root string, rules []string) (*filter.Chain, error) {
	chain := filter.NewChain()
	chain.AddRoot(root)
	for _, rule := range rules {
		if err := chain.AddRule(rule); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule, err)
		}
	}
	return chain, nil
}

// localInfo inspects the archive copies of backed-up records that restore
// requests cover.
func (e *Engine) localInfo(ctx context.Context, recs []catalog.Record, requests []RestoreRequest) map[string]LocalInfo {
	if len(requests) == 0 {
		return nil
	}
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		local = make(map[string]LocalInfo)
	)
	for _, rec := range recs {
		if rec.State != catalog.Verified || !requested(rec, requests) {
			continue
		}
		var info LocalInfo
		if fi, err := os.Stat(filepath.Join(e.cfg.ArchiveRoot, filepath.FromSlash(rec.Path))); err == nil {
			info = LocalInfo{Exists: true, Size: fi.Size()}
		}
		if !info.Exists || info.Size != rec.Size || rec.Checksum == "" {
			mu.Lock()
			local[rec.Path] = info
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, _, err := e.verifier.LocalChecksum(ctx, rec.Path)
			if err != nil {
				slog.Warn("checksum of local copy", "path", rec.Path, "error", err)
			}
			info.Checksum = sum
			mu.Lock()
			local[rec.Path] = info
			mu.Unlock()
		}()
	}
	wg.Wait()
	return local
}

// recoverJournal turns journal entries from an earlier run into tasks to
// resume (remote id known) and orphans to resolve by path (remote id lost,
// or the task was cancelled). Their records are claimed.
func (e *Engine) recoverJournal(ctx context.Context, byPath map[string]catalog.Record) ([]*Task, []orphan) {
	if e.cfg.Journal == nil {
		return nil, nil
	}
	entries, err := e.cfg.Journal.Entries(ctx)
	if err != nil {
		slog.Error("read journal; falling back to catalog state", "error", err)
		return nil, nil
	}

	var order []string
	groups := make(map[string][]journal.Entry)
	for _, ent := range entries {
		if _, ok := groups[ent.TaskID]; !ok {
			order = append(order, ent.TaskID)
		}
		groups[ent.TaskID] = append(groups[ent.TaskID], ent)
	}

	var (
		adopted []*Task
		orphans []orphan
	)
	for _, id := range order {
		group := groups[id]
		first := group[0]
		status, _ := ParseTaskStatus(first.Status)
		t := &Task{
			ID:        id,
			CreatedAt: first.CreatedAt,
			RemoteID:  first.RemoteID,
			Direction: first.Direction,
			Status:    Submitted,
		}
		for _, ent := range group {
			rec, ok := byPath[ent.Path]
			if !ok || !recoverable(rec, ent.Direction) {
				continue
			}
			if err := e.cfg.Registry.Claim(ent.Path); err != nil {
				slog.Warn("journal names a record twice", "path", ent.Path, "task", id)
				continue
			}
			if ent.Direction == transfer.Backup {
				rec = backupSource(rec)
			}
			t.Files = append(t.Files, TaskFile{
				Record: rec, Attempts: ent.Attempts, IntegrityRetries: ent.IntegrityRetries,
			})
		}

		if t.RemoteID == "" || status == Error {
			for _, f := range t.Files {
				orphans = append(orphans, orphan{staleID: t.RemoteID, file: f, dir: t.Direction})
			}
			_ = e.cfg.Journal.Forget(id)
			continue
		}
		if len(t.Files) == 0 {
			_ = e.cfg.Journal.Forget(id)
			continue
		}
		t.Retries = retries(t.Files)
		adopted = append(adopted, t)
		event.Emit(e.cfg.Events, event.Event{
			Type: event.TaskAdopted, TaskID: t.ID, RemoteID: t.RemoteID,
			Direction: t.Direction.String(), Files: len(t.Files),
		})
	}
	return adopted, orphans
}

// recoverable reports whether a journaled record still needs its task.
func recoverable(rec catalog.Record, dir transfer.Direction) bool {
	switch dir {
	case transfer.Backup:
		return rec.State == catalog.InTransfer
	case transfer.Restore:
		return rec.State == catalog.Verified || rec.State == catalog.Stale
	}
	return false
}

// withoutClaimed drops items whose records were claimed by journal
// recovery.
func (e *Engine) withoutClaimed(items Worklist) Worklist {
	kept := items[:0]
	for _, item := range items {
		if !e.cfg.Registry.Held(item.Record.Path) {
			kept = append(kept, item)
		}
	}
	return kept
}

// finishRestores closes journal restore requests whose records all came
// back, and fails those with a failed record. Requests with unresolved
// records stay open for the next pass.
func (e *Engine) finishRestores(ctx context.Context, r *Reconciler, journaled []journal.RestoreRequest,
	requests []RestoreRequest, recs []catalog.Record,
) {
	if e.cfg.Journal == nil || ctx.Err() != nil {
		return
	}
	chains := make(map[int64]*filter.Chain, len(requests))
	for _, req := range requests {
		chains[req.ID] = req.Chain
	}

	ctx = context.WithoutCancel(ctx)
	for _, req := range journaled {
		chain, ok := chains[req.ID]
		if !ok {
			continue
		}
		var matched, notBacked, busy, failed int
		var reason string
		open := false
		for _, rec := range recs {
			if !chain.MatchRecord(rec) {
				continue
			}
			matched++
			switch {
			case rec.State == catalog.Verified:
			case rec.LastBackup.IsZero():
				notBacked++
				continue
			case rec.State != catalog.Stale:
				busy++
				continue
			}
			if why, ok := r.restoreFailed[rec.Path]; ok {
				failed++
				reason = why
				continue
			}
			if r.restoreStarted[rec.Path] && !r.restored[rec.Path] {
				open = true
			}
		}

		switch {
		case open:
			continue
		case failed > 0:
			reason = fmt.Sprintf("%d records failed (%s)", failed, reason)
			_ = e.cfg.Journal.SetRestoreStatus(ctx, req.ID, journal.RestoreFailed, reason)
		default:
			note := ""
			switch {
			case matched == 0:
				note = "no records matched"
			case notBacked > 0:
				note = fmt.Sprintf("%d matching records not backed up", notBacked)
				slog.Warn("restore skipped records without a backup", "id", req.ID, "count", notBacked)
			case busy > 0:
				note = fmt.Sprintf("%d matching records in transfer or failed", busy)
				slog.Warn("restore skipped records not at rest", "id", req.ID, "count", busy)
			}
			_ = e.cfg.Journal.SetRestoreStatus(ctx, req.ID, journal.RestoreDone, note)
			event.Emit(e.cfg.Events, event.Event{Type: event.RestoreDone, Path: req.Root, Reason: note})
		}
	}
}

func (e *Engine) outstanding(ctx context.Context) int {
	failed, err := e.cfg.Catalog.Records(context.WithoutCancel(ctx), catalog.Filter{States: []catalog.State{catalog.Failed}})
	if err != nil {
		slog.Error("count failed records", "error", err)
		return 0
	}
	if e.cfg.Filter == nil || e.cfg.Filter.Empty() {
		return len(failed)
	}
	n := 0
	for _, rec := range failed {
		if e.cfg.Filter.MatchRecord(rec) {
			n++
		}
	}
	return n
}
