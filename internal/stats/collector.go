// Package stats counts reconciliation activity and exposes the counters
// to Prometheus.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

const ringSize = 60

// Collector tracks reconciliation statistics using lock-free atomic counters.
// Counters are cumulative over the life of the collector, so a continuous
// run reports totals across passes.
type Collector struct {
	passes           atomic.Int64
	tasksSubmitted   atomic.Int64
	tasksSucceeded   atomic.Int64
	tasksFailed      atomic.Int64
	tasksCancelled   atomic.Int64
	submitFailures   atomic.Int64
	transportRetries atomic.Int64
	integrityRetries atomic.Int64
	filesVerified    atomic.Int64
	verifyFailures   atomic.Int64
	recordsFailed    atomic.Int64
	duplicates       atomic.Int64
	orphans          atomic.Int64
	bytesSubmitted   atomic.Int64
	bytesVerified    atomic.Int64
	polls            atomic.Int64
	startTime        time.Time

	// Ring buffer of verified bytes per tick, written only by Tick.
	mu         sync.Mutex
	throughput [ringSize]int64
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	Passes           int64
	TasksSubmitted   int64
	TasksSucceeded   int64
	TasksFailed      int64
	TasksCancelled   int64
	SubmitFailures   int64
	TransportRetries int64
	IntegrityRetries int64
	FilesVerified    int64
	VerifyFailures   int64
	RecordsFailed    int64
	Duplicates       int64
	Orphans          int64
	BytesSubmitted   int64
	BytesVerified    int64
	Polls            int64
	Elapsed          time.Duration
}

func (c *Collector) AddPasses(n int64)           { c.passes.Add(n) }
func (c *Collector) AddTasksSubmitted(n int64)   { c.tasksSubmitted.Add(n) }
func (c *Collector) AddTasksSucceeded(n int64)   { c.tasksSucceeded.Add(n) }
func (c *Collector) AddTasksFailed(n int64)      { c.tasksFailed.Add(n) }
func (c *Collector) AddTasksCancelled(n int64)   { c.tasksCancelled.Add(n) }
func (c *Collector) AddSubmitFailures(n int64)   { c.submitFailures.Add(n) }
func (c *Collector) AddTransportRetries(n int64) { c.transportRetries.Add(n) }
func (c *Collector) AddIntegrityRetries(n int64) { c.integrityRetries.Add(n) }
func (c *Collector) AddFilesVerified(n int64)    { c.filesVerified.Add(n) }
func (c *Collector) AddVerifyFailures(n int64)   { c.verifyFailures.Add(n) }
func (c *Collector) AddRecordsFailed(n int64)    { c.recordsFailed.Add(n) }
func (c *Collector) AddDuplicates(n int64)       { c.duplicates.Add(n) }
func (c *Collector) AddOrphans(n int64)          { c.orphans.Add(n) }
func (c *Collector) AddBytesSubmitted(n int64)   { c.bytesSubmitted.Add(n) }
func (c *Collector) AddBytesVerified(n int64)    { c.bytesVerified.Add(n) }
func (c *Collector) AddPolls(n int64)            { c.polls.Add(n) }

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Passes:           c.passes.Load(),
		TasksSubmitted:   c.tasksSubmitted.Load(),
		TasksSucceeded:   c.tasksSucceeded.Load(),
		TasksFailed:      c.tasksFailed.Load(),
		TasksCancelled:   c.tasksCancelled.Load(),
		SubmitFailures:   c.submitFailures.Load(),
		TransportRetries: c.transportRetries.Load(),
		IntegrityRetries: c.integrityRetries.Load(),
		FilesVerified:    c.filesVerified.Load(),
		VerifyFailures:   c.verifyFailures.Load(),
		RecordsFailed:    c.recordsFailed.Load(),
		Duplicates:       c.duplicates.Load(),
		Orphans:          c.orphans.Load(),
		BytesSubmitted:   c.bytesSubmitted.Load(),
		BytesVerified:    c.bytesVerified.Load(),
		Polls:            c.polls.Load(),
		Elapsed:          c.Elapsed(),
	}
}

// Register exposes every counter on reg under the dsquasar namespace.
// The collector stays the source of truth; Prometheus reads it on scrape.
func (c *Collector) Register(reg prometheus.Registerer) error {
	counters := []struct {
		v    *atomic.Int64
		name string
		help string
	}{
		{&c.passes, "passes_total", "Reconciliation passes started."},
		{&c.tasksSubmitted, "tasks_submitted_total", "Transfer tasks accepted by the service."},
		{&c.tasksSucceeded, "tasks_succeeded_total", "Transfer tasks that reached SUCCEEDED."},
		{&c.tasksFailed, "tasks_failed_total", "Transfer tasks that reached ERROR."},
		{&c.tasksCancelled, "tasks_cancelled_total", "Transfer tasks cancelled by the operator."},
		{&c.submitFailures, "submit_failures_total", "Submissions rejected or timed out."},
		{&c.transportRetries, "transport_retries_total", "Files requeued after a transport failure."},
		{&c.integrityRetries, "integrity_retries_total", "Files requeued after a checksum mismatch."},
		{&c.filesVerified, "files_verified_total", "Files whose checksum matched after transfer."},
		{&c.verifyFailures, "verify_failures_total", "Checksum comparisons that did not match."},
		{&c.recordsFailed, "records_failed_total", "Records moved to FAILED."},
		{&c.duplicates, "duplicates_dropped_total", "Work items dropped because the path was already claimed."},
		{&c.orphans, "orphans_resolved_total", "In-transfer records resolved without a live task."},
		{&c.bytesSubmitted, "bytes_submitted_total", "Bytes handed to the transfer service."},
		{&c.bytesVerified, "bytes_verified_total", "Bytes verified after transfer."},
		{&c.polls, "polls_total", "Status polls issued to the transfer service."},
	}
	for _, ctr := range counters {
		v := ctr.v
		cf := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "dsquasar",
			Name:      ctr.name,
			Help:      ctr.help,
		}, func() float64 { return float64(v.Load()) })
		if err := reg.Register(cf); err != nil {
			return fmt.Errorf("registering %s: %w", ctr.name, err)
		}
	}
	return nil
}

// Tick snapshots the verified-bytes delta into the ring buffer.
func (c *Collector) Tick() {
	current := c.bytesVerified.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns the average verified bytes per tick over the last n ticks.
func (c *Collector) RollingSpeed(n int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(n, c.ringCount)
	if count == 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"submitted=%d succeeded=%d failed=%d verified=%d mismatched=%d records_failed=%d retries=%d/%d bytes=%s",
		s.TasksSubmitted, s.TasksSucceeded, s.TasksFailed, s.FilesVerified,
		s.VerifyFailures, s.RecordsFailed, s.TransportRetries, s.IntegrityRetries,
		humanize.IBytes(uint64(max(s.BytesVerified, 0))),
	)
}
