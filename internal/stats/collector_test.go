package stats

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	const goroutines = 100
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range opsPerGoroutine {
				c.AddTasksSubmitted(1)
				c.AddFilesVerified(1)
				c.AddRecordsFailed(1)
				c.AddBytesVerified(256)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	expected := int64(goroutines * opsPerGoroutine)
	assert.Equal(t, expected, s.TasksSubmitted)
	assert.Equal(t, expected, s.FilesVerified)
	assert.Equal(t, expected, s.RecordsFailed)
	assert.Equal(t, expected*256, s.BytesVerified)
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{
		TasksSubmitted:   4,
		TasksSucceeded:   3,
		TasksFailed:      1,
		FilesVerified:    10,
		VerifyFailures:   2,
		RecordsFailed:    1,
		TransportRetries: 1,
		IntegrityRetries: 2,
		BytesVerified:    2048,
	}
	expected := "submitted=4 succeeded=3 failed=1 verified=10 mismatched=2 records_failed=1 retries=1/2 bytes=2.0 KiB"
	assert.Equal(t, expected, s.String())
}

func TestRegister(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, c.Register(reg))

	c.AddTasksSubmitted(3)
	c.AddRecordsFailed(1)

	expected := `
# HELP dsquasar_tasks_submitted_total Transfer tasks accepted by the service.
# TYPE dsquasar_tasks_submitted_total counter
dsquasar_tasks_submitted_total 3
# HELP dsquasar_records_failed_total Records moved to FAILED.
# TYPE dsquasar_records_failed_total counter
dsquasar_records_failed_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"dsquasar_tasks_submitted_total", "dsquasar_records_failed_total"))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}

func TestRegisterTwiceFails(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))
	assert.Error(t, c.Register(reg))
}

func TestTickAndRollingSpeed(t *testing.T) {
	c := NewCollector()
	c.AddBytesVerified(100)
	c.Tick()
	c.AddBytesVerified(300)
	c.Tick()

	assert.InDelta(t, 200.0, c.RollingSpeed(2), 0.001)
	assert.InDelta(t, 300.0, c.RollingSpeed(1), 0.001)
	// Window larger than samples averages what exists.
	assert.InDelta(t, 200.0, c.RollingSpeed(10), 0.001)
}

func TestRollingSpeedNoSamples(t *testing.T) {
	assert.Zero(t, NewCollector().RollingSpeed(5))
}

func TestRingWraparound(t *testing.T) {
	c := NewCollector()
	for range ringSize + 5 {
		c.AddBytesVerified(10)
		c.Tick()
	}
	assert.InDelta(t, 10.0, c.RollingSpeed(ringSize), 0.001)
}
