package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Catalog. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

// NewMemory returns a Memory catalog seeded with recs.
func NewMemory(recs ...Record) *Memory {
	m := &Memory{records: make(map[string]Record, len(recs)), now: time.Now}
	for _, r := range recs {
		m.records[r.Path] = r
	}
	return m
}

// Put inserts or replaces a record.
func (m *Memory) Put(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.Path] = r
}

// Get returns the record at path.
func (m *Memory) Get(path string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[path]
	return r, ok
}

// Records implements Catalog.
func (m *Memory) Records(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// UpdateState implements Catalog.
func (m *Memory) UpdateState(_ context.Context, path string, expected, next State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[path]
	if !ok {
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	if r.State != expected {
		return &ConflictError{Path: path, Expected: expected, Actual: r.State}
	}
	now := m.now()
	r.State = next
	r.StateChanged = now
	r.Reason = reason
	if next == Verified {
		r.LastBackup = now
	}
	m.records[path] = r
	return nil
}

// RecordChecksum implements Catalog.
func (m *Memory) RecordChecksum(_ context.Context, path, checksum string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[path]
	if !ok {
		return fmt.Errorf("record checksum %s: %w", path, ErrNotFound)
	}
	r.Checksum = checksum
	r.Size = size
	m.records[path] = r
	return nil
}
