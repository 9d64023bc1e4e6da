package engine

import (
	"fmt"
	"sync"
)

// Registry tracks which records have an active task. A record is claimed
// from the moment the scheduler accepts a work item for it until the
// reconciler resolves the record, across any retries in between.
type Registry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{paths: make(map[string]struct{})}
}

// Claim marks path as active. It fails with ErrDuplicateTask if path is
// already claimed.
func (r *Registry) Claim(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.paths[path]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, path)
	}
	r.paths[path] = struct{}{}
	return nil
}

// Release drops the claim on path. Releasing an unclaimed path is an
// invariant violation.
func (r *Registry) Release(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.paths[path]; !ok {
		return fmt.Errorf("%w: release of unclaimed record %s", ErrInvariant, path)
	}
	delete(r.paths, path)
	return nil
}

// Held reports whether path is claimed.
func (r *Registry) Held(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.paths[path]
	return ok
}

// Len returns the number of claimed records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}
