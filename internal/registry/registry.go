// Package registry tracks the daemon's live children: which task owns
// which supervisor.Child, and which dense 0-based worker slot within a
// group it occupies. Adapted from the teacher's heartbeat active-worker-set
// (internal/worker/heartbeat.go), which tracked liveness of remote workers
// in a Redis set — here there is exactly one process, so the set lives in
// memory, guarded by the registry's own mutex.
package registry

import (
	"sync"

	"github.com/pueue-rs/pueued-go/internal/supervisor"
	"github.com/pueue-rs/pueued-go/internal/task"
)

// Registry owns the live supervisor.Child for every Running task, plus a
// per-group slot allocator so PUEUE_WORKER_ID stays dense and reusable.
type Registry struct {
	mu       sync.Mutex
	children map[task.ID]*supervisor.Child
	slots    map[string]map[int]task.ID // group -> slot -> task id
}

func New() *Registry {
	return &Registry{
		children: make(map[task.ID]*supervisor.Child),
		slots:    make(map[string]map[int]task.ID),
	}
}

// Acquire reserves the lowest free slot in group for id and returns it.
func (r *Registry) Acquire(group string, id task.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.slots[group]
	if !ok {
		g = make(map[int]task.ID)
		r.slots[group] = g
	}

	slot := 0
	for {
		if _, taken := g[slot]; !taken {
			break
		}
		slot++
	}
	g[slot] = id
	return slot
}

// Release frees the slot held by id within group.
func (r *Registry) Release(group string, id task.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.slots[group]
	if !ok {
		return
	}
	for slot, owner := range g {
		if owner == id {
			delete(g, slot)
			return
		}
	}
}

// Put registers the running child for id.
func (r *Registry) Put(id task.ID, c *supervisor.Child) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children[id] = c
}

// Get returns the child supervising id, if any.
func (r *Registry) Get(id task.ID) (*supervisor.Child, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.children[id]
	return c, ok
}

// Remove drops id from the registry, returning the child if present.
func (r *Registry) Remove(id task.ID) (*supervisor.Child, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.children[id]
	if ok {
		delete(r.children, id)
	}
	return c, ok
}

// All returns every currently registered (task id, child) pair.
func (r *Registry) All() map[task.ID]*supervisor.Child {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[task.ID]*supervisor.Child, len(r.children))
	for id, c := range r.children {
		out[id] = c
	}
	return out
}

// Count returns the number of currently registered children in group.
func (r *Registry) Count(group string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.children {
		if c.Group == group {
			n++
		}
	}
	return n
}
