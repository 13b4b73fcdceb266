// Package state owns the daemon's single authoritative State: the task
// table, the group table and the monotonic id counter, guarded by one
// mutex and durably snapshotted to disk. Every mutation in the daemon
// passes through the Store below — it is, by design, the sole writer of
// task Status (§4.1).
package state

import (
	"sort"

	"github.com/pueue-rs/pueued-go/internal/task"
)

// ShutdownKind distinguishes a graceful shutdown (wait for children) from
// an emergency one (kill immediately, used after a persistence failure).
type ShutdownKind int

const (
	ShutdownNone ShutdownKind = iota
	ShutdownGraceful
	ShutdownEmergency
)

// State is the in-memory authoritative snapshot. It is never accessed
// concurrently outside of Store's lock.
type State struct {
	Tasks    map[task.ID]*task.Task    `json:"tasks"`
	Groups   map[string]*task.Group    `json:"groups"`
	NextID   task.ID                   `json:"next_id"`
	Shutdown ShutdownKind              `json:"shutdown,omitempty"`
}

// NewState builds an empty state with just the default group, per
// lifecycle startup rules (§4.9).
func NewState(defaultParallel int) *State {
	return &State{
		Tasks:  make(map[task.ID]*task.Task),
		Groups: map[string]*task.Group{task.DefaultGroupName: task.NewGroup(task.DefaultGroupName, defaultParallel)},
		NextID: 0,
	}
}

// SortedTaskIDs returns every task id in ascending order (State.tasks is
// iterable in ascending id order per the data model).
func (s *State) SortedTaskIDs() []task.ID {
	ids := make([]task.ID, 0, len(s.Tasks))
	for id := range s.Tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SortedTasks returns every task in ascending id order.
func (s *State) SortedTasks() []*task.Task {
	ids := s.SortedTaskIDs()
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.Tasks[id])
	}
	return out
}
