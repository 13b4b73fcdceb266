package state

import (
	"sync"
	"time"

	"github.com/pueue-rs/pueued-go/internal/logger"
	"github.com/pueue-rs/pueued-go/internal/metrics"
	"github.com/pueue-rs/pueued-go/internal/task"
)

// Store guards the single authoritative State behind one mutex. Every
// dispatcher handler and the scheduler loop go through Store's methods —
// nothing reaches into State directly once construction is done.
type Store struct {
	mu            sync.Mutex
	state         *State
	dir           string
	backoff       SaveBackoff
	compress      bool
	onSaveFailure func(error)
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithCompression enables snappy-framed compression of state.json.
func WithCompression(enabled bool) Option {
	return func(s *Store) { s.compress = enabled }
}

// WithSaveBackoff overrides the default persistence retry policy.
func WithSaveBackoff(b SaveBackoff) Option {
	return func(s *Store) { s.backoff = b }
}

// WithSaveFailureHandler registers fn to be invoked once backoff retries
// are exhausted on a persistence failure. §7 treats this as critical: the
// daemon wires this to an emergency shutdown rather than risk the
// in-memory and on-disk states diverging.
func WithSaveFailureHandler(fn func(error)) Option {
	return func(s *Store) { s.onSaveFailure = fn }
}

// NewStore wraps an already-built State (fresh or restored) in a Store.
func NewStore(dir string, initial *State, opts ...Option) *Store {
	s := &Store{state: initial, dir: dir, backoff: DefaultSaveBackoff()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lock executes fn while holding the state lock, giving callers (the
// scheduler, the dispatcher) direct but serialized access to State. This is
// the single lock domain for State referenced throughout §5; the child
// registry (internal/registry) is guarded by its own mutex, not this one.
func (s *Store) Lock(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// AddTask assigns the next id, de-duplicates and sorts dependencies, and
// inserts the task. Returns ErrUnknownGroup/ErrUnknownDependency without
// mutating state if validation fails (I1, I4).
func (s *Store) AddTask(group string, build func(id task.ID) *task.Task) (*task.Task, error) {
	var created *task.Task
	var err error

	s.Lock(func(st *State) {
		if _, ok := st.Groups[group]; !ok {
			err = task.ErrUnknownGroup
			return
		}

		id := st.NextID
		t := build(id)

		for _, depID := range t.Dependencies {
			if _, ok := st.Tasks[depID]; !ok {
				err = task.ErrUnknownDependency
				return
			}
		}

		st.NextID++
		st.Tasks[id] = t
		created = t
	})

	if err != nil {
		return nil, err
	}

	if saveErr := s.Save(); saveErr != nil {
		return nil, saveErr
	}
	return created, nil
}

// FilterTasks partitions tasks into those matching predicate and those
// that don't, optionally narrowed to a specific id set first. This is the
// primary selector behind every mutation request (Start, Pause, Kill, ...).
func (s *Store) FilterTasks(predicate func(*task.Task) bool, ids []task.ID) (matching, mismatching []*task.Task) {
	s.Lock(func(st *State) {
		candidates := st.SortedTasks()
		if ids != nil {
			set := make(map[task.ID]bool, len(ids))
			for _, id := range ids {
				set[id] = true
			}
			filtered := candidates[:0:0]
			for _, t := range candidates {
				if set[t.ID] {
					filtered = append(filtered, t)
				}
			}
			candidates = filtered
		}

		for _, t := range candidates {
			if predicate(t) {
				matching = append(matching, t)
			} else {
				mismatching = append(mismatching, t)
			}
		}
	})
	return matching, mismatching
}

// FilterTasksOfGroup returns every task in group matching predicate.
func (s *Store) FilterTasksOfGroup(predicate func(*task.Task) bool, group string) []*task.Task {
	var out []*task.Task
	s.Lock(func(st *State) {
		for _, t := range st.SortedTasks() {
			if t.Group == group && predicate(t) {
				out = append(out, t)
			}
		}
	})
	return out
}

// TasksInStatuses returns every task whose Status.Kind is in kinds,
// optionally narrowed to ids.
func (s *Store) TasksInStatuses(kinds []task.StatusKind, ids []task.ID) []*task.Task {
	want := make(map[task.StatusKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	matching, _ := s.FilterTasks(func(t *task.Task) bool { return want[t.Status.Kind] }, ids)
	return matching
}

// TaskIDsInGroupWithStatuses returns ids of tasks in group whose status
// kind is in kinds, used by admission and worker-slot accounting.
func (s *Store) TaskIDsInGroupWithStatuses(group string, kinds []task.StatusKind) []task.ID {
	want := make(map[task.StatusKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []task.ID
	s.Lock(func(st *State) {
		for _, t := range st.SortedTasks() {
			if t.Group == group && want[t.Status.Kind] {
				out = append(out, t.ID)
			}
		}
	})
	return out
}

// ChangeStatus is the sole writer of Task.Status. Transitions into Done
// are expected to already carry an End time (set by StateMachine.ToDone).
func (s *Store) ChangeStatus(id task.ID, mutate func(*task.StateMachine)) bool {
	found := false
	s.Lock(func(st *State) {
		t, ok := st.Tasks[id]
		if !ok {
			return
		}
		found = true
		mutate(task.NewStateMachine(t))
	})
	if found {
		_ = s.Save()
	}
	return found
}

// SetEnqueueAt updates a Stashed task's wake-up time.
func (s *Store) SetEnqueueAt(id task.ID, at *time.Time) bool {
	found := false
	s.Lock(func(st *State) {
		t, ok := st.Tasks[id]
		if !ok || t.Status.Kind != task.StatusStashed {
			return
		}
		found = true
		t.Status.EnqueueAt = at
	})
	if found {
		_ = s.Save()
	}
	return found
}

// RemoveTask deletes a task outright (Remove/Clean requests).
func (s *Store) RemoveTask(id task.ID) bool {
	found := false
	s.Lock(func(st *State) {
		if _, ok := st.Tasks[id]; ok {
			delete(st.Tasks, id)
			found = true
		}
	})
	if found {
		_ = s.Save()
	}
	return found
}

// AddGroup creates a group on demand or explicitly (rejecting duplicates).
func (s *Store) AddGroup(name string, parallel int) error {
	var err error
	s.Lock(func(st *State) {
		if _, exists := st.Groups[name]; exists {
			err = task.ErrGroupAlreadyExists
			return
		}
		st.Groups[name] = task.NewGroup(name, parallel)
	})
	if err == nil {
		_ = s.Save()
	}
	return err
}

// RemoveGroup rejects removal of default (I7) or of a group still
// referenced by a non-Done task.
func (s *Store) RemoveGroup(name string) error {
	var err error
	s.Lock(func(st *State) {
		if name == task.DefaultGroupName {
			err = task.ErrDefaultGroupRemoval
			return
		}
		if _, ok := st.Groups[name]; !ok {
			err = task.ErrUnknownGroup
			return
		}
		for _, t := range st.Tasks {
			if t.Group == name && t.Status.Kind != task.StatusDone {
				err = task.ErrGroupInUse
				return
			}
		}
		delete(st.Groups, name)
	})
	if err == nil {
		_ = s.Save()
	}
	return err
}

// SetGroupStatus sets a group's run/pause/reset status directly.
func (s *Store) SetGroupStatus(name string, status task.GroupStatus) bool {
	found := false
	s.Lock(func(st *State) {
		g, ok := st.Groups[name]
		if !ok {
			return
		}
		found = true
		g.Status = status
	})
	if found {
		_ = s.Save()
	}
	return found
}

// SetGroupParallelism updates a group's parallel_tasks (0 = unbounded, B5).
func (s *Store) SetGroupParallelism(name string, parallel int) bool {
	found := false
	s.Lock(func(st *State) {
		g, ok := st.Groups[name]
		if !ok {
			return
		}
		found = true
		if parallel < 0 {
			parallel = 0
		}
		g.ParallelTasks = parallel
	})
	if found {
		_ = s.Save()
	}
	return found
}

// UpdateGroupGauges pushes current per-group running/queued counts into
// metrics; called by the scheduler once per tick.
func (s *Store) UpdateGroupGauges() {
	s.Lock(func(st *State) {
		for name, g := range st.Groups {
			running, paused, queued := 0, 0, 0
			for _, t := range st.Tasks {
				if t.Group != name {
					continue
				}
				switch t.Status.Kind {
				case task.StatusRunning:
					running++
				case task.StatusPaused:
					paused++
				case task.StatusQueued:
					queued++
				}
			}
			metrics.SetGroupTasks(name, "running", float64(running))
			metrics.SetGroupTasks(name, "paused", float64(paused))
			metrics.SetGroupTasks(name, "queued", float64(queued))
			_ = g
		}
	})
}

// logSaveWarning logs a persistence failure at error level; Save calls it
// once its retries are exhausted.
func (s *Store) logSaveWarning(err error) {
	logger.Error().Err(err).Msg("failed to persist state")
}
