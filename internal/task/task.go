// Package task defines the daemon's core data model: tasks, groups and the
// tagged-union status/result types that drive the scheduler.
package task

import (
	"errors"
	"sort"
	"time"
)

// ID uniquely identifies a task for the lifetime of the daemon's state.
type ID uint64

// Task is a single queued shell command.
//
// Status is the authoritative tagged union describing where the task sits
// in its lifecycle. Only the state store mutates it.
type Task struct {
	ID              ID                `json:"id"`
	Command         string            `json:"command"`
	OriginalCommand string            `json:"original_command"`
	Path            string            `json:"path"`
	Envs            map[string]string `json:"envs"`
	Group           string            `json:"group"`
	Label           string            `json:"label,omitempty"`
	Priority        int               `json:"priority"`
	Dependencies    []ID              `json:"dependencies"`
	Status          Status            `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`

	// LockedAt records when the task entered StatusLocked, so a stale edit
	// session (client disconnected mid-edit) can be reverted on a timeout.
	LockedAt *time.Time `json:"locked_at,omitempty"`
	// PrevStatus is the status to restore a Locked task to if its edit
	// session times out or is abandoned.
	PrevStatus *Status `json:"prev_status,omitempty"`
}

// NewTask builds a task in its initial Queued or Stashed status.
func NewTask(id ID, command, path, group string, envs map[string]string, priority int, deps []ID, stashed bool, enqueueAt *time.Time) *Task {
	deps = DedupeSortedIDs(deps)
	now := time.Now()

	t := &Task{
		ID:              id,
		Command:         command,
		OriginalCommand: command,
		Path:            path,
		Envs:            envs,
		Group:           group,
		Priority:        priority,
		Dependencies:    deps,
		CreatedAt:       now,
	}

	if stashed {
		t.Status = Status{Kind: StatusStashed, EnqueueAt: enqueueAt}
	} else {
		t.Status = Status{Kind: StatusQueued, EnqueuedAt: now}
	}

	return t
}

// DedupeSortedIDs removes duplicates and sorts a dependency list ascending,
// per the state store's add_task contract.
func DedupeSortedIDs(ids []ID) []ID {
	seen := make(map[ID]bool, len(ids))
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DependenciesSatisfied reports whether every dependency of t is in Status Done{Success}.
func (t *Task) DependenciesSatisfied(lookup func(ID) (*Task, bool)) bool {
	for _, depID := range t.Dependencies {
		dep, ok := lookup(depID)
		if !ok {
			return false
		}
		if dep.Status.Kind != StatusDone || dep.Status.Result == nil || dep.Status.Result.Kind != ResultSuccess {
			return false
		}
	}
	return true
}

// DependencyFailed reports whether any dependency is Done with a non-Success
// result, per the scheduler's dependency-failure propagation rule.
func (t *Task) DependencyFailed(lookup func(ID) (*Task, bool)) bool {
	for _, depID := range t.Dependencies {
		dep, ok := lookup(depID)
		if !ok {
			continue
		}
		if dep.Status.Kind == StatusDone && dep.Status.Result != nil && dep.Status.Result.Kind != ResultSuccess {
			return true
		}
	}
	return false
}

// Errors surfaced by task-state operations. Dispatcher handlers translate
// these into Failure responses.
var (
	ErrUnknownGroup        = errors.New("group does not exist")
	ErrGroupAlreadyExists  = errors.New("group already exists")
	ErrUnknownDependency   = errors.New("dependency task does not exist")
	ErrDefaultGroupRemoval = errors.New("the default group cannot be removed")
	ErrGroupInUse          = errors.New("group has tasks that are not done")
	ErrTaskNotFound        = errors.New("task not found")
	ErrInvalidTransition   = errors.New("invalid task status transition")
	ErrNotEditable         = errors.New("task is not queued or stashed and cannot be edited")
	ErrNotRunning          = errors.New("task is not running")
)
