// Package scheduler runs the daemon's single-threaded tick loop (§4.5):
// reap finished children, propagate dependency failure, enqueue delayed
// stashed tasks, admit new work under each group's parallelism limit,
// react to pause-on-failure, finish a group reset, and handle shutdown.
// Grounded on the teacher's internal/worker/pool.go ticker+stopCh+wg
// idiom, collapsed from N worker goroutines pulling off a Redis stream
// into one goroutine driving supervisor.Child directly.
package scheduler

import (
	"context"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/pueue-rs/pueued-go/internal/callback"
	"github.com/pueue-rs/pueued-go/internal/eventbus"
	"github.com/pueue-rs/pueued-go/internal/logger"
	"github.com/pueue-rs/pueued-go/internal/logstore"
	"github.com/pueue-rs/pueued-go/internal/metrics"
	"github.com/pueue-rs/pueued-go/internal/registry"
	"github.com/pueue-rs/pueued-go/internal/state"
	"github.com/pueue-rs/pueued-go/internal/supervisor"
	"github.com/pueue-rs/pueued-go/internal/task"
)

// TickInterval is the scheduler's wake-up period, used even with no
// pending instruction, for reaping and delayed-enqueue (§5).
const TickInterval = 200 * time.Millisecond

// Settings carries the subset of config the scheduler needs at
// construction — kept separate from internal/config so this package
// doesn't import the viper-bound struct directly.
type Settings struct {
	Shell                []string
	PauseOnFailure       bool
	PauseAllGroupsOnFail bool
	PauseDescendants     bool
	EditLockTimeout      time.Duration
}

// Scheduler owns the tick loop and the bounded instruction channel the
// dispatcher submits supervisor-bound mutations to.
type Scheduler struct {
	store    *state.Store
	registry *registry.Registry
	super    *supervisor.Supervisor
	logs     *logstore.Store
	callback *callback.Runner
	bus      *eventbus.Bus
	settings Settings

	instructions chan Instruction
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

func New(
	store *state.Store,
	reg *registry.Registry,
	super *supervisor.Supervisor,
	logs *logstore.Store,
	cb *callback.Runner,
	bus *eventbus.Bus,
	settings Settings,
) *Scheduler {
	return &Scheduler{
		store:        store,
		registry:     reg,
		super:        super,
		logs:         logs,
		callback:     cb,
		bus:          bus,
		settings:     settings,
		instructions: make(chan Instruction, 64),
		stopCh:       make(chan struct{}),
	}
}

// Submit hands an instruction to the scheduler and blocks for its
// synchronous acknowledgement.
func (s *Scheduler) Submit(instr Instruction) Result {
	instr.Reply = make(chan Result, 1)
	s.instructions <- instr
	return <-instr.Reply
}

// Run drives the tick loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case instr := <-s.instructions:
			s.handleInstruction(instr)
			s.tick()
		case <-ticker.C:
			s.tick()
		}

		if s.shuttingDownAndDrained() {
			return
		}
	}
}

// Stop signals the tick loop to exit after its current iteration.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) shuttingDownAndDrained() bool {
	var shutdown state.ShutdownKind
	s.store.Lock(func(st *state.State) { shutdown = st.Shutdown })
	return shutdown != state.ShutdownNone && len(s.registry.All()) == 0
}

// tick runs one full pass of §4.5's eight steps.
func (s *Scheduler) tick() {
	start := time.Now()
	defer func() { metrics.RecordSchedulerTick(time.Since(start).Seconds()) }()

	s.revertStaleLocks()
	s.reap()
	s.propagateDependencyFailure()
	s.enqueueDelayed()
	s.admit()
	s.finishGroupResets()
	s.store.UpdateGroupGauges()
}

// revertStaleLocks reverts any task stuck Locked past the configured edit
// timeout back to its pre-edit status (§9 Open Question, §4.6).
func (s *Scheduler) revertStaleLocks() {
	if s.settings.EditLockTimeout <= 0 {
		return
	}

	now := time.Now()
	var stale []task.ID
	s.store.Lock(func(st *state.State) {
		for _, t := range st.SortedTasks() {
			if t.Status.Kind == task.StatusLocked && t.LockedAt != nil && now.Sub(*t.LockedAt) > s.settings.EditLockTimeout {
				stale = append(stale, t.ID)
			}
		}
	})

	for _, id := range stale {
		s.store.ChangeStatus(id, func(sm *task.StateMachine) { sm.RevertLock() })
		logger.WithTaskID(id).Warn().Msg("reverted stale edit lock")
	}
}

// reap performs a non-blocking wait on every live child; exited children
// transition their owning task to Done and free their worker slot.
func (s *Scheduler) reap() {
	for id, child := range s.registry.All() {
		ok, procState, err := child.TryWait()
		if !ok {
			continue
		}

		result := exitResult(procState, err)

		s.registry.Remove(id)
		s.registry.Release(child.Group, id)
		child.Close()

		var finishedTask *task.Task
		s.store.ChangeStatus(id, func(sm *task.StateMachine) {
			sm.ToDone(result)
		})
		s.store.Lock(func(st *state.State) {
			finishedTask = st.Tasks[id]
		})

		if finishedTask == nil {
			continue
		}

		duration := finishedTask.Status.End.Sub(finishedTask.Status.Start).Seconds()
		metrics.RecordTaskFinished(finishedTask.Group, result.Kind.String(), duration)

		s.bus.Publish(eventbus.Event{
			Kind:   eventbus.KindTaskStatusChanged,
			TaskID: uint64(id),
			Group:  finishedTask.Group,
			Status: finishedTask.Status.Kind.String(),
		})

		if result.Kind != task.ResultSuccess {
			s.applyPauseOnFailure(finishedTask.Group)
		}

		s.runCallback(finishedTask)

		logger.WithTaskID(id).Info().Str("result", result.Kind.String()).Msg("task finished")
	}
}

func exitResult(procState *os.ProcessState, waitErr error) task.Result {
	if waitErr != nil {
		return task.Result{Kind: task.ResultErrored}
	}
	if procState == nil {
		return task.Result{Kind: task.ResultErrored}
	}

	if status, ok := procState.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return task.Result{Kind: task.ResultKilled}
		}
		if code := status.ExitStatus(); code != 0 {
			return task.Result{Kind: task.ResultFailed, ExitCode: code}
		}
		return task.Result{Kind: task.ResultSuccess}
	}

	return task.Result{Kind: task.ResultErrored}
}

func (s *Scheduler) applyPauseOnFailure(group string) {
	if !s.settings.PauseOnFailure {
		return
	}
	if s.settings.PauseAllGroupsOnFail {
		s.store.Lock(func(st *state.State) {
			for _, g := range st.Groups {
				g.Status = task.GroupPaused
			}
		})
		return
	}
	s.store.SetGroupStatus(group, task.GroupPaused)
}

// propagateDependencyFailure transitions any Queued task in a non-paused
// group whose dependencies resolved to a non-Success Done to
// Done{DependencyFailed}.
func (s *Scheduler) propagateDependencyFailure() {
	var toFail []*task.Task

	s.store.Lock(func(st *state.State) {
		lookup := func(id task.ID) (*task.Task, bool) { t, ok := st.Tasks[id]; return t, ok }
		for _, t := range st.SortedTasks() {
			if t.Status.Kind != task.StatusQueued {
				continue
			}
			if g, ok := st.Groups[t.Group]; ok && g.Status == task.GroupPaused {
				continue
			}
			if t.DependencyFailed(lookup) {
				toFail = append(toFail, t)
			}
		}
	})

	for _, t := range toFail {
		s.store.ChangeStatus(t.ID, func(sm *task.StateMachine) {
			sm.ToDone(task.Result{Kind: task.ResultDependencyFailed})
		})
		var finished *task.Task
		s.store.Lock(func(st *state.State) { finished = st.Tasks[t.ID] })
		if finished != nil {
			s.runCallback(finished)
			metrics.RecordTaskFinished(finished.Group, task.ResultDependencyFailed.String(), 0)
		}
	}
}

// enqueueDelayed transitions every Stashed task whose enqueue_at has
// arrived back to Queued.
func (s *Scheduler) enqueueDelayed() {
	now := time.Now()
	var ready []task.ID

	s.store.Lock(func(st *state.State) {
		for _, t := range st.SortedTasks() {
			if t.Status.Kind == task.StatusStashed && t.Status.EnqueueAt != nil && !t.Status.EnqueueAt.After(now) {
				ready = append(ready, t.ID)
			}
		}
	})

	for _, id := range ready {
		s.store.ChangeStatus(id, func(sm *task.StateMachine) { sm.ToQueued() })
	}
}

// admit spawns new children for every group with spare parallelism,
// picking the highest-priority eligible Queued task (ties broken by
// ascending id), repeating until the group's slots are full.
func (s *Scheduler) admit() {
	var groupNames []string
	s.store.Lock(func(st *state.State) {
		for name := range st.Groups {
			groupNames = append(groupNames, name)
		}
	})
	sort.Strings(groupNames)

	for _, name := range groupNames {
		s.admitGroup(name)
	}
}

func (s *Scheduler) admitGroup(group string) {
	for {
		var candidate *task.Task
		var capacity bool

		s.store.Lock(func(st *state.State) {
			g, ok := st.Groups[group]
			if !ok || g.Status != task.GroupRunning {
				return
			}

			running := 0
			for _, t := range st.Tasks {
				if t.Group == group && t.Status.IsActive() {
					running++
				}
			}
			if !g.Unbounded() && running >= g.ParallelTasks {
				return
			}
			capacity = true

			lookup := func(id task.ID) (*task.Task, bool) { t, ok := st.Tasks[id]; return t, ok }
			var best *task.Task
			for _, t := range st.SortedTasks() {
				if t.Group != group || t.Status.Kind != task.StatusQueued {
					continue
				}
				if !t.DependenciesSatisfied(lookup) {
					continue
				}
				if best == nil || t.Priority > best.Priority || (t.Priority == best.Priority && t.ID < best.ID) {
					best = t
				}
			}
			candidate = best
		})

		if !capacity || candidate == nil {
			return
		}

		if !s.spawn(candidate) {
			return
		}
	}
}

func (s *Scheduler) spawn(t *task.Task) bool {
	slot := s.registry.Acquire(t.Group, t.ID)

	logFile, err := s.logs.Create(t.ID)
	if err != nil {
		logger.Error().Err(err).Uint64("task_id", uint64(t.ID)).Msg("failed to create log file")
		s.registry.Release(t.Group, t.ID)
		return false
	}

	child, err := s.super.Spawn(t, slot, logFile)
	if err != nil {
		logFile.Close()
		s.registry.Release(t.Group, t.ID)
		s.store.ChangeStatus(t.ID, func(sm *task.StateMachine) {
			sm.ToDone(task.Result{Kind: task.ResultFailedToSpawn, Reason: err.Error()})
		})
		return false
	}

	s.registry.Put(t.ID, child)
	s.store.ChangeStatus(t.ID, func(sm *task.StateMachine) { sm.ToRunning() })
	s.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskStatusChanged, TaskID: uint64(t.ID), Group: t.Group, Status: "running"})
	return true
}

// finishGroupResets moves a group stuck in Reset back to Running once
// every task it owns has finished, dropping any tasks left pending.
func (s *Scheduler) finishGroupResets() {
	s.store.Lock(func(st *state.State) {
		for name, g := range st.Groups {
			if g.Status != task.GroupReset {
				continue
			}

			stillActive := false
			for _, t := range st.Tasks {
				if t.Group == name && t.Status.IsActive() {
					stillActive = true
					break
				}
			}
			if stillActive {
				continue
			}

			for id, t := range st.Tasks {
				if t.Group == name && (t.Status.Kind == task.StatusQueued || t.Status.Kind == task.StatusStashed) {
					delete(st.Tasks, id)
				}
			}
			g.Status = task.GroupRunning
		}
	})
}

func (s *Scheduler) runCallback(t *task.Task) {
	if s.callback == nil || !s.callback.Enabled() {
		return
	}

	var enqueuedCount, stashedCount int
	s.store.Lock(func(st *state.State) {
		for _, other := range st.Tasks {
			switch other.Status.Kind {
			case task.StatusQueued:
				enqueuedCount++
			case task.StatusStashed:
				stashedCount++
			}
		}
	})

	tail, err := s.logs.Tail(t.ID, 10)
	lastLines := ""
	if err == nil && tail != nil {
		lastLines = string(tail.Lines)
	}

	_ = s.callback.Run(callback.Context{
		Task:          t,
		EnqueuedCount: enqueuedCount,
		StashedCount:  stashedCount,
		LastLogLines:  lastLines,
	})
}
