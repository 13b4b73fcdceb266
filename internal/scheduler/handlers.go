package scheduler

import (
	"syscall"

	"github.com/pueue-rs/pueued-go/internal/state"
	"github.com/pueue-rs/pueued-go/internal/supervisor"
	"github.com/pueue-rs/pueued-go/internal/task"
	"github.com/pueue-rs/pueued-go/internal/wire"
)

// handleInstruction applies one dispatcher-submitted instruction and
// replies synchronously with how many tasks it matched (§4.6) — the
// underlying process action (signal delivery, spawn, kill) is not waited
// on here; the next tick's reap picks up the eventual exit.
func (s *Scheduler) handleInstruction(instr Instruction) {
	switch instr.Kind {
	case InstrStart:
		s.doStart(instr)
	case InstrPause:
		s.doPause(instr)
	case InstrKill:
		s.doKill(instr)
	case InstrSend:
		s.doSend(instr)
	case InstrResetAll, InstrResetGroups:
		s.doReset(instr)
	case InstrShutdown:
		s.doShutdown(instr)
	}
}

// selectTasks resolves a wire.Selection against the store, narrowed by
// predicate.
func (s *Scheduler) selectTasks(sel wire.Selection, predicate func(*task.Task) bool) []*task.Task {
	switch sel.Kind {
	case wire.SelectionTaskIDs:
		matching, _ := s.store.FilterTasks(predicate, sel.IDs)
		return matching
	case wire.SelectionGroup:
		return s.store.FilterTasksOfGroup(predicate, sel.Group)
	default:
		matching, _ := s.store.FilterTasks(predicate, nil)
		return matching
	}
}

func (s *Scheduler) doStart(instr Instruction) {
	matched := 0

	if instr.Selection.Kind == wire.SelectionGroup {
		if s.store.SetGroupStatus(instr.Selection.Group, task.GroupRunning) {
			matched++
		}
	}
	if instr.Selection.Kind == wire.SelectionAll {
		s.store.Lock(func(st *state.State) {
			for _, g := range st.Groups {
				g.Status = task.GroupRunning
			}
		})
	}

	tasks := s.selectTasks(instr.Selection, func(t *task.Task) bool {
		return t.Status.Kind == task.StatusPaused || t.Status.Kind == task.StatusStashed
	})
	for _, t := range tasks {
		switch t.Status.Kind {
		case task.StatusPaused:
			if child, ok := s.registry.Get(t.ID); ok {
				_ = child.Signal(syscall.SIGCONT)
			}
			s.store.ChangeStatus(t.ID, func(sm *task.StateMachine) { sm.ToRunningFromPaused() })
		case task.StatusStashed:
			s.store.ChangeStatus(t.ID, func(sm *task.StateMachine) { sm.ToQueued() })
		}
		matched++
	}

	reply(instr, Result{Matched: matched})
}

func (s *Scheduler) doPause(instr Instruction) {
	matched := 0

	if instr.Selection.Kind == wire.SelectionGroup {
		if s.store.SetGroupStatus(instr.Selection.Group, task.GroupPaused) {
			matched++
		}
	}
	if instr.Selection.Kind == wire.SelectionAll {
		s.store.Lock(func(st *state.State) {
			for _, g := range st.Groups {
				g.Status = task.GroupPaused
			}
		})
	}

	tasks := s.selectTasks(instr.Selection, func(t *task.Task) bool { return t.Status.Kind == task.StatusRunning })
	for _, t := range tasks {
		if child, ok := s.registry.Get(t.ID); ok {
			_ = child.Signal(syscall.SIGSTOP)
		}
		s.store.ChangeStatus(t.ID, func(sm *task.StateMachine) { sm.ToPaused() })
		matched++
	}

	reply(instr, Result{Matched: matched})
}

// doKill pauses the affected group(s) before signaling their running
// children, matching the original pueue kill handler: `all` pauses every
// group, a group selection pauses that group, so admit doesn't
// immediately refill the slots this kill is about to free. A task-id
// selection leaves groups untouched, since killing one dependency must
// still let DependencyFailed propagate through the rest of the group.
func (s *Scheduler) doKill(instr Instruction) {
	sig := syscall.SIGTERM
	if instr.Signal != "" {
		if parsed, err := supervisor.ParseSignal(instr.Signal); err == nil {
			sig = parsed
		}
	}

	switch instr.Selection.Kind {
	case wire.SelectionAll:
		s.store.Lock(func(st *state.State) {
			for _, g := range st.Groups {
				g.Status = task.GroupPaused
			}
		})
	case wire.SelectionGroup:
		s.store.SetGroupStatus(instr.Selection.Group, task.GroupPaused)
	}

	tasks := s.selectTasks(instr.Selection, func(t *task.Task) bool { return t.Status.IsActive() })
	matched := 0
	for _, t := range tasks {
		child, ok := s.registry.Get(t.ID)
		if !ok {
			continue
		}
		_ = child.Signal(sig)
		if s.settings.PauseDescendants {
			child.SignalDescendants(sig)
		}
		matched++
	}

	reply(instr, Result{Matched: matched})
}

func (s *Scheduler) doSend(instr Instruction) {
	child, ok := s.registry.Get(instr.TaskID)
	if !ok {
		reply(instr, Result{Matched: 0, Err: task.ErrNotRunning})
		return
	}

	stdin := child.Stdin()
	if stdin == nil {
		reply(instr, Result{Matched: 0, Err: task.ErrNotRunning})
		return
	}

	_, err := stdin.Write([]byte(instr.Input))
	if err != nil {
		reply(instr, Result{Matched: 0, Err: err})
		return
	}
	reply(instr, Result{Matched: 1})
}

func (s *Scheduler) doReset(instr Instruction) {
	groups := instr.GroupNames
	if instr.Kind == InstrResetAll {
		groups = nil
		s.store.Lock(func(st *state.State) {
			for name := range st.Groups {
				groups = append(groups, name)
			}
		})
	}

	matched := 0
	for _, name := range groups {
		s.store.SetGroupStatus(name, task.GroupReset)
		active := s.store.FilterTasksOfGroup(func(t *task.Task) bool { return t.Status.IsActive() }, name)
		for _, t := range active {
			if child, ok := s.registry.Get(t.ID); ok {
				_ = child.Kill()
			}
		}
		matched += len(active)
	}

	reply(instr, Result{Matched: matched})
}

func (s *Scheduler) doShutdown(instr Instruction) {
	s.store.Lock(func(st *state.State) { st.Shutdown = instr.Shutdown })

	matched := 0
	if instr.Shutdown == state.ShutdownEmergency {
		for _, child := range s.registry.All() {
			_ = child.Kill()
			matched++
		}
	} else {
		matched = len(s.store.TasksInStatuses([]task.StatusKind{task.StatusRunning, task.StatusPaused}, nil))
	}

	reply(instr, Result{Matched: matched})
}
