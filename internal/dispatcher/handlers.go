package dispatcher

import (
	"net"
	"time"

	"github.com/pueue-rs/pueued-go/internal/logger"
	"github.com/pueue-rs/pueued-go/internal/logstore"
	"github.com/pueue-rs/pueued-go/internal/scheduler"
	"github.com/pueue-rs/pueued-go/internal/state"
	"github.com/pueue-rs/pueued-go/internal/task"
	"github.com/pueue-rs/pueued-go/internal/wire"
)

// handleAdd validates the group and dependencies, applies aliasing, and
// inserts a new task (§4.1's add_task contract, B2/I4).
func (d *Dispatcher) handleAdd(req wire.Request) wire.Response {
	command := req.Command
	original := req.Command
	if d.aliaser != nil {
		command, original = d.aliaser.Apply(req.Command)
	}

	created, err := d.store.AddTask(req.Group, func(id task.ID) *task.Task {
		t := task.NewTask(id, command, req.Path, req.Group, req.Envs, req.Priority, req.Deps, req.Stashed, req.EnqueueAt)
		t.OriginalCommand = original
		t.Label = req.Label
		return t
	})
	if err != nil {
		return failure("failed to add task: %v", err)
	}

	return success("New task added (id %d).", created.ID)
}

func (d *Dispatcher) handleRemove(req wire.Request) wire.Response {
	removed := 0
	for _, id := range req.IDs {
		tasks, _ := d.store.FilterTasks(func(t *task.Task) bool { return !t.Status.IsActive() }, []task.ID{id})
		if len(tasks) == 0 {
			continue
		}
		if d.store.RemoveTask(id) {
			_ = d.logs.Remove(id)
			removed++
		}
	}
	if removed == 0 {
		return failure("no matching non-running tasks to remove")
	}
	return success("%d task(s) removed.", removed)
}

func (d *Dispatcher) handleSwitch(req wire.Request) wire.Response {
	var cmd1, cmd2, path1, path2, label1, label2 string
	var prio1, prio2 int
	var ok1, ok2 bool

	d.store.Lock(func(st *state.State) {
		t1, found1 := st.Tasks[req.ID1]
		t2, found2 := st.Tasks[req.ID2]
		if !found1 || !found2 {
			return
		}
		if t1.Status.IsActive() || t2.Status.IsActive() {
			return
		}
		cmd1, cmd2 = t1.Command, t2.Command
		path1, path2 = t1.Path, t2.Path
		label1, label2 = t1.Label, t2.Label
		prio1, prio2 = t1.Priority, t2.Priority

		t1.Command, t2.Command = cmd2, cmd1
		t1.Path, t2.Path = path2, path1
		t1.Label, t2.Label = label2, label1
		t1.Priority, t2.Priority = prio2, prio1
		ok1, ok2 = true, true
	})

	if !ok1 || !ok2 {
		return failure("both tasks must exist and not be running to switch")
	}
	_ = d.store.Save()
	return success("Tasks %d and %d switched.", req.ID1, req.ID2)
}

func (d *Dispatcher) handleStash(req wire.Request) wire.Response {
	tasks := d.selectionFor(req.Selection, func(t *task.Task) bool { return t.Status.Kind == task.StatusQueued })
	for _, t := range tasks {
		d.store.ChangeStatus(t.ID, func(sm *task.StateMachine) { sm.ToStashed(req.EnqueueAt) })
	}
	return success("%d task(s) stashed.", len(tasks))
}

func (d *Dispatcher) handleEnqueue(req wire.Request) wire.Response {
	tasks := d.selectionFor(req.Selection, func(t *task.Task) bool { return t.Status.Kind == task.StatusStashed })
	for _, t := range tasks {
		if req.EnqueueAt != nil {
			d.store.SetEnqueueAt(t.ID, req.EnqueueAt)
			continue
		}
		d.store.ChangeStatus(t.ID, func(sm *task.StateMachine) { sm.ToQueued() })
	}
	return success("%d task(s) enqueued.", len(tasks))
}

// selectionFor resolves a wire.Selection directly against the store,
// narrowed by predicate — the dispatcher's analogue of the scheduler's
// selectTasks, used for requests that mutate data without touching a
// live child.
func (d *Dispatcher) selectionFor(sel wire.Selection, predicate func(*task.Task) bool) []*task.Task {
	switch sel.Kind {
	case wire.SelectionTaskIDs:
		matching, _ := d.store.FilterTasks(predicate, sel.IDs)
		return matching
	case wire.SelectionGroup:
		return d.store.FilterTasksOfGroup(predicate, sel.Group)
	default:
		matching, _ := d.store.FilterTasks(predicate, nil)
		return matching
	}
}

// handleSchedulerAction hands a Start/Pause/Kill request off to the
// scheduler's instruction channel and replies based on the match count
// (§4.6: the dispatcher never waits for the action to complete).
func (d *Dispatcher) handleSchedulerAction(kind scheduler.InstructionKind, req wire.Request) wire.Response {
	res := d.scheduler.Submit(scheduler.Instruction{
		Kind:      kind,
		Selection: req.Selection,
		Wait:      req.Wait,
		Signal:    req.Signal,
	})
	if res.Err != nil {
		return failure("%v", res.Err)
	}
	return success("%d task(s) affected.", res.Matched)
}

func (d *Dispatcher) handleSend(req wire.Request) wire.Response {
	res := d.scheduler.Submit(scheduler.Instruction{
		Kind:   scheduler.InstrSend,
		TaskID: req.ID,
		Input:  req.Input,
	})
	if res.Err != nil {
		return failure("%v", res.Err)
	}
	return success("Input sent to task %d.", req.ID)
}

// handleEditRequest transitions a Queued/Stashed task to Locked and
// returns its editable fields (§4.6's two-phase edit flow).
func (d *Dispatcher) handleEditRequest(req wire.Request) wire.Response {
	var editing *task.Task

	d.store.Lock(func(st *state.State) {
		t, ok := st.Tasks[req.ID]
		if !ok {
			return
		}
		if t.Status.Kind != task.StatusQueued && t.Status.Kind != task.StatusStashed {
			return
		}
		task.NewStateMachine(t).ToLocked()
		editing = t
	})

	if editing == nil {
		return failure("task %d is not queued or stashed and cannot be edited", req.ID)
	}
	_ = d.store.Save()
	return wire.Response{Kind: wire.RespEditResponse, EditTask: editing}
}

// handleEditCommit applies the client's edited fields while the task is
// still Locked, then moves it to Queued.
func (d *Dispatcher) handleEditCommit(req wire.Request) wire.Response {
	var ok bool
	d.store.Lock(func(st *state.State) {
		t, found := st.Tasks[req.ID]
		if !found || t.Status.Kind != task.StatusLocked {
			return
		}
		if req.NewCommand != "" {
			t.Command = req.NewCommand
			t.OriginalCommand = req.NewCommand
		}
		if req.NewPath != "" {
			t.Path = req.NewPath
		}
		t.Label = req.NewLabel
		t.Priority = req.NewPriority
		ok = true
	})

	if !ok {
		return failure("task %d is not locked for editing", req.ID)
	}

	d.store.ChangeStatus(req.ID, func(sm *task.StateMachine) { sm.ToQueued() })
	return success("Task %d updated.", req.ID)
}

func (d *Dispatcher) handleEnvSet(req wire.Request) wire.Response {
	var ok bool
	d.store.Lock(func(st *state.State) {
		t, found := st.Tasks[req.ID]
		if !found {
			return
		}
		if t.Envs == nil {
			t.Envs = make(map[string]string)
		}
		t.Envs[req.EnvKey] = req.EnvValue
		ok = true
	})
	if !ok {
		return failure("task %d not found", req.ID)
	}
	_ = d.store.Save()
	return success("Environment variable %q set for task %d.", req.EnvKey, req.ID)
}

func (d *Dispatcher) handleEnvUnset(req wire.Request) wire.Response {
	var ok bool
	d.store.Lock(func(st *state.State) {
		t, found := st.Tasks[req.ID]
		if !found {
			return
		}
		delete(t.Envs, req.EnvKey)
		ok = true
	})
	if !ok {
		return failure("task %d not found", req.ID)
	}
	_ = d.store.Save()
	return success("Environment variable %q unset for task %d.", req.EnvKey, req.ID)
}

func (d *Dispatcher) handleGroupList() wire.Response {
	groups := make(map[string]*wire.GroupInfo)
	d.store.Lock(func(st *state.State) {
		for name, g := range st.Groups {
			groups[name] = &wire.GroupInfo{Name: name, Status: g.Status, ParallelTasks: g.ParallelTasks}
		}
	})
	return wire.Response{Kind: wire.RespGroup, Groups: groups}
}

func (d *Dispatcher) handleGroupAdd(req wire.Request) wire.Response {
	if err := d.store.AddGroup(req.GroupName, req.Parallel); err != nil {
		return failure("%v", err)
	}
	return success("Group %q added.", req.GroupName)
}

func (d *Dispatcher) handleGroupRemove(req wire.Request) wire.Response {
	if err := d.store.RemoveGroup(req.GroupName); err != nil {
		return failure("%v", err)
	}
	return success("Group %q removed.", req.GroupName)
}

func (d *Dispatcher) handleParallel(req wire.Request) wire.Response {
	if !d.store.SetGroupParallelism(req.GroupName, req.Parallel) {
		return failure("group %q does not exist", req.GroupName)
	}
	return success("Group %q now runs %d task(s) in parallel.", req.GroupName, req.Parallel)
}

func (d *Dispatcher) handleClean(req wire.Request) wire.Response {
	predicate := func(t *task.Task) bool {
		if t.Status.Kind != task.StatusDone {
			return false
		}
		if req.SuccessfulOnly && (t.Status.Result == nil || t.Status.Result.Kind != task.ResultSuccess) {
			return false
		}
		return true
	}

	var matching []*task.Task
	if req.Group != "" {
		matching = d.store.FilterTasksOfGroup(predicate, req.Group)
	} else {
		matching, _ = d.store.FilterTasks(predicate, nil)
	}

	for _, t := range matching {
		d.store.RemoveTask(t.ID)
		_ = d.logs.Remove(t.ID)
	}
	return success("%d task(s) cleaned.", len(matching))
}

func (d *Dispatcher) handleReset(kind scheduler.InstructionKind, req wire.Request) wire.Response {
	res := d.scheduler.Submit(scheduler.Instruction{Kind: kind, GroupNames: req.GroupNames})
	if res.Err != nil {
		return failure("%v", res.Err)
	}
	return success("Reset requested; %d active task(s) being killed.", res.Matched)
}

func (d *Dispatcher) handleStatus() wire.Response {
	tasks := make(map[task.ID]*task.Task)
	groups := make(map[string]*wire.GroupInfo)
	d.store.Lock(func(st *state.State) {
		for id, t := range st.Tasks {
			tasks[id] = t
		}
		for name, g := range st.Groups {
			groups[name] = &wire.GroupInfo{Name: name, Status: g.Status, ParallelTasks: g.ParallelTasks}
		}
	})
	return wire.Response{Kind: wire.RespStatus, Tasks: tasks, Groups: groups}
}

func (d *Dispatcher) handleLog(req wire.Request) wire.Response {
	tasks := d.selectionFor(req.Selection, func(*task.Task) bool { return true })

	logs := make(map[task.ID]*wire.TaskLog, len(tasks))
	for _, t := range tasks {
		entry := &wire.TaskLog{Task: t, OutputComplete: true}

		if req.IncludeOutput {
			tail, err := d.logs.Tail(t.ID, req.Lines)
			if err != nil {
				logger.WithTaskID(t.ID).Warn().Err(err).Msg("failed to read task log")
			} else if tail != nil {
				entry.Output = logstore.EncodeForTransport(tail.Lines)
				entry.OutputComplete = tail.Complete
			}
		}

		logs[t.ID] = entry
	}

	return wire.Response{Kind: wire.RespLog, Logs: logs}
}

func (d *Dispatcher) handleShutdown(req wire.Request) wire.Response {
	kind := state.ShutdownGraceful
	if req.Emergency {
		kind = state.ShutdownEmergency
	}
	res := d.scheduler.Submit(scheduler.Instruction{Kind: scheduler.InstrShutdown, Shutdown: kind})
	if res.Err != nil {
		return failure("%v", res.Err)
	}
	return success("Daemon shutting down, waiting on %d task(s).", res.Matched)
}

// handleFollow streams a task's log file as it grows until the client
// disconnects or the task finishes and its tail is exhausted — the one
// request kind that doesn't close the connection after a single response
// frame (§4.6).
func (d *Dispatcher) handleFollow(conn net.Conn, req wire.Request) {
	log := logger.WithComponent("dispatcher").With().Uint64("task_id", uint64(req.ID)).Logger()

	offset := 0
	if req.Lines > 0 {
		tail, err := d.logs.Tail(req.ID, req.Lines)
		if err == nil && tail != nil {
			if err := wire.EncodeFrame(conn, wire.Response{Kind: wire.RespStream, Chunk: tail.Lines}); err != nil {
				return
			}
			if full, err := d.logs.ReadAll(req.ID); err == nil {
				offset = len(full)
			}
		}
	}

	ticker := time.NewTicker(FollowPollInterval)
	defer ticker.Stop()

	for range ticker.C {
		data, err := d.logs.ReadAll(req.ID)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read log during follow")
			return
		}
		if len(data) <= offset {
			if d.taskFinished(req.ID) {
				return
			}
			continue
		}

		chunk := data[offset:]
		offset = len(data)
		if err := wire.EncodeFrame(conn, wire.Response{Kind: wire.RespStream, Chunk: chunk}); err != nil {
			return
		}

		if d.taskFinished(req.ID) && offset >= len(data) {
			return
		}
	}
}

func (d *Dispatcher) taskFinished(id task.ID) bool {
	var done bool
	d.store.Lock(func(st *state.State) {
		if t, ok := st.Tasks[id]; ok {
			done = t.Status.Kind == task.StatusDone
		} else {
			done = true
		}
	})
	return done
}
