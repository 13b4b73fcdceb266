package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pueue-rs/pueued-go/internal/callback"
	"github.com/pueue-rs/pueued-go/internal/eventbus"
	"github.com/pueue-rs/pueued-go/internal/logstore"
	"github.com/pueue-rs/pueued-go/internal/registry"
	"github.com/pueue-rs/pueued-go/internal/state"
	"github.com/pueue-rs/pueued-go/internal/supervisor"
	"github.com/pueue-rs/pueued-go/internal/task"
	"github.com/pueue-rs/pueued-go/internal/wire"
)

func newTestScheduler(t *testing.T, settings Settings) (*Scheduler, *state.Store) {
	store := state.NewStore(t.TempDir(), state.NewState(1))
	reg := registry.New()
	sup := supervisor.New([]string{"sh", "-c"})
	logs := logstore.New(t.TempDir())
	cb := callback.New([]string{"sh", "-c"}, "")
	bus := eventbus.New()

	return New(store, reg, sup, logs, cb, bus, settings), store
}

func addTask(t *testing.T, store *state.Store, command string) *task.Task {
	created, err := store.AddTask(task.DefaultGroupName, func(id task.ID) *task.Task {
		return task.NewTask(id, command, "/tmp", task.DefaultGroupName, nil, 0, nil, false, nil)
	})
	require.NoError(t, err)
	return created
}

// submitSync exercises handleInstruction directly, without the tick loop
// goroutine running, mirroring what Submit does once Run is active.
func submitSync(sched *Scheduler, instr Instruction) Result {
	instr.Reply = make(chan Result, 1)
	sched.handleInstruction(instr)
	return <-instr.Reply
}

func waitForStatus(t *testing.T, store *state.Store, id task.ID, kind task.StatusKind) *task.Task {
	t.Helper()
	var found *task.Task
	require.Eventually(t, func() bool {
		store.Lock(func(st *state.State) { found = st.Tasks[id] })
		return found != nil && found.Status.Kind == kind
	}, 3*time.Second, 10*time.Millisecond)
	return found
}

func TestAdmitSpawnsQueuedTaskUpToParallelism(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{})
	tk := addTask(t, store, "exit 0")

	sched.tick()

	waitForStatus(t, store, tk.ID, task.StatusRunning)
}

func TestReapTransitionsToDoneOnExit(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{})
	tk := addTask(t, store, "exit 0")

	sched.tick()
	waitForStatus(t, store, tk.ID, task.StatusRunning)

	require.Eventually(t, func() bool {
		sched.tick()
		var done *task.Task
		store.Lock(func(st *state.State) { done = st.Tasks[tk.ID] })
		return done.Status.Kind == task.StatusDone
	}, 3*time.Second, 20*time.Millisecond)

	var finished *task.Task
	store.Lock(func(st *state.State) { finished = st.Tasks[tk.ID] })
	require.NotNil(t, finished.Status.Result)
	assert.Equal(t, task.ResultSuccess, finished.Status.Result.Kind)
}

func TestReapRecordsFailedExitCode(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{})
	tk := addTask(t, store, "exit 5")

	sched.tick()
	waitForStatus(t, store, tk.ID, task.StatusRunning)

	require.Eventually(t, func() bool {
		sched.tick()
		var done *task.Task
		store.Lock(func(st *state.State) { done = st.Tasks[tk.ID] })
		return done.Status.Kind == task.StatusDone
	}, 3*time.Second, 20*time.Millisecond)

	var finished *task.Task
	store.Lock(func(st *state.State) { finished = st.Tasks[tk.ID] })
	require.NotNil(t, finished.Status.Result)
	assert.Equal(t, task.ResultFailed, finished.Status.Result.Kind)
	assert.Equal(t, 5, finished.Status.Result.ExitCode)
}

func TestAdmitRespectsParallelism(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{})
	require.True(t, store.SetGroupParallelism(task.DefaultGroupName, 1))

	first := addTask(t, store, "sleep 1")
	second := addTask(t, store, "exit 0")

	sched.tick()

	waitForStatus(t, store, first.ID, task.StatusRunning)

	var secondStatus task.StatusKind
	store.Lock(func(st *state.State) { secondStatus = st.Tasks[second.ID].Status.Kind })
	assert.Equal(t, task.StatusQueued, secondStatus)
}

func TestPropagateDependencyFailureMarksDependentDone(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{})

	store.SetGroupStatus(task.DefaultGroupName, task.GroupPaused)
	base := addTask(t, store, "exit 3")
	store.SetGroupStatus(task.DefaultGroupName, task.GroupRunning)

	dependent, err := store.AddTask(task.DefaultGroupName, func(id task.ID) *task.Task {
		return task.NewTask(id, "exit 0", "/tmp", task.DefaultGroupName, nil, 0, []task.ID{base.ID}, false, nil)
	})
	require.NoError(t, err)

	store.SetGroupStatus(task.DefaultGroupName, task.GroupPaused)
	store.ChangeStatus(base.ID, func(sm *task.StateMachine) { sm.ToRunning() })
	store.ChangeStatus(base.ID, func(sm *task.StateMachine) {
		sm.ToDone(task.Result{Kind: task.ResultFailed, ExitCode: 3})
	})
	store.SetGroupStatus(task.DefaultGroupName, task.GroupRunning)

	sched.propagateDependencyFailure()

	var finished *task.Task
	store.Lock(func(st *state.State) { finished = st.Tasks[dependent.ID] })
	require.Equal(t, task.StatusDone, finished.Status.Kind)
	require.NotNil(t, finished.Status.Result)
	assert.Equal(t, task.ResultDependencyFailed, finished.Status.Result.Kind)
}

func TestEnqueueDelayedMovesStashedToQueued(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{})
	past := time.Now().Add(-time.Second)

	created, err := store.AddTask(task.DefaultGroupName, func(id task.ID) *task.Task {
		return task.NewTask(id, "exit 0", "/tmp", task.DefaultGroupName, nil, 0, nil, true, &past)
	})
	require.NoError(t, err)

	sched.enqueueDelayed()

	var got *task.Task
	store.Lock(func(st *state.State) { got = st.Tasks[created.ID] })
	assert.Equal(t, task.StatusQueued, got.Status.Kind)
}

func TestRevertStaleLocksRestoresPriorStatus(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{EditLockTimeout: 10 * time.Millisecond})
	tk := addTask(t, store, "exit 0")

	store.ChangeStatus(tk.ID, func(sm *task.StateMachine) { sm.ToLocked() })

	time.Sleep(20 * time.Millisecond)
	sched.revertStaleLocks()

	var got *task.Task
	store.Lock(func(st *state.State) { got = st.Tasks[tk.ID] })
	assert.Equal(t, task.StatusQueued, got.Status.Kind)
}

func TestRevertStaleLocksLeavesFreshLockAlone(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{EditLockTimeout: time.Minute})
	tk := addTask(t, store, "exit 0")

	store.ChangeStatus(tk.ID, func(sm *task.StateMachine) { sm.ToLocked() })

	sched.revertStaleLocks()

	var got *task.Task
	store.Lock(func(st *state.State) { got = st.Tasks[tk.ID] })
	assert.Equal(t, task.StatusLocked, got.Status.Kind)
}

func TestPauseOnFailureSetsGroupPaused(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{PauseOnFailure: true})
	tk := addTask(t, store, "exit 1")

	sched.tick()
	waitForStatus(t, store, tk.ID, task.StatusRunning)

	require.Eventually(t, func() bool {
		sched.tick()
		var g *task.Group
		store.Lock(func(st *state.State) { g = st.Groups[task.DefaultGroupName] })
		return g.Status == task.GroupPaused
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHandleInstructionKillStopsRunningTask(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{})
	tk := addTask(t, store, "sleep 5")

	sched.tick()
	waitForStatus(t, store, tk.ID, task.StatusRunning)

	res := submitSync(sched, Instruction{
		Kind:      InstrKill,
		Selection: wire.Selection{Kind: wire.SelectionAll},
	})
	assert.Equal(t, 1, res.Matched)
	assert.NoError(t, res.Err)

	require.Eventually(t, func() bool {
		sched.tick()
		var done *task.Task
		store.Lock(func(st *state.State) { done = st.Tasks[tk.ID] })
		return done.Status.Kind == task.StatusDone
	}, 3*time.Second, 20*time.Millisecond)

	var finished *task.Task
	store.Lock(func(st *state.State) { finished = st.Tasks[tk.ID] })
	assert.Equal(t, task.ResultKilled, finished.Status.Result.Kind)
}

func TestHandleInstructionPauseThenStartResumesSameTask(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{})
	tk := addTask(t, store, "sleep 5")

	sched.tick()
	waitForStatus(t, store, tk.ID, task.StatusRunning)

	res := submitSync(sched, Instruction{
		Kind:      InstrPause,
		Selection: wire.Selection{Kind: wire.SelectionTaskIDs, IDs: []task.ID{tk.ID}},
	})
	assert.Equal(t, 1, res.Matched)
	waitForStatus(t, store, tk.ID, task.StatusPaused)

	res = submitSync(sched, Instruction{
		Kind:      InstrStart,
		Selection: wire.Selection{Kind: wire.SelectionTaskIDs, IDs: []task.ID{tk.ID}},
	})
	assert.Equal(t, 1, res.Matched)
	waitForStatus(t, store, tk.ID, task.StatusRunning)

	submitSync(sched, Instruction{
		Kind:      InstrKill,
		Selection: wire.Selection{Kind: wire.SelectionAll},
	})
}

func TestHandleInstructionSendWritesToStdin(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{})
	tk := addTask(t, store, "read line; echo \"got:$line\"")

	sched.tick()
	waitForStatus(t, store, tk.ID, task.StatusRunning)

	res := submitSync(sched, Instruction{
		Kind:   InstrSend,
		TaskID: tk.ID,
		Input:  "hello\n",
	})
	assert.Equal(t, 1, res.Matched)
	assert.NoError(t, res.Err)

	require.Eventually(t, func() bool {
		sched.tick()
		var done *task.Task
		store.Lock(func(st *state.State) { done = st.Tasks[tk.ID] })
		return done.Status.Kind == task.StatusDone
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHandleInstructionResetGroupsClearsPendingTasks(t *testing.T) {
	sched, store := newTestScheduler(t, Settings{})
	store.SetGroupParallelism(task.DefaultGroupName, 1)
	addTask(t, store, "sleep 5")
	pending := addTask(t, store, "exit 0")

	sched.tick()

	res := submitSync(sched, Instruction{
		Kind:       InstrResetGroups,
		GroupNames: []string{task.DefaultGroupName},
	})
	assert.NoError(t, res.Err)

	require.Eventually(t, func() bool {
		var g *task.Group
		store.Lock(func(st *state.State) { g = st.Groups[task.DefaultGroupName] })
		return g.Status == task.GroupReset
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		sched.tick()
		var g *task.Group
		store.Lock(func(st *state.State) { g = st.Groups[task.DefaultGroupName] })
		return g.Status == task.GroupRunning
	}, 3*time.Second, 20*time.Millisecond)

	var present bool
	store.Lock(func(st *state.State) { _, present = st.Tasks[pending.ID] })
	assert.False(t, present)
}
