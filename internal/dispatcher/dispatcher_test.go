package dispatcher

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pueue-rs/pueued-go/internal/callback"
	"github.com/pueue-rs/pueued-go/internal/eventbus"
	"github.com/pueue-rs/pueued-go/internal/logstore"
	"github.com/pueue-rs/pueued-go/internal/registry"
	"github.com/pueue-rs/pueued-go/internal/scheduler"
	"github.com/pueue-rs/pueued-go/internal/state"
	"github.com/pueue-rs/pueued-go/internal/supervisor"
	"github.com/pueue-rs/pueued-go/internal/task"
	"github.com/pueue-rs/pueued-go/internal/wire"
)

const testVersion = "pueued-go test"

func newTestDispatcher(t *testing.T) (*Dispatcher, *state.Store) {
	store := state.NewStore(t.TempDir(), state.NewState(1))
	reg := registry.New()
	sup := supervisor.New([]string{"sh", "-c"})
	logs := logstore.New(t.TempDir())
	cb := callback.New([]string{"sh", "-c"}, "")
	bus := eventbus.New()
	sched := scheduler.New(store, reg, sup, logs, cb, bus, scheduler.Settings{})

	secret := make([]byte, SecretSize)
	for i := range secret {
		secret[i] = 'a'
	}

	return New(store, sched, logs, nil, secret, testVersion), store
}

// exchange drives a full handshake plus one request/response round trip
// over a net.Pipe, mirroring what a real client socket would see.
func exchange(t *testing.T, d *Dispatcher, secret []byte, req wire.Request) wire.Response {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		d.Handle(serverConn)
		close(done)
	}()

	_, err := clientConn.Write(secret)
	require.NoError(t, err)

	var version []byte
	require.NoError(t, readFrameInto(clientConn, &version))
	assert.Equal(t, testVersion, string(version))

	require.NoError(t, wire.EncodeFrame(clientConn, req))

	var resp wire.Response
	require.NoError(t, wire.DecodeFrame(clientConn, &resp))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not close connection")
	}

	return resp
}

func readFrameInto(conn net.Conn, out *[]byte) error {
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	*out = payload
	return nil
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	d, _ := newTestDispatcher(t)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		d.Handle(serverConn)
		close(done)
	}()

	wrong := make([]byte, SecretSize)
	for i := range wrong {
		wrong[i] = 'z'
	}
	_, err := clientConn.Write(wrong)
	require.NoError(t, err)

	_, err = wire.ReadFrame(clientConn)
	assert.Error(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not close connection after bad secret")
	}
}

func TestAddThenStatusRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t)
	secret := make([]byte, SecretSize)
	for i := range secret {
		secret[i] = 'a'
	}

	resp := exchange(t, d, secret, wire.Request{
		Kind:    wire.ReqAdd,
		Command: "true",
		Path:    "/tmp",
		Group:   task.DefaultGroupName,
	})
	require.Equal(t, wire.RespSuccess, resp.Kind)

	resp = exchange(t, d, secret, wire.Request{Kind: wire.ReqStatus})
	require.Equal(t, wire.RespStatus, resp.Kind)
	assert.Len(t, resp.Tasks, 1)
}

func TestAddRejectsUnknownGroup(t *testing.T) {
	d, _ := newTestDispatcher(t)
	secret := make([]byte, SecretSize)
	for i := range secret {
		secret[i] = 'a'
	}

	resp := exchange(t, d, secret, wire.Request{
		Kind:    wire.ReqAdd,
		Command: "true",
		Group:   "does-not-exist",
	})
	assert.Equal(t, wire.RespFailure, resp.Kind)
}

func TestRemoveDefaultGroupFails(t *testing.T) {
	d, _ := newTestDispatcher(t)
	secret := make([]byte, SecretSize)
	for i := range secret {
		secret[i] = 'a'
	}

	resp := exchange(t, d, secret, wire.Request{Kind: wire.ReqGroupRemove, GroupName: task.DefaultGroupName})
	assert.Equal(t, wire.RespFailure, resp.Kind)
}

func TestGroupAddThenParallel(t *testing.T) {
	d, _ := newTestDispatcher(t)
	secret := make([]byte, SecretSize)
	for i := range secret {
		secret[i] = 'a'
	}

	resp := exchange(t, d, secret, wire.Request{Kind: wire.ReqGroupAdd, GroupName: "build", Parallel: 2})
	require.Equal(t, wire.RespSuccess, resp.Kind)

	resp = exchange(t, d, secret, wire.Request{Kind: wire.ReqParallel, GroupName: "build", Parallel: 4})
	require.Equal(t, wire.RespSuccess, resp.Kind)

	resp = exchange(t, d, secret, wire.Request{Kind: wire.ReqGroupList})
	require.Equal(t, wire.RespGroup, resp.Kind)
	require.Contains(t, resp.Groups, "build")
	assert.Equal(t, 4, resp.Groups["build"].ParallelTasks)
}

func TestEditRequestLocksThenCommitReturnsToQueued(t *testing.T) {
	d, store := newTestDispatcher(t)
	secret := make([]byte, SecretSize)
	for i := range secret {
		secret[i] = 'a'
	}

	created, err := store.AddTask(task.DefaultGroupName, func(id task.ID) *task.Task {
		return task.NewTask(id, "sleep 1", "/tmp", task.DefaultGroupName, nil, 0, nil, false, nil)
	})
	require.NoError(t, err)

	resp := exchange(t, d, secret, wire.Request{Kind: wire.ReqEditRequest, ID: created.ID})
	require.Equal(t, wire.RespEditResponse, resp.Kind)
	require.NotNil(t, resp.EditTask)
	assert.Equal(t, task.StatusLocked, resp.EditTask.Status.Kind)

	resp = exchange(t, d, secret, wire.Request{Kind: wire.ReqEditCommit, ID: created.ID, NewCommand: "sleep 2", NewPriority: 5})
	require.Equal(t, wire.RespSuccess, resp.Kind)

	store.Lock(func(st *state.State) {
		tk := st.Tasks[created.ID]
		assert.Equal(t, task.StatusQueued, tk.Status.Kind)
		assert.Equal(t, "sleep 2", tk.Command)
		assert.Equal(t, 5, tk.Priority)
	})
}
