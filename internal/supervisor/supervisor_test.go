package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pueue-rs/pueued-go/internal/task"
)

func newTestTask(command string) *task.Task {
	return task.NewTask(1, command, "/tmp", task.DefaultGroupName, nil, 0, nil, false, nil)
}

func openTestLog(t *testing.T) *os.File {
	path := filepath.Join(t.TempDir(), "task.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestSpawnAndWaitSuccess(t *testing.T) {
	sup := New([]string{"sh", "-c"})
	tk := newTestTask("exit 0")

	child, err := sup.Spawn(tk, 0, openTestLog(t))
	require.NoError(t, err)
	defer child.Close()

	state, err := child.Wait()
	require.NoError(t, err)
	assert.True(t, state.Success())
}

func TestSpawnAndWaitFailure(t *testing.T) {
	sup := New([]string{"sh", "-c"})
	tk := newTestTask("exit 7")

	child, err := sup.Spawn(tk, 0, openTestLog(t))
	require.NoError(t, err)
	defer child.Close()

	state, err := child.Wait()
	require.NoError(t, err)
	assert.False(t, state.Success())
	assert.Equal(t, 7, state.ExitCode())
}

func TestTryWaitNonBlocking(t *testing.T) {
	sup := New([]string{"sh", "-c"})
	tk := newTestTask("sleep 0.2")

	child, err := sup.Spawn(tk, 0, openTestLog(t))
	require.NoError(t, err)
	defer child.Close()

	ok, _, _ := child.TryWait()
	assert.False(t, ok)

	time.Sleep(400 * time.Millisecond)

	ok, state, err := child.TryWait()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, state.Success())
}

func TestKillIsIdempotent(t *testing.T) {
	sup := New([]string{"sh", "-c"})
	tk := newTestTask("sleep 5")

	child, err := sup.Spawn(tk, 0, openTestLog(t))
	require.NoError(t, err)
	defer child.Close()

	require.NoError(t, child.Kill())
	require.NoError(t, child.Kill())

	state, err := child.Wait()
	require.NoError(t, err)
	assert.False(t, state.Success())
}

func TestProcessExists(t *testing.T) {
	assert.True(t, ProcessExists(os.Getpid()))
	assert.False(t, ProcessExists(1<<30))
}

func TestBuildEnvInjectsGroupAndWorkerID(t *testing.T) {
	tk := newTestTask("env")
	tk.Envs = map[string]string{"FOO": "bar"}

	env := buildEnv(tk, 3)

	var found int
	for _, kv := range env {
		if kv == "PUEUE_GROUP=default" || kv == "PUEUE_WORKER_ID=3" || kv == "FOO=bar" {
			found++
		}
	}
	assert.Equal(t, 3, found)
}
