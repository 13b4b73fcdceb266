// Package supervisor spawns and controls the child processes backing
// running tasks: one process group per task, stdin retained as a pipe,
// combined stdout+stderr redirected to the task's log file. Adapted from
// the teacher's Executor/Pool panic-recovery and lifecycle idiom
// (internal/worker), generalized from in-process task handlers to real
// os/exec children.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pueue-rs/pueued-go/internal/logger"
	"github.com/pueue-rs/pueued-go/internal/task"
)

// envExclude lists the Pueue-internal environment variables stripped from
// the daemon's own environment before it is passed to a child (§4.7).
var envExclude = map[string]bool{
	"PUEUE_GROUP":     true,
	"PUEUE_WORKER_ID": true,
}

// Child tracks one supervised process: its task id, OS process, pgid,
// retained stdin pipe and log file.
type Child struct {
	TaskID    task.ID
	Group     string
	cmd       *exec.Cmd
	pgid      int
	stdin     *os.File
	logFile   *os.File
	StartedAt time.Time

	done      chan struct{}
	waitState *os.ProcessState
	waitErr   error

	mu     sync.Mutex
	killed bool
}

// Supervisor spawns children through a configurable shell, matching the
// teacher's Executor pattern of a small stateless struct invoked per task
// rather than owning a worker pool itself — pool-shaped concurrency lives
// one layer up, in the scheduler's worker-slot accounting.
type Supervisor struct {
	shell []string
}

func New(shell []string) *Supervisor {
	if len(shell) == 0 {
		shell = []string{"sh", "-c"}
	}
	return &Supervisor{shell: shell}
}

// Spawn starts t.Command through the configured shell, in a new process
// group, with stdin as a pipe the daemon retains (for Send) and
// stdout+stderr both redirected to logFile (§4.7).
func (s *Supervisor) Spawn(t *task.Task, workerSlot int, logFile *os.File) (child *Child, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Uint64("task_id", uint64(t.ID)).Msg("spawn panicked")
			err = fmt.Errorf("spawn panicked: %v", r)
		}
	}()

	args := append(append([]string{}, s.shell[1:]...), t.Command)
	cmd := exec.Command(s.shell[0], args...)
	cmd.Dir = t.Path
	cmd.Env = buildEnv(t, workerSlot)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{}
	setProcessGroup(cmd.SysProcAttr)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}

	stdinFile, _ := stdin.(*os.File)

	c := &Child{
		TaskID:    t.ID,
		Group:     t.Group,
		cmd:       cmd,
		pgid:      cmd.Process.Pid,
		stdin:     stdinFile,
		logFile:   logFile,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	go func() {
		c.waitState, c.waitErr = cmd.Process.Wait()
		close(c.done)
	}()

	logger.WithTaskID(t.ID).Info().Int("pid", cmd.Process.Pid).Msg("spawned task")
	return c, nil
}

func buildEnv(t *task.Task, workerSlot int) []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+len(t.Envs)+2)
	for _, kv := range base {
		name := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			name = kv[:idx]
		}
		if envExclude[name] {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range t.Envs {
		env = append(env, k+"="+v)
	}
	env = append(env, fmt.Sprintf("PUEUE_GROUP=%s", t.Group))
	env = append(env, fmt.Sprintf("PUEUE_WORKER_ID=%d", workerSlot))
	return env
}

// Pid returns the child's process (and process group) id.
func (c *Child) Pid() int {
	return c.pgid
}

// Stdin returns the retained stdin pipe, used to implement Send.
func (c *Child) Stdin() *os.File {
	return c.stdin
}

// TryWait performs a non-blocking reap, safe to poll repeatedly: the
// actual os.Process.Wait() call happens exactly once, in a goroutine
// started at Spawn time, and its result is cached for every caller.
func (c *Child) TryWait() (ok bool, state *os.ProcessState, err error) {
	select {
	case <-c.done:
		return true, c.waitState, c.waitErr
	default:
		return false, nil, nil
	}
}

// Wait blocks until the child has exited.
func (c *Child) Wait() (*os.ProcessState, error) {
	<-c.done
	return c.waitState, c.waitErr
}

// Signal delivers sig to the child's entire process group.
func (c *Child) Signal(sig syscall.Signal) error {
	return signalGroup(c.pgid, sig)
}

// SignalDescendants delivers sig to every process sharing the child's
// process group except the child itself, matching pueue_lib's
// send_signal_to_children (§4.7).
func (c *Child) SignalDescendants(sig syscall.Signal) {
	for _, pid := range processGroupPids(c.pgid) {
		if pid == c.pgid {
			continue
		}
		if proc, err := os.FindProcess(pid); err == nil {
			if err := proc.Signal(sig); err != nil {
				logger.Warn().Err(err).Int("pid", pid).Msg("failed to signal descendant")
			}
		}
	}
}

// Kill sends SIGKILL to the process group, idempotently.
func (c *Child) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.killed {
		return nil
	}
	c.killed = true
	return c.Signal(syscall.SIGKILL)
}

// Close closes the retained stdin pipe and the log file.
func (c *Child) Close() {
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.logFile != nil {
		c.logFile.Close()
	}
}

// ProcessExists is a liveness probe by pid, used to detect a stale daemon
// at startup (§4.9).
func ProcessExists(pid int) bool {
	return processExists(pid)
}
