package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	"github.com/pueue-rs/pueued-go/internal/metrics"
	"github.com/pueue-rs/pueued-go/internal/task"
)

const stateFileName = "state.json"

// Save serializes the full state to <dir>/state.json via a temp file and
// atomic rename (§6). Once the retries are exhausted, Save logs the error,
// records it in metrics and calls the handler set by
// WithSaveFailureHandler (the daemon wires it to an emergency shutdown).
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	compress := s.compress
	dir := s.dir
	backoff := s.backoff
	onFailure := s.onSaveFailure
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if compress {
		var buf []byte
		buf, err = snappyEncode(data)
		if err != nil {
			return fmt.Errorf("compress state: %w", err)
		}
		data = buf
	}

	saveErr := backoff.Retry(func() error { return atomicWrite(dir, stateFileName, data) })
	if saveErr != nil {
		s.logSaveWarning(saveErr)
		metrics.RecordSaveFailure()
		if onFailure != nil {
			onFailure(saveErr)
		}
	}
	return saveErr
}

func snappyEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func snappyDecode(data []byte) ([]byte, error) {
	return io.ReadAll(snappy.NewReader(bytes.NewReader(data)))
}

func atomicWrite(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Restore reads <dir>/state.json, if present, and applies the restart
// policy of §4.1: any task that was Running, Paused or Locked had its
// child killed along with the daemon, so it is reset to Queued with a
// fresh enqueued_at; a group that claims to still be Running despite
// containing formerly-active tasks is force-Paused as a safety valve, and
// groups referenced by tasks but missing from the Groups table are
// recreated Paused.
func Restore(dir string, compress bool) (*State, error) {
	path := filepath.Join(dir, stateFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if compress {
		raw, err = snappyDecode(raw)
		if err != nil {
			return nil, fmt.Errorf("decompress state: %w", err)
		}
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if st.Tasks == nil {
		st.Tasks = make(map[task.ID]*task.Task)
	}
	if st.Groups == nil {
		st.Groups = make(map[string]*task.Group)
	}

	wasActive := make(map[string]bool)

	for _, t := range st.Tasks {
		switch t.Status.Kind {
		case task.StatusRunning, task.StatusPaused, task.StatusLocked:
			wasActive[t.Group] = true
			sm := task.NewStateMachine(t)
			sm.ToQueued()
		}

		if _, ok := st.Groups[t.Group]; !ok {
			g := task.NewGroup(t.Group, 1)
			g.Status = task.GroupPaused
			st.Groups[t.Group] = g
		}
	}

	for name, g := range st.Groups {
		if wasActive[name] && g.Status == task.GroupRunning {
			g.Status = task.GroupPaused
		}
	}

	if _, ok := st.Groups[task.DefaultGroupName]; !ok {
		st.Groups[task.DefaultGroupName] = task.NewGroup(task.DefaultGroupName, 1)
	}

	return &st, nil
}
