package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pueue-rs/pueued-go/internal/task"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frame")

	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 8)
	header[0] = 0xFF // absurdly large length
	buf.Write(header)

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestEncodeDecodeRequest(t *testing.T) {
	var buf bytes.Buffer
	req := Request{
		Kind:     ReqAdd,
		Command:  "echo hi",
		Path:     "/tmp",
		Group:    "default",
		Priority: 5,
		Deps:     []task.ID{1, 2},
		Envs:     map[string]string{"FOO": "bar"},
	}

	require.NoError(t, EncodeFrame(&buf, req))

	var decoded Request
	require.NoError(t, DecodeFrame(&buf, &decoded))

	assert.Equal(t, req.Kind, decoded.Kind)
	assert.Equal(t, req.Command, decoded.Command)
	assert.Equal(t, req.Deps, decoded.Deps)
	assert.Equal(t, req.Envs, decoded.Envs)
}

func TestEncodeDecodeResponseStatus(t *testing.T) {
	var buf bytes.Buffer
	tk := task.NewTask(1, "echo hi", "/tmp", "default", nil, 0, nil, false, nil)

	resp := Response{
		Kind:  RespStatus,
		Tasks: map[task.ID]*task.Task{1: tk},
		Groups: map[string]*GroupInfo{
			"default": {Name: "default", Status: task.GroupRunning, ParallelTasks: 1},
		},
	}

	require.NoError(t, EncodeFrame(&buf, resp))

	var decoded Response
	require.NoError(t, DecodeFrame(&buf, &decoded))

	assert.Equal(t, RespStatus, decoded.Kind)
	require.Contains(t, decoded.Tasks, task.ID(1))
	assert.Equal(t, "echo hi", decoded.Tasks[1].Command)
	require.Contains(t, decoded.Groups, "default")
	assert.Equal(t, 1, decoded.Groups["default"].ParallelTasks)
}

func TestSelectionRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sel := Selection{Kind: SelectionTaskIDs, IDs: []task.ID{3, 4, 5}}

	require.NoError(t, EncodeFrame(&buf, sel))

	var decoded Selection
	require.NoError(t, DecodeFrame(&buf, &decoded))
	assert.Equal(t, sel, decoded)
}
