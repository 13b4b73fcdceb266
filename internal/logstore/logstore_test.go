package logstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pueue-rs/pueued-go/internal/task"
)

func writeLines(t *testing.T, s *Store, id task.ID, lines ...string) {
	f, err := s.Create(id)
	require.NoError(t, err)
	for i, l := range lines {
		if i > 0 {
			_, err = f.WriteString("\n")
			require.NoError(t, err)
		}
		_, err = f.WriteString(l)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

func TestCreateAndReadAll(t *testing.T) {
	s := New(t.TempDir())
	writeLines(t, s, task.ID(1), "hello", "world")

	data, err := s.ReadAll(task.ID(1))
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", string(data))
}

func TestReadAllMissingFile(t *testing.T) {
	s := New(t.TempDir())
	data, err := s.ReadAll(task.ID(99))
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestTailReturnsLastNLines(t *testing.T) {
	s := New(t.TempDir())
	writeLines(t, s, task.ID(1), "one", "two", "three", "four", "five")

	result, err := s.Tail(task.ID(1), 2)
	require.NoError(t, err)
	assert.Equal(t, "four\nfive", string(result.Lines))
	assert.False(t, result.Complete)
}

func TestTailCompleteWhenFileSmaller(t *testing.T) {
	s := New(t.TempDir())
	writeLines(t, s, task.ID(1), "one", "two")

	result, err := s.Tail(task.ID(1), 10)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", string(result.Lines))
	assert.True(t, result.Complete)
}

func TestTailMissingFile(t *testing.T) {
	s := New(t.TempDir())
	result, err := s.Tail(task.ID(42), 5)
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Nil(t, result.Lines)
}

func TestRemove(t *testing.T) {
	s := New(t.TempDir())
	writeLines(t, s, task.ID(1), "data")

	require.NoError(t, s.Remove(task.ID(1)))
	_, err := os.Stat(s.path(task.ID(1)))
	assert.True(t, os.IsNotExist(err))

	// Removing again is a no-op.
	require.NoError(t, s.Remove(task.ID(1)))
}

func TestTransportRoundTrip(t *testing.T) {
	raw := []byte("some log output\nwith multiple lines\n")
	framed := EncodeForTransport(raw)
	decoded, err := DecodeFromTransport(framed)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}
