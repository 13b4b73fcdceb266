package supervisor

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignal(t *testing.T) {
	tests := []struct {
		input    string
		expected syscall.Signal
	}{
		{"TERM", syscall.SIGTERM},
		{"SIGTERM", syscall.SIGTERM},
		{"term", syscall.SIGTERM},
		{"sigterm", syscall.SIGTERM},
		{"15", syscall.SIGTERM},
		{"KILL", syscall.SIGKILL},
		{"STOP", syscall.SIGSTOP},
		{"CONT", syscall.SIGCONT},
		{"9", syscall.SIGKILL},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			sig, err := ParseSignal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, sig)
		})
	}
}

func TestParseSignal_Invalid(t *testing.T) {
	_, err := ParseSignal("NOTASIGNAL")
	assert.Error(t, err)
}
