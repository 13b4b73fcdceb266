package scheduler

import (
	"github.com/pueue-rs/pueued-go/internal/state"
	"github.com/pueue-rs/pueued-go/internal/task"
	"github.com/pueue-rs/pueued-go/internal/wire"
)

// InstructionKind discriminates the work a dispatcher handler hands off
// to the scheduler for supervisor-bound mutations (§4.6): start, pause,
// kill, send, reset and shutdown all need the scheduler's single-threaded
// access to the child registry.
type InstructionKind int

const (
	InstrStart InstructionKind = iota
	InstrPause
	InstrKill
	InstrSend
	InstrResetAll
	InstrResetGroups
	InstrShutdown
)

// Instruction is queued on the scheduler's bounded channel by the
// dispatcher. Reply, if non-nil, receives exactly one Result.
type Instruction struct {
	Kind       InstructionKind
	Selection  wire.Selection
	Wait       bool
	Signal     string
	TaskID     task.ID
	Input      string
	GroupNames []string
	Shutdown   state.ShutdownKind
	Reply      chan Result
}

// Result is the dispatcher's synchronous acknowledgement: how many
// selected tasks matched the eligibility filter for this instruction,
// without waiting for the underlying action to complete (§4.6).
type Result struct {
	Matched int
	Err     error
}

func reply(instr Instruction, res Result) {
	if instr.Reply != nil {
		instr.Reply <- res
	}
}
