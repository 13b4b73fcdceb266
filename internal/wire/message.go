package wire

import (
	"time"

	"github.com/pueue-rs/pueued-go/internal/task"
)

// SelectionKind discriminates the Selection tagged union (§4.7).
type SelectionKind string

const (
	SelectionTaskIDs SelectionKind = "task_ids"
	SelectionGroup   SelectionKind = "group"
	SelectionAll     SelectionKind = "all"
)

// Selection picks the tasks a request applies to.
type Selection struct {
	Kind  SelectionKind `cbor:"kind"`
	IDs   []task.ID     `cbor:"ids,omitempty"`
	Group string        `cbor:"group,omitempty"`
}

// RequestKind discriminates the Request tagged union.
type RequestKind string

const (
	ReqAdd          RequestKind = "add"
	ReqRemove       RequestKind = "remove"
	ReqSwitch       RequestKind = "switch"
	ReqStash        RequestKind = "stash"
	ReqEnqueue      RequestKind = "enqueue"
	ReqStart        RequestKind = "start"
	ReqPause        RequestKind = "pause"
	ReqKill         RequestKind = "kill"
	ReqSend         RequestKind = "send"
	ReqEditRequest  RequestKind = "edit_request"
	ReqEditCommit   RequestKind = "edit_commit"
	ReqEnvSet       RequestKind = "env_set"
	ReqEnvUnset     RequestKind = "env_unset"
	ReqGroupList    RequestKind = "group_list"
	ReqGroupAdd     RequestKind = "group_add"
	ReqGroupRemove  RequestKind = "group_remove"
	ReqParallel     RequestKind = "parallel"
	ReqClean        RequestKind = "clean"
	ReqResetAll     RequestKind = "reset_all"
	ReqResetGroups  RequestKind = "reset_groups"
	ReqStatus       RequestKind = "status"
	ReqLog          RequestKind = "log"
	ReqFollow       RequestKind = "follow"
	ReqShutdown     RequestKind = "shutdown"
	ReqDaemonPing   RequestKind = "daemon_ping"
)

// Request is the top-level tagged union of every client request (§4.7).
// Only the fields relevant to Kind are meaningful; CBOR's omitempty keeps
// unused branches out of the wire payload.
type Request struct {
	Kind RequestKind `cbor:"kind"`

	// Add
	Command   string            `cbor:"command,omitempty"`
	Path      string            `cbor:"path,omitempty"`
	Group     string            `cbor:"group,omitempty"`
	Label     string            `cbor:"label,omitempty"`
	Priority  int               `cbor:"priority,omitempty"`
	Deps      []task.ID         `cbor:"deps,omitempty"`
	Envs      map[string]string `cbor:"envs,omitempty"`
	Stashed   bool              `cbor:"stashed,omitempty"`
	EnqueueAt *time.Time        `cbor:"enqueue_at,omitempty"`

	// Remove / Send / EditRequest / EditCommit / EnvSet / EnvUnset
	IDs   []task.ID `cbor:"ids,omitempty"`
	ID    task.ID   `cbor:"id,omitempty"`
	Input string    `cbor:"input,omitempty"`

	// Switch
	ID1 task.ID `cbor:"id1,omitempty"`
	ID2 task.ID `cbor:"id2,omitempty"`

	// Stash / Enqueue / Start / Pause / Kill / Clean / Log
	Selection      Selection `cbor:"selection,omitempty"`
	Wait           bool      `cbor:"wait,omitempty"`
	Signal         string    `cbor:"signal,omitempty"`
	SuccessfulOnly bool      `cbor:"successful_only,omitempty"`
	IncludeOutput  bool      `cbor:"include_output,omitempty"`
	Lines          int       `cbor:"lines,omitempty"`

	// EditCommit
	NewCommand  string `cbor:"new_command,omitempty"`
	NewPath     string `cbor:"new_path,omitempty"`
	NewLabel    string `cbor:"new_label,omitempty"`
	NewPriority int    `cbor:"new_priority,omitempty"`

	// Env
	EnvKey   string `cbor:"env_key,omitempty"`
	EnvValue string `cbor:"env_value,omitempty"`

	// Group Add / Parallel
	GroupName string `cbor:"group_name,omitempty"`
	Parallel  int    `cbor:"parallel,omitempty"`

	// Reset
	GroupNames []string `cbor:"group_names,omitempty"`

	// Shutdown
	Emergency bool `cbor:"emergency,omitempty"`
}

// ResponseKind discriminates the Response tagged union.
type ResponseKind string

const (
	RespSuccess      ResponseKind = "success"
	RespFailure      ResponseKind = "failure"
	RespStatus       ResponseKind = "status"
	RespLog          ResponseKind = "log"
	RespGroup        ResponseKind = "group"
	RespEditResponse ResponseKind = "edit_response"
	RespStream       ResponseKind = "stream"
)

// TaskLog is one entry of a Log response (§4.7).
type TaskLog struct {
	Task           *task.Task `cbor:"task"`
	Output         []byte     `cbor:"output,omitempty"`
	OutputComplete bool       `cbor:"output_complete"`
}

// GroupInfo describes one group and its settings for the Group response.
type GroupInfo struct {
	Name          string          `cbor:"name"`
	Status        task.GroupStatus `cbor:"status"`
	ParallelTasks int             `cbor:"parallel_tasks"`
}

// Response is the top-level tagged union of every daemon response.
type Response struct {
	Kind ResponseKind `cbor:"kind"`

	// Success / Failure
	Text string `cbor:"text,omitempty"`

	// Status
	Tasks  map[task.ID]*task.Task `cbor:"tasks,omitempty"`
	Groups map[string]*GroupInfo  `cbor:"groups,omitempty"`

	// Log
	Logs map[task.ID]*TaskLog `cbor:"logs,omitempty"`

	// EditResponse
	EditTask *task.Task `cbor:"edit_task,omitempty"`

	// Stream
	Chunk []byte `cbor:"chunk,omitempty"`
}
