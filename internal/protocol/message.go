// Package protocol defines the messages exchanged over the control channel
// and their framing.
//
// Requests are a tagged variant: Kind names the command family and exactly
// one payload pointer is set. The gateway dispatches with an exhaustive
// switch over Kind, so adding a command means the compiler (and tests) see
// every handler site.
package protocol

import "shellq/internal/state"

type Kind string

const (
	// Auth is the first (and only pre-TLS) message on every connection.
	KindAuth Kind = "auth"

	KindAdd     Kind = "add"
	KindStash   Kind = "stash"
	KindEnqueue Kind = "enqueue"
	KindStart   Kind = "start"
	KindPause   Kind = "pause"
	KindResume  Kind = "resume"
	KindKill    Kind = "kill"
	KindRemove  Kind = "remove"
	KindStatus  Kind = "status"
	KindGroup   Kind = "group"
	KindLog     Kind = "log"
	KindClean   Kind = "clean"
	KindReset   Kind = "reset"

	// Shutdown asks the daemon to exit gracefully (drain, snapshot, stop).
	KindShutdown Kind = "shutdown"
)

type Request struct {
	Kind Kind `json:"kind"`

	Auth   *AuthRequest  `json:"auth,omitempty"`
	Add    *AddRequest   `json:"add,omitempty"`
	Target *Target       `json:"target,omitempty"`
	Group  *GroupRequest `json:"group,omitempty"`
	Log    *LogRequest   `json:"log,omitempty"`
}

type AuthRequest struct {
	// Secret is compared byte-for-byte against the daemon's secret file.
	Secret []byte `json:"secret"`
}

type AddRequest struct {
	Command string `json:"command"`
	Group   string `json:"group,omitempty"`
	Label   string `json:"label,omitempty"`
	Dir     string `json:"dir,omitempty"`
	// Immediate dispatches the task before queued non-immediate tasks.
	Immediate bool `json:"immediate,omitempty"`
	// Stashed creates the task held; it must be enqueued explicitly.
	Stashed bool              `json:"stashed,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Target addresses tasks either by explicit ids or by owning group.
// For group-capable commands (start/pause/kill) a set group means
// "the whole group"; ids win when both are present.
type Target struct {
	TaskIDs []int  `json:"task_ids,omitempty"`
	Group   string `json:"group,omitempty"`
}

type GroupAction string

const (
	GroupAdd    GroupAction = "add"
	GroupRemove GroupAction = "remove"
	GroupSlots  GroupAction = "slots"
	GroupPause  GroupAction = "pause"
	GroupResume GroupAction = "resume"
)

type GroupRequest struct {
	Action GroupAction `json:"action"`
	Name   string      `json:"name"`
	Slots  int         `json:"slots,omitempty"`
}

// LogRequest opens a stream of the task's captured output. The stream ends
// once the output is drained and the task no longer holds a process; clients
// wanting only a peek disconnect, which cancels nothing but their stream.
type LogRequest struct {
	TaskID int `json:"task_id"`
}

// ---- Responses ----

type RespKind string

const (
	RespOK     RespKind = "ok"
	RespError  RespKind = "error"
	RespAdded  RespKind = "added"
	RespStatus RespKind = "status"

	// Log streams are a bounded sequence of chunk frames terminated by an
	// explicit end frame.
	RespLogChunk RespKind = "log_chunk"
	RespLogEnd   RespKind = "log_end"
)

type Response struct {
	Kind RespKind `json:"kind"`

	Error  *ErrorPayload   `json:"error,omitempty"`
	Added  *AddedPayload   `json:"added,omitempty"`
	Status *state.Snapshot `json:"status,omitempty"`
	Log    *LogChunk       `json:"log,omitempty"`

	// Message carries optional human-readable detail on ok responses.
	Message string `json:"message,omitempty"`
}

type ErrKind string

const (
	ErrAuthFailed        ErrKind = "auth_failed"
	ErrMalformed         ErrKind = "malformed"
	ErrUnknownCommand    ErrKind = "unknown_command"
	ErrUnknownTask       ErrKind = "unknown_task"
	ErrUnknownGroup      ErrKind = "unknown_group"
	ErrGroupExists       ErrKind = "group_exists"
	ErrGroupHasTasks     ErrKind = "group_has_tasks"
	ErrInvalidTransition ErrKind = "invalid_transition"
	ErrTaskActive        ErrKind = "task_active"
	ErrInternal          ErrKind = "internal"
)

type ErrorPayload struct {
	ErrKind ErrKind `json:"err_kind"`
	Message string  `json:"message"`
}

type AddedPayload struct {
	TaskID int `json:"task_id"`
}

type LogChunk struct {
	TaskID int    `json:"task_id"`
	Data   []byte `json:"data"`
}

func OK(msg string) Response {
	return Response{Kind: RespOK, Message: msg}
}

func Errorf(kind ErrKind, msg string) Response {
	return Response{Kind: RespError, Error: &ErrorPayload{ErrKind: kind, Message: msg}}
}
