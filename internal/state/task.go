package state

import "time"

// Status is a task's lifecycle state.
//
// Legal transitions:
//
//	queued  <-> stashed            (explicit enqueue/stash)
//	queued   -> running            (scheduler promotion)
//	running <-> paused             (SIGSTOP/SIGCONT, process retained)
//	running  -> done|killed|failed
//	paused   -> done|killed|failed (external exit or kill while suspended)
//
// done, killed and failed are terminal; nothing leaves them.
type Status string

const (
	Queued  Status = "queued"
	Stashed Status = "stashed"
	Running Status = "running"
	Paused  Status = "paused"
	Done    Status = "done"
	Killed  Status = "killed"
	Failed  Status = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == Done || s == Killed || s == Failed
}

// Active reports whether the task owns a child process (running or suspended).
func (s Status) Active() bool {
	return s == Running || s == Paused
}

var transitions = map[Status]map[Status]bool{
	Queued:  {Running: true, Stashed: true},
	Stashed: {Queued: true},
	Running: {Paused: true, Done: true, Killed: true, Failed: true},
	Paused:  {Running: true, Done: true, Killed: true, Failed: true},
	Done:    {},
	Killed:  {},
	Failed:  {},
}

func legalTransition(from, to Status) bool {
	return transitions[from][to]
}

// Task is one unit of work: a shell command owned by a group.
type Task struct {
	ID      int    `json:"id"`
	Command string `json:"command"`
	Group   string `json:"group"`
	Label   string `json:"label,omitempty"`

	// Dir is the working directory the command runs in; empty means the
	// daemon's working directory.
	Dir string `json:"dir,omitempty"`

	// Immediate tasks are dispatched before any non-immediate task in the
	// group. Order among immediate tasks is itself FIFO.
	Immediate bool `json:"immediate,omitempty"`

	// Env is merged over the sanitized base environment of the child.
	Env map[string]string `json:"env,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	// WorkerSlot is the dense per-group slot index in [0, parallel_slots),
	// valid while the task is running or paused. Slots are reused as soon as
	// a task finishes; they are not persistent task identity.
	WorkerSlot int `json:"worker_slot,omitempty"`

	// ExitCode is valid when Status == Done.
	ExitCode int `json:"exit_code,omitempty"`
	// Signal names the signal that ended the process, when Status == Killed.
	Signal string `json:"signal,omitempty"`
	// FailReason is set when Status == Failed (e.g. spawn error).
	FailReason string `json:"fail_reason,omitempty"`
}

// clone returns a deep copy safe to hand out of the store.
func (t *Task) clone() Task {
	cp := *t
	if t.Env != nil {
		cp.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			cp.Env[k] = v
		}
	}
	return cp
}

// Finish is the outcome a reaper reports when a child process ends
// (or fails to start).
type Finish struct {
	ExitCode int
	// Signal is non-empty when the process was terminated by a signal.
	Signal string
	// Reason is non-empty when the process never ran properly (spawn error);
	// it forces the failed status.
	Reason string
}

func (f Finish) status() Status {
	switch {
	case f.Reason != "":
		return Failed
	case f.Signal != "":
		return Killed
	default:
		return Done
	}
}
