package state

import "errors"

var (
	ErrUnknownGroup      = errors.New("unknown group")
	ErrUnknownTask       = errors.New("unknown task")
	ErrGroupExists       = errors.New("group already exists")
	ErrGroupHasTasks     = errors.New("group still has tasks")
	ErrDefaultGroup      = errors.New("the default group cannot be removed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTaskActive        = errors.New("task has a live process")
	ErrInvalidSlots      = errors.New("parallel slots must be positive")

	// ErrNoFreeSlot signals an internal invariant violation: a promotion was
	// attempted although no dense slot index was free. Callers log and retry
	// the scheduler pass; the task stays queued.
	ErrNoFreeSlot = errors.New("no free worker slot despite free capacity")
)
