package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"shellq/internal/eventbus"
	logx "shellq/pkg/logx"
)

// Store owns all task and group state. Every mutation runs under one
// exclusive lock and completes before the next begins, so cross-field
// invariants (slot counts, queue membership) hold at every observable point.
// Read-only queries share an RLock and may run concurrently with each other.
//
// The store never talks to processes or sockets itself; it only records
// state and publishes change events on the bus.
type Store struct {
	mu     sync.RWMutex
	tasks  map[int]*Task
	groups map[string]*Group
	nextID int

	log logx.Logger
	bus eventbus.Bus
}

// DefaultGroup always exists and cannot be removed.
const DefaultGroup = "default"

func New(log logx.Logger, bus eventbus.Bus) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		tasks:  map[int]*Task{},
		groups: map[string]*Group{},
		nextID: 1,
		log:    log,
		bus:    bus,
	}
	s.groups[DefaultGroup] = &Group{Name: DefaultGroup, Slots: 1}
	return s
}

// AddSpec describes a task to create.
type AddSpec struct {
	Command   string
	Group     string
	Label     string
	Dir       string
	Immediate bool
	// Stashed tasks are created held; they join the pending queue only on an
	// explicit Enqueue.
	Stashed bool
	Env     map[string]string
}

// AddTask creates a task and, unless stashed, inserts it into its group's
// pending queue. Ids are monotonic and never reused.
func (s *Store) AddTask(spec AddSpec) (Task, error) {
	s.mu.Lock()
	group := spec.Group
	if group == "" {
		group = DefaultGroup
	}
	g, ok := s.groups[group]
	if !ok {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}

	t := &Task{
		ID:        s.nextID,
		Command:   spec.Command,
		Group:     group,
		Label:     spec.Label,
		Dir:       spec.Dir,
		Immediate: spec.Immediate,
		Env:       spec.Env,
		CreatedAt: time.Now(),
		Status:    Queued,
	}
	if spec.Stashed {
		t.Status = Stashed
	} else {
		s.enqueueLocked(g, t)
	}
	s.nextID++
	s.tasks[t.ID] = t
	cp := t.clone()
	s.mu.Unlock()

	s.published(cp.ID, group, cp.Status)
	return cp, nil
}

// Task returns a copy of the task, if it exists.
func (s *Store) Task(id int) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Group returns a copy of the group, if it exists.
func (s *Store) Group(name string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	if !ok {
		return Group{}, false
	}
	return g.clone(), true
}

// TasksInGroup returns copies of all tasks owned by the group, sorted by id.
func (s *Store) TasksInGroup(group string) []Task {
	s.mu.RLock()
	out := make([]Task, 0, 8)
	for _, t := range s.tasks {
		if t.Group == group {
			out = append(out, t.clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stash pulls a queued task out of its group's pending queue; it will not be
// promoted until explicitly enqueued again.
func (s *Store) Stash(id int) error {
	return s.transition(id, Stashed, func(t *Task, g *Group) {
		g.dequeue(t.ID)
	})
}

// Enqueue releases a stashed task back into its group's pending queue,
// honoring the task's immediate flag.
func (s *Store) Enqueue(id int) error {
	return s.transition(id, Queued, func(t *Task, g *Group) {
		s.enqueueLocked(g, t)
	})
}

// enqueueLocked inserts a task into its group's pending queue. Immediate
// tasks go ahead of every non-immediate task but behind immediate tasks
// queued earlier, so dispatch order is FIFO within each class.
func (s *Store) enqueueLocked(g *Group, t *Task) {
	if !t.Immediate {
		g.Pending = append(g.Pending, t.ID)
		return
	}
	pos := 0
	for pos < len(g.Pending) {
		q, ok := s.tasks[g.Pending[pos]]
		if !ok || !q.Immediate {
			break
		}
		pos++
	}
	g.Pending = append(g.Pending, 0)
	copy(g.Pending[pos+1:], g.Pending[pos:])
	g.Pending[pos] = t.ID
}

// MarkPaused records that a running task's process was suspended.
func (s *Store) MarkPaused(id int) error {
	return s.transition(id, Paused, nil)
}

// MarkResumed records that a paused task's process was continued.
func (s *Store) MarkResumed(id int) error {
	return s.transition(id, Running, nil)
}

// Finish moves a live task to its terminal status based on how the process
// ended. The freed slot becomes reusable immediately.
func (s *Store) Finish(id int, f Finish) error {
	to := f.status()
	return s.transition(id, to, func(t *Task, g *Group) {
		t.FinishedAt = time.Now()
		switch to {
		case Done:
			t.ExitCode = f.ExitCode
		case Killed:
			t.Signal = f.Signal
		case Failed:
			t.FailReason = f.Reason
		}
	})
}

// Fail marks a task failed with a reason, regardless of which non-terminal
// state it is in. Used for spawn errors, where the task was promoted but its
// process never started.
func (s *Store) Fail(id int, reason string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	if t.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, Failed)
	}
	if g, ok := s.groups[t.Group]; ok {
		g.dequeue(t.ID)
	}
	t.Status = Failed
	t.FailReason = reason
	t.FinishedAt = time.Now()
	group := t.Group
	s.mu.Unlock()

	s.published(id, group, Failed)
	return nil
}

// RemoveTask deletes a task that has no live process.
func (s *Store) RemoveTask(id int) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	if t.Status.Active() {
		s.mu.Unlock()
		return fmt.Errorf("%w: task %d is %s", ErrTaskActive, id, t.Status)
	}
	if g, ok := s.groups[t.Group]; ok {
		g.dequeue(id)
	}
	delete(s.tasks, id)
	s.mu.Unlock()

	s.stateChanged()
	return nil
}

// AddGroup creates a new concurrency domain.
func (s *Store) AddGroup(name string, slots int) error {
	if slots <= 0 {
		return ErrInvalidSlots
	}
	s.mu.Lock()
	if _, ok := s.groups[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupExists, name)
	}
	s.groups[name] = &Group{Name: name, Slots: slots}
	s.mu.Unlock()

	s.stateChanged()
	return nil
}

// EnsureGroup creates the group if missing; existing groups are left alone.
// Used for config-declared groups at startup.
func (s *Store) EnsureGroup(name string, slots int) error {
	s.mu.Lock()
	if _, ok := s.groups[name]; ok {
		s.mu.Unlock()
		return nil
	}
	if slots <= 0 {
		s.mu.Unlock()
		return ErrInvalidSlots
	}
	s.groups[name] = &Group{Name: name, Slots: slots}
	s.mu.Unlock()

	s.stateChanged()
	return nil
}

// RemoveGroup deletes a group. It fails while any task still references the
// group; tasks must be removed (or reassigned by re-adding) first.
func (s *Store) RemoveGroup(name string) error {
	if name == DefaultGroup {
		return ErrDefaultGroup
	}
	s.mu.Lock()
	if _, ok := s.groups[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	for _, t := range s.tasks {
		if t.Group == name {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrGroupHasTasks, name)
		}
	}
	delete(s.groups, name)
	s.mu.Unlock()

	s.stateChanged()
	return nil
}

// SetGroupSlots changes a group's parallelism. Shrinking below the current
// number of live tasks is allowed; no task is killed, the group simply
// promotes nothing until enough tasks finish.
func (s *Store) SetGroupSlots(name string, slots int) error {
	if slots <= 0 {
		return ErrInvalidSlots
	}
	s.mu.Lock()
	g, ok := s.groups[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	g.Slots = slots
	s.mu.Unlock()

	s.stateChanged()
	return nil
}

// SetGroupPaused toggles promotion for a group. Running tasks are unaffected.
func (s *Store) SetGroupPaused(name string, paused bool) error {
	s.mu.Lock()
	g, ok := s.groups[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	g.Paused = paused
	s.mu.Unlock()

	s.stateChanged()
	return nil
}

// PromoteDue performs one scheduler pass as a single atomic mutation: for
// every unpaused group with free capacity, pending tasks are popped in queue
// order, marked running and assigned the lowest free slot index.
//
// The returned copies are what the caller hands to the process supervisor;
// spawning happens outside the lock. A nil, nil return means nothing was due
// (the pass is idempotent).
//
// If a dense slot index cannot be found although capacity says one is free,
// the task stays queued and ErrNoFreeSlot is returned alongside whatever was
// promoted before the violation; callers log and retry the pass.
func (s *Store) PromoteDue() ([]Task, error) {
	s.mu.Lock()

	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var promoted []Task
	var err error
groups:
	for _, name := range names {
		g := s.groups[name]
		if g.Paused {
			continue
		}
		for len(g.Pending) > 0 && s.occupiedLocked(name) < g.Slots {
			id := g.Pending[0]
			t, ok := s.tasks[id]
			if !ok || t.Status != Queued {
				// Stale queue entry; drop it and keep going.
				g.Pending = g.Pending[1:]
				continue
			}
			slot, ok := s.freeSlotLocked(g)
			if !ok {
				err = fmt.Errorf("%w: group %s", ErrNoFreeSlot, name)
				break groups
			}
			g.Pending = g.Pending[1:]
			t.Status = Running
			t.StartedAt = time.Now()
			t.WorkerSlot = slot
			promoted = append(promoted, t.clone())
		}
	}
	s.mu.Unlock()

	for _, t := range promoted {
		s.published(t.ID, t.Group, Running)
	}
	return promoted, err
}

// occupiedLocked counts tasks holding a process (running or paused) in the
// group. Paused tasks keep their slot; the invariant is about live processes.
func (s *Store) occupiedLocked(group string) int {
	n := 0
	for _, t := range s.tasks {
		if t.Group == group && t.Status.Active() {
			n++
		}
	}
	return n
}

// freeSlotLocked returns the lowest unused slot index in [0, g.Slots).
func (s *Store) freeSlotLocked(g *Group) (int, bool) {
	used := make([]bool, g.Slots)
	for _, t := range s.tasks {
		if t.Group == g.Name && t.Status.Active() && t.WorkerSlot >= 0 && t.WorkerSlot < g.Slots {
			used[t.WorkerSlot] = true
		}
	}
	for i, u := range used {
		if !u {
			return i, true
		}
	}
	return 0, false
}

// transition applies one validated status change plus an optional extra
// mutation under the lock, then publishes the change.
func (s *Store) transition(id int, to Status, apply func(t *Task, g *Group)) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	if !legalTransition(t.Status, to) {
		from := t.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: task %d: %s -> %s", ErrInvalidTransition, id, from, to)
	}
	g := s.groups[t.Group]
	if g == nil {
		// A task's group is always live; enforced by RemoveGroup.
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownGroup, t.Group)
	}
	t.Status = to
	if apply != nil {
		apply(t, g)
	}
	group := t.Group
	s.mu.Unlock()

	s.published(id, group, to)
	return nil
}

// published announces one task status transition. Called outside the lock.
func (s *Store) published(id int, group string, status Status) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskStatus,
		Data: eventbus.TaskEvent{TaskID: id, Group: group, Status: string(status)},
	})
}

// stateChanged announces a mutation that is not a single task transition:
// group changes, task removal, clean, reset. Called outside the lock.
func (s *Store) stateChanged() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeStateChanged})
}
