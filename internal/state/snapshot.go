package state

import (
	"fmt"
	"sort"
	"time"

	logx "shellq/pkg/logx"
)

// Snapshot is a consistent, serializable copy of all task and group state.
// It backs both status queries and persistence.
type Snapshot struct {
	TakenAt time.Time `json:"taken_at"`
	NextID  int       `json:"next_id"`
	Tasks   []Task    `json:"tasks"`
	Groups  []Group   `json:"groups"`
}

// Snapshot copies the whole state under a read lock. It blocks mutations
// only for the duration of the copy itself.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		TakenAt: time.Now(),
		NextID:  s.nextID,
		Tasks:   make([]Task, 0, len(s.tasks)),
		Groups:  make([]Group, 0, len(s.groups)),
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, t.clone())
	}
	for _, g := range s.groups {
		snap.Groups = append(snap.Groups, g.clone())
	}
	s.mu.RUnlock()

	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].ID < snap.Tasks[j].ID })
	sort.Slice(snap.Groups, func(i, j int) bool { return snap.Groups[i].Name < snap.Groups[j].Name })
	return snap
}

// Restore replaces the store's content with a previously saved snapshot.
//
// Tasks that were running or paused when the snapshot was taken reference
// processes this daemon never owned. We do not reattach: they are marked
// failed so their history is kept but their slots are free.
func (s *Store) Restore(snap Snapshot) error {
	tasks := make(map[int]*Task, len(snap.Tasks))
	groups := make(map[string]*Group, len(snap.Groups))
	nextID := snap.NextID

	for i := range snap.Groups {
		g := snap.Groups[i].clone()
		if g.Name == "" || g.Slots <= 0 {
			return fmt.Errorf("snapshot: group %q has invalid slots %d", g.Name, g.Slots)
		}
		groups[g.Name] = &g
	}
	if _, ok := groups[DefaultGroup]; !ok {
		groups[DefaultGroup] = &Group{Name: DefaultGroup, Slots: 1}
	}

	orphaned := 0
	for i := range snap.Tasks {
		t := snap.Tasks[i].clone()
		if _, ok := groups[t.Group]; !ok {
			return fmt.Errorf("snapshot: task %d references unknown group %q", t.ID, t.Group)
		}
		if t.Status.Active() {
			t.Status = Failed
			t.FailReason = "daemon restarted while task was running"
			t.FinishedAt = time.Now()
			orphaned++
		}
		if t.ID >= nextID {
			nextID = t.ID + 1
		}
		tasks[t.ID] = &t
	}

	// Drop queue entries that no longer point at queued tasks.
	for _, g := range groups {
		kept := g.Pending[:0]
		for _, id := range g.Pending {
			if t, ok := tasks[id]; ok && t.Status == Queued {
				kept = append(kept, id)
			}
		}
		g.Pending = kept
	}
	if nextID < 1 {
		nextID = 1
	}

	s.mu.Lock()
	s.tasks = tasks
	s.groups = groups
	s.nextID = nextID
	s.mu.Unlock()

	if orphaned > 0 {
		s.log.Warn("marked tasks from previous run as failed", logx.Int("count", orphaned))
	}
	return nil
}
