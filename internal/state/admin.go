package state

// Clean removes finished tasks (done, killed, failed). A non-empty group
// restricts cleaning to that group. Returns the removed ids.
func (s *Store) Clean(group string) []int {
	s.mu.Lock()
	var removed []int
	for id, t := range s.tasks {
		if !t.Status.Terminal() {
			continue
		}
		if group != "" && t.Group != group {
			continue
		}
		delete(s.tasks, id)
		removed = append(removed, id)
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.stateChanged()
	}
	return removed
}

// Reset wipes every task and empties all pending queues. Groups and their
// settings survive. It returns the ids of tasks that still owned a process;
// the caller is expected to kill those processes, and late exit reports for
// wiped ids are ignored upstream.
func (s *Store) Reset() []int {
	s.mu.Lock()
	var active []int
	for id, t := range s.tasks {
		if t.Status.Active() {
			active = append(active, id)
		}
		delete(s.tasks, id)
	}
	for _, g := range s.groups {
		g.Pending = nil
	}
	s.mu.Unlock()

	s.stateChanged()
	return active
}
