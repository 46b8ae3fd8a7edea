package state

// Group is a named concurrency domain: at most Slots of its tasks run at
// once, and its pending queue decides promotion order.
type Group struct {
	Name string `json:"name"`

	// Slots is the maximum number of concurrently running tasks.
	Slots int `json:"parallel_slots"`

	// Paused groups promote nothing; tasks already running keep running.
	Paused bool `json:"paused"`

	// Pending holds queued task ids in dispatch order. Immediate tasks sort
	// ahead of non-immediate ones; insertion order is kept within each class.
	Pending []int `json:"pending,omitempty"`
}

func (g *Group) clone() Group {
	cp := *g
	if g.Pending != nil {
		cp.Pending = append([]int(nil), g.Pending...)
	}
	return cp
}

// dequeue removes id from the pending queue, if present.
func (g *Group) dequeue(id int) {
	for i, v := range g.Pending {
		if v == id {
			g.Pending = append(g.Pending[:i], g.Pending[i+1:]...)
			return
		}
	}
}
