// Package sched promotes queued tasks into free group slots.
//
// The scheduler owns no state of its own: each pass is a single atomic store
// mutation (PromoteDue) followed by spawns outside the lock. Passes are
// linearized through one goroutine; anything that may have freed or filled a
// slot just pokes it.
package sched

import (
	"context"
	"time"

	"shellq/internal/state"
	logx "shellq/pkg/logx"
)

// Spawner starts a process for a task that was just promoted to running.
// It must not block on process completion.
type Spawner interface {
	Spawn(t state.Task) error
}

type Scheduler struct {
	store   *state.Store
	spawner Spawner
	log     logx.Logger

	// poke has capacity 1: a pass already pending absorbs further pokes.
	poke chan struct{}
}

func New(store *state.Store, spawner Spawner, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		store:   store,
		spawner: spawner,
		log:     log,
		poke:    make(chan struct{}, 1),
	}
}

// Poke requests a pass. Non-blocking; safe from any goroutine.
func (s *Scheduler) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Run executes passes until ctx is canceled. Each pass observes a fully
// applied prior state because PromoteDue runs under the store's lock.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.poke:
			s.pass()
		}
	}
}

// pass promotes everything due and hands the promoted tasks to the spawner.
// Idempotent: with no free slots or no pending tasks it does nothing.
func (s *Scheduler) pass() {
	promoted, err := s.store.PromoteDue()
	if err != nil {
		// Slot bookkeeping disagreed with capacity. The task stays queued;
		// retry shortly instead of dropping it.
		s.log.Error("scheduler pass hit slot invariant violation; retrying", logx.Err(err))
		time.AfterFunc(100*time.Millisecond, s.Poke)
	}

	for _, t := range promoted {
		t := t
		s.log.Debug("task promoted",
			logx.Int("task", t.ID),
			logx.String("group", t.Group),
			logx.Int("slot", t.WorkerSlot))
		if err := s.spawner.Spawn(t); err != nil {
			// Spawn failures are a terminal task status, not a daemon fault.
			s.log.Warn("spawn failed", logx.Int("task", t.ID), logx.Err(err))
			if ferr := s.store.Fail(t.ID, "spawn failed: "+err.Error()); ferr != nil {
				s.log.Error("recording spawn failure", logx.Int("task", t.ID), logx.Err(ferr))
			}
			// The failed spawn freed a slot; try to fill it.
			s.Poke()
		}
	}
}
