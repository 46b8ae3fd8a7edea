package gateway

import (
	"errors"
	"fmt"
	"time"

	"shellq/internal/protocol"
	"shellq/internal/state"
	logx "shellq/pkg/logx"
)

// dispatch maps one authenticated request to store/scheduler/supervisor
// operations. The switch is exhaustive over protocol.Kind; log streaming is
// handled by the session before it gets here.
func (g *Gateway) dispatch(req *protocol.Request) protocol.Response {
	switch req.Kind {
	case protocol.KindAuth:
		return protocol.Errorf(protocol.ErrMalformed, "already authenticated")
	case protocol.KindAdd:
		return g.handleAdd(req.Add)
	case protocol.KindStash:
		return g.perTask(req.Target, g.store.Stash)
	case protocol.KindEnqueue:
		resp := g.perTask(req.Target, g.store.Enqueue)
		g.sched.Poke()
		return resp
	case protocol.KindStart, protocol.KindResume:
		return g.handleStart(req.Target)
	case protocol.KindPause:
		return g.handlePause(req.Target)
	case protocol.KindKill:
		return g.handleKill(req.Target)
	case protocol.KindRemove:
		return g.perTask(req.Target, g.store.RemoveTask)
	case protocol.KindStatus:
		snap := g.store.Snapshot()
		return protocol.Response{Kind: protocol.RespStatus, Status: &snap}
	case protocol.KindGroup:
		return g.handleGroup(req.Group)
	case protocol.KindClean:
		group := ""
		if req.Target != nil {
			group = req.Target.Group
		}
		removed := g.store.Clean(group)
		return protocol.OK(fmt.Sprintf("removed %d finished tasks", len(removed)))
	case protocol.KindReset:
		return g.handleReset()
	case protocol.KindShutdown:
		if g.shutdown != nil {
			// Give the ok response a moment to flush before teardown begins.
			time.AfterFunc(100*time.Millisecond, g.shutdown)
		}
		return protocol.OK("shutting down")
	case protocol.KindLog:
		return protocol.Errorf(protocol.ErrInternal, "log requests are stream-handled")
	default:
		return protocol.Errorf(protocol.ErrUnknownCommand, fmt.Sprintf("unknown command %q", req.Kind))
	}
}

func (g *Gateway) handleAdd(add *protocol.AddRequest) protocol.Response {
	if add == nil || add.Command == "" {
		return protocol.Errorf(protocol.ErrMalformed, "add: command is required")
	}
	t, err := g.store.AddTask(state.AddSpec{
		Command:   add.Command,
		Group:     add.Group,
		Label:     add.Label,
		Dir:       add.Dir,
		Immediate: add.Immediate,
		Stashed:   add.Stashed,
		Env:       add.Env,
	})
	if err != nil {
		return errResponse(err)
	}
	g.sched.Poke()
	return protocol.Response{Kind: protocol.RespAdded, Added: &protocol.AddedPayload{TaskID: t.ID}}
}

// perTask applies one store operation to every addressed task id,
// failing on the first error.
func (g *Gateway) perTask(target *protocol.Target, op func(id int) error) protocol.Response {
	ids, resp := taskIDs(target)
	if resp != nil {
		return *resp
	}
	for _, id := range ids {
		if err := op(id); err != nil {
			return errResponse(err)
		}
	}
	return protocol.OK("")
}

// handleStart resumes paused tasks, releases stashed ones, or unpauses a
// whole group.
func (g *Gateway) handleStart(target *protocol.Target) protocol.Response {
	if target != nil && len(target.TaskIDs) == 0 && target.Group != "" {
		if err := g.store.SetGroupPaused(target.Group, false); err != nil {
			return errResponse(err)
		}
		g.sched.Poke()
		return protocol.OK("group resumed")
	}

	ids, resp := taskIDs(target)
	if resp != nil {
		return *resp
	}
	for _, id := range ids {
		t, ok := g.store.Task(id)
		if !ok {
			return errResponse(fmt.Errorf("%w: %d", state.ErrUnknownTask, id))
		}
		switch t.Status {
		case state.Stashed:
			if err := g.store.Enqueue(id); err != nil {
				return errResponse(err)
			}
		case state.Paused:
			if err := g.procs.SignalResume(id); err != nil {
				g.log.Warn("resume signal failed", logx.Int("task", id), logx.Err(err))
				return protocol.Errorf(protocol.ErrInternal, err.Error())
			}
			if err := g.store.MarkResumed(id); err != nil {
				return errResponse(err)
			}
		case state.Queued, state.Running:
			// Already on its way; nothing to do.
		default:
			return errResponse(fmt.Errorf("%w: task %d is %s", state.ErrInvalidTransition, id, t.Status))
		}
	}
	g.sched.Poke()
	return protocol.OK("")
}

// handlePause suspends running tasks (SIGSTOP, process retained) or pauses a
// group. A paused group stops promoting; its running tasks keep running.
func (g *Gateway) handlePause(target *protocol.Target) protocol.Response {
	if target != nil && len(target.TaskIDs) == 0 && target.Group != "" {
		if err := g.store.SetGroupPaused(target.Group, true); err != nil {
			return errResponse(err)
		}
		return protocol.OK("group paused")
	}

	ids, resp := taskIDs(target)
	if resp != nil {
		return *resp
	}
	for _, id := range ids {
		if err := g.procs.SignalPause(id); err != nil {
			g.log.Warn("pause signal failed", logx.Int("task", id), logx.Err(err))
			return protocol.Errorf(protocol.ErrInternal, err.Error())
		}
		if err := g.store.MarkPaused(id); err != nil {
			return errResponse(err)
		}
	}
	return protocol.OK("")
}

// handleKill terminates live processes. The terminal status is recorded when
// the reaper reports the exit, which also frees the slot and re-runs the
// scheduler.
func (g *Gateway) handleKill(target *protocol.Target) protocol.Response {
	var ids []int
	if target != nil && len(target.TaskIDs) == 0 && target.Group != "" {
		if _, ok := g.store.Group(target.Group); !ok {
			return errResponse(fmt.Errorf("%w: %s", state.ErrUnknownGroup, target.Group))
		}
		for _, t := range g.store.TasksInGroup(target.Group) {
			if t.Status.Active() {
				ids = append(ids, t.ID)
			}
		}
	} else {
		var resp *protocol.Response
		ids, resp = taskIDs(target)
		if resp != nil {
			return *resp
		}
	}
	for _, id := range ids {
		t, ok := g.store.Task(id)
		if !ok {
			return errResponse(fmt.Errorf("%w: %d", state.ErrUnknownTask, id))
		}
		if !t.Status.Active() {
			return errResponse(fmt.Errorf("%w: task %d is %s", state.ErrInvalidTransition, id, t.Status))
		}
		if err := g.procs.Kill(id); err != nil {
			return protocol.Errorf(protocol.ErrInternal, err.Error())
		}
	}
	return protocol.OK("")
}

func (g *Gateway) handleGroup(gr *protocol.GroupRequest) protocol.Response {
	if gr == nil || gr.Name == "" {
		return protocol.Errorf(protocol.ErrMalformed, "group: name is required")
	}
	var err error
	switch gr.Action {
	case protocol.GroupAdd:
		err = g.store.AddGroup(gr.Name, gr.Slots)
	case protocol.GroupRemove:
		err = g.store.RemoveGroup(gr.Name)
	case protocol.GroupSlots:
		if err = g.store.SetGroupSlots(gr.Name, gr.Slots); err == nil {
			g.sched.Poke()
		}
	case protocol.GroupPause:
		err = g.store.SetGroupPaused(gr.Name, true)
	case protocol.GroupResume:
		if err = g.store.SetGroupPaused(gr.Name, false); err == nil {
			g.sched.Poke()
		}
	default:
		return protocol.Errorf(protocol.ErrMalformed, fmt.Sprintf("group: unknown action %q", gr.Action))
	}
	if err != nil {
		return errResponse(err)
	}
	return protocol.OK("")
}

func (g *Gateway) handleReset() protocol.Response {
	active := g.store.Reset()
	for _, id := range active {
		if err := g.procs.Kill(id); err != nil {
			g.log.Warn("reset: kill failed", logx.Int("task", id), logx.Err(err))
		}
	}
	return protocol.OK(fmt.Sprintf("state reset; killed %d live tasks", len(active)))
}

func taskIDs(target *protocol.Target) ([]int, *protocol.Response) {
	if target == nil || len(target.TaskIDs) == 0 {
		resp := protocol.Errorf(protocol.ErrMalformed, "no task ids given")
		return nil, &resp
	}
	return target.TaskIDs, nil
}

// errResponse maps store errors to structured protocol errors.
func errResponse(err error) protocol.Response {
	kind := protocol.ErrInternal
	switch {
	case errors.Is(err, state.ErrUnknownTask):
		kind = protocol.ErrUnknownTask
	case errors.Is(err, state.ErrUnknownGroup):
		kind = protocol.ErrUnknownGroup
	case errors.Is(err, state.ErrGroupExists):
		kind = protocol.ErrGroupExists
	case errors.Is(err, state.ErrGroupHasTasks), errors.Is(err, state.ErrDefaultGroup):
		kind = protocol.ErrGroupHasTasks
	case errors.Is(err, state.ErrInvalidTransition), errors.Is(err, state.ErrInvalidSlots):
		kind = protocol.ErrInvalidTransition
	case errors.Is(err, state.ErrTaskActive):
		kind = protocol.ErrTaskActive
	}
	return protocol.Errorf(kind, err.Error())
}
